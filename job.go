package fastbernoulli

import (
	"context"
	"time"
)

// Job represents work to be done
type Job struct {
	ID        string
	Fn        func(ctx context.Context) (any, error)
	StartTime time.Time

	result chan JobResult
}

// JobResult is what a worker reports back for a Job.
type JobResult struct {
	ID        string
	Value     any
	Error     error
	CreatedAt time.Time
}
