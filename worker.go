package fastbernoulli

import (
	"fmt"
	"time"

	"github.com/theapemachine/errnie"
)

// Worker processes jobs
type Worker struct {
	pool *Q
	id   int
}

func (w *Worker) run() {
	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case job, ok := <-w.pool.jobs:
			if !ok {
				return
			}

			value, err := w.processJob(job)

			// result is buffered by Schedule, this never blocks.
			job.result <- JobResult{
				ID:        job.ID,
				Value:     value,
				Error:     err,
				CreatedAt: time.Now(),
			}
		}
	}
}

func (w *Worker) processJob(job Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked on worker %d: %v", job.ID, w.id, r)
		}
		w.pool.metrics.recordJobExecution(job.StartTime, err == nil)
	}()

	if err := w.pool.ctx.Err(); err != nil {
		return nil, err
	}

	value, err = job.Fn(w.pool.ctx)
	if err != nil {
		errnie.Info("worker %d - job %s failed: %v", w.id, job.ID, err)
	}

	return value, err
}
