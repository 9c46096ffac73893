package fastbernoulli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theapemachine/errnie"
)

/*
Q is a fixed-size worker pool. Jobs are queued on a shared channel and each
worker pulls the next one when it is free. Every job is attempted exactly
once.
*/
type Q struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	jobs       chan Job
	metrics    *Metrics
	config     *Config
	workerMu   sync.Mutex
	workerList []*Worker
	closeOnce  sync.Once
}

// NewQ starts a pool of workers bound to ctx. Closing the pool or cancelling
// ctx stops them.
func NewQ(ctx context.Context, workers int, config *Config, metrics *Metrics) *Q {
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &Q{
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan Job, workers*4),
		metrics:    metrics,
		config:     config,
		workerList: make([]*Worker, 0, workers),
	}

	for i := 0; i < workers; i++ {
		q.startWorker()
	}

	errnie.Info("pool - started %d workers", workers)
	return q
}

/*
Schedule queues fn and returns the channel its result will arrive on. The
channel is buffered and receives exactly one value, then is left open. If
the queue stays full past the scheduling timeout, or the pool is closing,
the error arrives on the channel instead.
*/
func (q *Q) Schedule(id string, fn func(ctx context.Context) (any, error)) <-chan JobResult {
	ctx, cancel := context.WithTimeout(q.ctx, q.config.schedulingTimeout())
	defer cancel()

	job := Job{
		ID:        id,
		Fn:        fn,
		StartTime: time.Now(),
		result:    make(chan JobResult, 1),
	}

	select {
	case q.jobs <- job:
		return job.result
	case <-ctx.Done():
		q.metrics.recordSchedulingError()

		job.result <- JobResult{
			ID:        id,
			Error:     fmt.Errorf("job %s scheduling: %w", id, ctx.Err()),
			CreatedAt: time.Now(),
		}
		return job.result
	}
}

// Size returns the number of workers.
func (q *Q) Size() int {
	q.workerMu.Lock()
	defer q.workerMu.Unlock()

	return len(q.workerList)
}

func (q *Q) startWorker() {
	q.workerMu.Lock()
	worker := &Worker{
		pool: q,
		id:   len(q.workerList),
	}
	q.workerList = append(q.workerList, worker)
	q.workerMu.Unlock()

	q.metrics.recordWorkers(1)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		worker.run()
	}()
}

// Close stops the workers and waits for them. Queued jobs that no worker
// picked up are dropped. Close is safe to call more than once.
func (q *Q) Close() {
	if q == nil {
		return
	}

	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()

		q.workerMu.Lock()
		q.metrics.recordWorkers(-len(q.workerList))
		q.workerList = nil
		q.workerMu.Unlock()

		errnie.Info("pool - closed")
	})
}
