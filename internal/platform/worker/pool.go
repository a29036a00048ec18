// Package worker provides a small fixed-size worker pool used to fan out
// independent jobs, e.g. warm-loading the cache hot set at startup.
package worker

import (
	"context"
	"sync"
)

// Job is a unit of work. ID identifies the job in its Result.
type Job struct {
	ID      string
	Execute func(ctx context.Context) (interface{}, error)
}

// Result is the outcome of one job.
type Result struct {
	JobID string
	Value interface{}
	Err   error
}

// Pool runs jobs on a fixed number of goroutines pulling from a shared queue.
type Pool struct {
	workers  int
	jobQueue chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewPool starts a pool of workers. queueSize buffers both the job queue and
// the results channel; size it to the expected batch so workers never block
// on result delivery.
func NewPool(ctx context.Context, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		results:  make(chan Result, queueSize),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			value, err := job.Execute(p.ctx)
			select {
			case p.results <- Result{JobID: job.ID, Value: value, Err: err}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit enqueues a job, blocking until there is queue space. It fails when
// the pool's context is done.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.jobQueue <- job:
		return nil
	}
}

// SubmitAndWait enqueues all jobs and collects their results, in completion
// order. When the pool's context expires mid-batch it returns the results
// gathered so far.
func (p *Pool) SubmitAndWait(jobs []Job) []Result {
	submitted := 0
	for _, job := range jobs {
		if err := p.Submit(job); err != nil {
			break
		}
		submitted++
	}

	results := make([]Result, 0, submitted)
	for i := 0; i < submitted; i++ {
		select {
		case <-p.ctx.Done():
			return results
		case r := <-p.results:
			results = append(results, r)
		}
	}
	return results
}

// Close stops the workers and waits for them to exit.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// Workers returns the worker count.
func (p *Pool) Workers() int { return p.workers }

// QueueLen returns the number of queued jobs.
func (p *Pool) QueueLen() int { return len(p.jobQueue) }
