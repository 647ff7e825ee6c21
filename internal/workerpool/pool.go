// Package workerpool provides a bounded-concurrency execution primitive
// whose results are delivered in submission order, adapted from the
// teacher's worker/pool.go (a fixed goroutine count draining a shared
// job queue). The capture pipeline needs more than bounded concurrency:
// jobs do variable-latency CDP round trips and can finish out of order,
// but spec.md §5 requires records to be appended in observation order,
// so this pool adds a sequencing stage the teacher's pool did not need.
package workerpool

import "sync"

// Pool runs up to size jobs concurrently and hands back their results
// through Results() in the order they were submitted, regardless of the
// order in which the underlying goroutines actually finish.
//
//   - sem bounds concurrency to size in-flight jobs.
//   - slots is a queue of per-job result channels, pushed in submission
//     order; a single sequencer goroutine drains it and forwards each
//     slot's value to out only once that job has completed, so job N+1's
//     result can never overtake job N's.
type Pool struct {
	sem   chan struct{}
	slots chan chan any
	out   chan any
	wg    sync.WaitGroup
}

// New creates a Pool allowing up to size jobs to run concurrently and
// starts its sequencing goroutine. It is ready to receive jobs
// immediately.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		sem:   make(chan struct{}, size),
		slots: make(chan chan any, size*4),
		out:   make(chan any, size*4),
	}
	p.wg.Add(1)
	go p.sequence()
	return p
}

// Submit runs job in a worker goroutine, blocking only once size jobs
// are already in flight or the slot queue is full. Submit must not be
// called after Stop.
func (p *Pool) Submit(job func() any) {
	slot := make(chan any, 1)
	p.slots <- slot
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		slot <- job()
	}()
}

// Results returns the channel of job results, delivered in submission
// order. It is closed once Stop has drained every submitted job.
func (p *Pool) Results() <-chan any {
	return p.out
}

// Stop signals that no more jobs will be submitted and blocks until
// Results() has been closed, which happens only after every in-flight
// job has finished and been forwarded.
func (p *Pool) Stop() {
	close(p.slots)
	p.wg.Wait()
}

func (p *Pool) sequence() {
	defer p.wg.Done()
	defer close(p.out)
	for slot := range p.slots {
		p.out <- <-slot
	}
}
