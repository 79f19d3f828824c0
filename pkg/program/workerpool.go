// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package program implements the PMU programming engine: per-core worker
// pool, exclusivity checking, core and uncore event programming, and
// post-program corruption detection.
package program

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

type task struct {
	fn   func() error
	done chan error
}

// WorkerPool is a fixed pool of goroutines, one per logical CPU, each
// pinned via sched_setaffinity and draining its own FIFO task queue —
// generalized from a one-goroutine-per-collector
// ContinuousPointCollector pattern to one-goroutine-per-core.
type WorkerPool struct {
	logger logr.Logger
	queues map[int]chan task
	wg     sync.WaitGroup
	stop   chan struct{}
}

// NewWorkerPool starts one worker goroutine per entry in cpus, each pinned
// to that logical CPU.
func NewWorkerPool(cpus []int, logger logr.Logger) (*WorkerPool, error) {
	p := &WorkerPool{
		logger: logger.WithName("workerpool"),
		queues: make(map[int]chan task, len(cpus)),
		stop:   make(chan struct{}),
	}
	for _, cpu := range cpus {
		q := make(chan task, 64)
		p.queues[cpu] = q
		p.wg.Add(1)
		go p.run(cpu, q)
	}
	return p, nil
}

func (p *WorkerPool) run(cpu int, q chan task) {
	defer p.wg.Done()

	// Affinity applies to the OS thread, so the goroutine must stay on it.
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		p.logger.V(1).Info("failed to pin worker to cpu", "cpu", cpu, "error", err)
	}

	for {
		select {
		case <-p.stop:
			return
		case t := <-q:
			t.done <- t.fn()
		}
	}
}

// Submit enqueues fn on cpu's queue and returns a future channel that
// receives fn's result exactly once.
func (p *WorkerPool) Submit(cpu int, fn func() error) (<-chan error, error) {
	q, ok := p.queues[cpu]
	if !ok {
		return nil, fmt.Errorf("program: workerpool: no worker for cpu %d", cpu)
	}
	done := make(chan error, 1)
	select {
	case q <- task{fn: fn, done: done}:
		return done, nil
	case <-p.stop:
		return nil, fmt.Errorf("program: workerpool: pool stopped")
	}
}

// SubmitAll submits fn to every cpu in the pool and blocks until every
// invocation completes, returning the first non-nil error encountered.
func (p *WorkerPool) SubmitAll(fn func(cpu int) error) error {
	futures := make(map[int]<-chan error, len(p.queues))
	for cpu := range p.queues {
		cpu := cpu
		f, err := p.Submit(cpu, func() error { return fn(cpu) })
		if err != nil {
			return err
		}
		futures[cpu] = f
	}

	var first error
	for cpu, f := range futures {
		if err := <-f; err != nil && first == nil {
			first = fmt.Errorf("program: workerpool: cpu %d: %w", cpu, err)
		}
	}
	return first
}

// Close stops every worker goroutine and waits for them to exit.
func (p *WorkerPool) Close() {
	close(p.stop)
	p.wg.Wait()
}
