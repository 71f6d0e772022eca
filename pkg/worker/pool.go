package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work run by the pool
type Task func(ctx context.Context)

type job struct {
	ctx context.Context
	fn  Task
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Workers  int `json:"workers"`
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
}

// Pool runs tasks on a fixed number of goroutines. Tasks beyond capacity
// wait in a buffered queue; Submit blocks once the queue is full.
type Pool struct {
	workers int
	queue   chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	inflight atomic.Int64
	queued   atomic.Int64

	logger zerolog.Logger
}

// NewPool starts a pool with the given number of workers and queue depth
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		workers: workers,
		queue:   make(chan job, queueSize),
		logger:  log.WithComponent("worker-pool"),
	}

	p.wg.Add(workers)
	for range workers {
		go p.run()
	}

	p.logger.Debug().Int("workers", workers).Int("queue", queueSize).Msg("worker pool started")
	return p
}

// Submit queues fn to run with ctx. The ctx passed here is handed to the
// task unchanged; cancelling it does not dequeue the task.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolStopped
	}

	p.queued.Add(1)
	p.report()
	p.queue <- job{ctx: ctx, fn: fn}
	return nil
}

func (p *Pool) run() {
	defer p.wg.Done()

	for j := range p.queue {
		p.queued.Add(-1)
		p.inflight.Add(1)
		p.report()

		p.execute(j)

		p.inflight.Add(-1)
		p.report()
	}
}

func (p *Pool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	j.fn(j.ctx)
}

func (p *Pool) report() {
	metrics.DispatchInFlight.Set(float64(p.inflight.Load()))
	metrics.DispatchQueued.Set(float64(p.queued.Load()))
}

// Stats returns current pool occupancy
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.workers,
		InFlight: int(p.inflight.Load()),
		Queued:   int(p.queued.Load()),
	}
}

// Stop rejects new tasks and waits for queued and running ones to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug().Msg("worker pool stopped")
}
