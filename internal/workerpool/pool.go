// Package workerpool runs tasks on a fixed set of goroutines fed by a
// bounded queue. Submit never blocks the caller.
package workerpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("workerpool: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("workerpool: closed")
)

// Stats is a point in time view of pool activity.
type Stats struct {
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Panicked  uint64
}

// Pool is a bounded worker pool.
type Pool struct {
	tasks   chan func()
	workers int
	log     *zap.Logger

	mu     sync.RWMutex // guards closed against sends on a closed channel
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New starts workers goroutines with room for queue pending tasks.
// Values below 1 are raised to 1.
func New(workers, queue int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{
		tasks:   make(chan func(), queue),
		workers: workers,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues task. It returns ErrQueueFull or ErrClosed instead of
// waiting for a free slot.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.Error("task panicked", zap.Int("worker", id), zap.String("panic", fmt.Sprint(r)))
		}
		p.completed.Add(1)
	}()
	task()
}
