package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandpolis/agent/pkg/clock"
)

// Task is a unit of work run by a pool worker
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// A pool with one worker runs tasks in submission order.
type Pool struct {
	name      string
	workers   int
	queueSize int

	queue   chan Task
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
	wg      sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	panicked  int64
	dropped   int64
}

// Option configures a pool
type Option func(*Pool)

// WithClock sets the clock used by Schedule
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithLogger sets the logger used for task panics and scheduling failures
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a pool. Non-positive workers defaults to 1 and
// non-positive queueSize to 256.
func NewPool(name string, workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		queue:     make(chan Task, queueSize),
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("pool", name)

	return p
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Workers returns the fixed worker count
func (p *Pool) Workers() int {
	return p.workers
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when saturated.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- task:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.WithLabelValues(p.name).Inc()
			p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.WithLabelValues(p.name).Inc()
		}
		return ErrQueueFull
	}
}

// Execute submits fn as a task. It lets a pool serve as a future executor.
func (p *Pool) Execute(fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	return p.Submit(func(context.Context) { fn() })
}

const (
	schedulePending int32 = iota
	scheduleFired
	scheduleCancelled
)

// Scheduled is a handle on a delayed task
type Scheduled struct {
	state atomic.Int32
	timer clock.Timer
}

// Cancel prevents the task from running. It reports false if the task
// already fired or was cancelled before.
func (s *Scheduled) Cancel() bool {
	if !s.state.CompareAndSwap(schedulePending, scheduleCancelled) {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

// Fired reports whether the delay elapsed and the task was handed to the pool
func (s *Scheduled) Fired() bool {
	return s.state.Load() == scheduleFired
}

// Schedule submits task once delay has elapsed on the pool clock. No worker
// is occupied while waiting.
func (p *Pool) Schedule(delay time.Duration, task Task) *Scheduled {
	s := &Scheduled{}
	s.timer = p.clock.AfterFunc(delay, func() {
		if !s.state.CompareAndSwap(schedulePending, scheduleFired) {
			return
		}
		if err := p.Submit(task); err != nil {
			p.logger.Warn("Scheduled task dropped", "error", err)
		}
	})
	return s
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued tasks to finish
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("pool %s: %w", p.name, ErrStopTimeout)
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:       p.name,
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Panicked:   atomic.LoadInt64(&p.panicked),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	QueueDepth int    `json:"queue_depth"`
	Submitted  int64  `json:"submitted"`
	Processed  int64  `json:"processed"`
	Panicked   int64  `json:"panicked"`
	Dropped    int64  `json:"dropped"`
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&p.processed, 1)
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			if p.metrics != nil {
				p.metrics.panics.WithLabelValues(p.name).Inc()
			}
			p.logger.Error("Task panicked", "panic", r)
		}
		if p.metrics != nil {
			p.metrics.processingTime.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
		}
	}()
	task(ctx)
}
