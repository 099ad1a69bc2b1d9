package aio

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Scheduler runs completion callbacks on a fixed pool of worker goroutines.
//
// Completions are appended to a work queue rather than invoked directly, so
// a callback that resubmits its own operation never recurses into the
// provider and never runs with provider locks held.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Op
	closed  bool
	workers int
	wg      sync.WaitGroup
	logger  atomic.Pointer[slog.Logger]
}

var (
	defaultScheduler *Scheduler
	defaultOnce      sync.Once
)

// Default returns the process-wide scheduler, sized to GOMAXPROCS.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = NewScheduler(runtime.GOMAXPROCS(0))
	})
	return defaultScheduler
}

// NewScheduler starts a scheduler with the given number of workers.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{workers: workers}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Workers returns the size of the worker pool.
func (s *Scheduler) Workers() int {
	return s.workers
}

// SetLogger sets the logger that receives recovered callback panics.
func (s *Scheduler) SetLogger(logger *slog.Logger) {
	s.logger.Store(logger)
}

// Logger returns the panic logger, or nil.
func (s *Scheduler) Logger() *slog.Logger {
	return s.logger.Load()
}

// Pending returns the number of callbacks waiting for a worker.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting new submissions, runs callbacks that are already
// queued and waits for the workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// dispatch queues op's callback. Completions that arrive after Close still
// run, on their own goroutine, so every finished op sees its callback.
func (s *Scheduler) dispatch(op *Op) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go op.run()
		return
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		op.run()
	}
}
