// Package scheduler runs keyed jobs on a fixed pool of workers.
//
// A key is never executed by two workers at once. Scheduling a key that is
// already queued is a no-op; scheduling a key that is running queues exactly
// one more run after the current one completes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type state uint8

const (
	stateQueued state = iota
	stateRunning
	stateRescheduled // running, and queued again for after the current run
)

// Task processes one key. Errors and panics are logged and not retried.
type Task[K comparable] func(ctx context.Context, key K) error

// Stats are advisory counters.
type Stats struct {
	Scheduled int64
	Coalesced int64
	Executed  int64
	Failed    int64
	Pending   int64 // keys queued or running
}

type Scheduler[K comparable] struct {
	task   Task[K]
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []K
	states map[K]state
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	scheduled atomic.Int64
	coalesced atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
}

type config struct {
	Logger *slog.Logger
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.Logger = logger }
}

// New starts workers goroutines executing task.
func New[K comparable](workers int, task Task[K], opts ...Option) *Scheduler[K] {
	if workers <= 0 {
		panic(fmt.Sprintf("lodtiles: invalid worker count %d", workers))
	}
	config := config{
		Logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	s := &Scheduler[K]{
		task:   task,
		logger: config.Logger,
		states: make(map[K]state),
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for range workers {
		s.group.Go(s.worker)
	}
	return s
}

// Schedule requests a run for key. It returns false if the scheduler is closed.
func (s *Scheduler[K]) Schedule(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	s.scheduled.Add(1)
	st, ok := s.states[key]
	switch {
	case !ok:
		s.states[key] = stateQueued
		s.queue = append(s.queue, key)
		s.cond.Signal()
	case st == stateRunning:
		s.states[key] = stateRescheduled
	default:
		s.coalesced.Add(1)
	}
	return true
}

func (s *Scheduler[K]) next() (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		var zero K
		return zero, false
	}
	key := s.queue[0]
	s.queue = s.queue[1:]
	s.states[key] = stateRunning
	return key, true
}

func (s *Scheduler[K]) done(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[key] == stateRescheduled && !s.closed {
		s.states[key] = stateQueued
		s.queue = append(s.queue, key)
		s.cond.Signal()
		return
	}
	delete(s.states, key)
}

func (s *Scheduler[K]) worker() error {
	for {
		key, ok := s.next()
		if !ok {
			return nil
		}
		s.execute(key)
		s.done(key)
	}
}

func (s *Scheduler[K]) execute(key K) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Warn("lodtiles: scheduled task panicked", "key", key, "panic", r)
		}
	}()

	s.executed.Add(1)
	if err := s.task(s.ctx, key); err != nil {
		s.failed.Add(1)
		s.logger.Warn("lodtiles: scheduled task failed", "key", key, "error", err)
	}
}

// Close stops accepting keys, drops queued runs, cancels the context passed
// to running tasks and blocks until they return.
func (s *Scheduler[K]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := len(s.queue)
	for _, key := range s.queue {
		delete(s.states, key)
	}
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()
	s.logger.Debug("lodtiles: scheduler closed", "dropped", dropped)
	return err
}

func (s *Scheduler[K]) Stats() Stats {
	s.mu.Lock()
	pending := len(s.states)
	s.mu.Unlock()
	return Stats{
		Pending:   int64(pending),
		Scheduled: s.scheduled.Load(),
		Coalesced: s.coalesced.Load(),
		Executed:  s.executed.Load(),
		Failed:    s.failed.Load(),
	}
}
