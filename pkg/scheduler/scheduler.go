// Package scheduler implements a single-goroutine cooperative run loop.
//
// All callbacks posted to a Scheduler run one at a time on the loop
// goroutine. Nothing scheduled on the loop may block; waiting is expressed by
// re-scheduling the same check with After.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scheduler is a cooperative, single-threaded task loop.
type Scheduler struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	stop    sync.Once
	logger  zerolog.Logger
}

// New creates a scheduler. Call Run (usually on its own goroutine) to start it.
func New() *Scheduler {
	return &Scheduler{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Post queues fn to run on the loop goroutine. It never blocks.
// Tasks posted after Stop are dropped.
func (s *Scheduler) Post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case <-s.stopped:
		return
	default:
	}

	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// After queues fn to run on the loop goroutine once d has elapsed.
func (s *Scheduler) After(d time.Duration, fn func()) *time.Timer {
	if d <= 0 {
		s.Post(fn)
		return nil
	}
	return time.AfterFunc(d, func() { s.Post(fn) })
}

// Run executes queued tasks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.Stop()

	for {
		for _, fn := range s.drain() {
			s.exec(fn)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-s.wake:
		}
	}
}

// Stop terminates the loop. Pending tasks are discarded.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.stopped) })
}

// Stopped is closed once the scheduler has been stopped.
func (s *Scheduler) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Scheduler) drain() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.queue
	s.queue = nil
	return tasks
}

func (s *Scheduler) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Scheduled task panicked")
		}
	}()
	fn()
}
