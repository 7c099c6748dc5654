// Package scheduler owns the named recurring tasks of a session so teardown
// never leaves a timer behind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// Task names used by the session machine.
const (
	TaskStatusPoll = "status-poll"
	TaskTimeResync = "time-resync"
	TaskTick       = "tick"
	TaskCountdown  = "countdown"
)

// ErrClosed is returned when scheduling on a closed Scheduler.
var ErrClosed = errors.New("scheduler: closed")

// Scheduler runs named, cancelable recurring tasks on a clockwork clock.
// Registering a name that is already running replaces the old task.
type Scheduler struct {
	clock clockwork.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	name   string
	cancel context.CancelFunc
}

// New creates a Scheduler driven by clock.
func New(clock clockwork.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock: clock,
		log:   logger.Component(log, "scheduler"),
		tasks: make(map[string]*task),
	}
}

// Every runs fn each interval until the task is cancelled or ctx is done.
// Runs of one task never overlap; ticks that arrive while fn is busy are dropped.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %q: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if existing, ok := s.tasks[name]; ok {
		existing.cancel()
		s.log.Debug().Str("task", name).Msg("replaced existing task")
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{name: name, cancel: cancel}
	s.tasks[name] = t

	// The ticker is created before Every returns so a fake clock sees it.
	ticker := s.clock.NewTicker(interval)
	s.wg.Add(1)
	go s.run(tctx, t, ticker, fn)

	s.log.Debug().Str("task", name).Dur("interval", interval).Msg("scheduled task")
	return nil
}

func (s *Scheduler) run(ctx context.Context, t *task, ticker clockwork.Ticker, fn func(context.Context)) {
	defer s.wg.Done()
	defer ticker.Stop()
	defer s.forget(t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// A tick may race with cancellation; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.name] == t {
		t.cancel()
		delete(s.tasks, t.name)
	}
}

// Cancel stops the named task. It does not wait for an in-flight run, so it
// is safe to call from inside a task.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, name)
	return true
}

// CancelAll stops every task without waiting.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
}

// Active reports whether the named task is scheduled.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names lists the scheduled tasks in lexical order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels all tasks and rejects new ones. Call Wait afterwards to block
// until every task goroutine has exited.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
}

// Wait blocks until all task goroutines have returned. Never call it from
// inside a task.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
