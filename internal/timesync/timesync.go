// Package timesync keeps the local exam countdown aligned with the server's
// end time.
package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// StatusSource supplies the server-authoritative exam status.
type StatusSource interface {
	ExamStatus(ctx context.Context) (*model.ExamStatus, error)
}

// Synchronizer holds the locally ticking countdown. Reaching zero, from a tick
// or from a resync, invokes the zero callback once until Rearm is called.
type Synchronizer struct {
	clock     clockwork.Clock
	source    StatusSource
	tolerance time.Duration
	log       zerolog.Logger

	mu        sync.Mutex
	left      int
	running   bool
	zeroFired bool
	onZero    func()
}

// New creates a Synchronizer that snaps to the server value only when the
// local value is off by more than tolerance.
func New(clock clockwork.Clock, source StatusSource, tolerance time.Duration, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		clock:     clock,
		source:    source,
		tolerance: tolerance,
		log:       logger.Component(log, "timesync"),
	}
}

// Start begins counting down from remaining seconds. It never fires the zero
// callback itself; a session that starts at zero fires on its first tick.
func (s *Synchronizer) Start(remaining int, onZero func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.left = max(remaining, 0)
	s.running = true
	s.zeroFired = false
	s.onZero = onZero
}

// Stop freezes the countdown. Remaining keeps reporting the last value.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.onZero = nil
}

// Remaining returns the local seconds left, never negative.
func (s *Synchronizer) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

// Tick advances the countdown by one second.
func (s *Synchronizer) Tick() int {
	s.mu.Lock()
	if !s.running {
		left := s.left
		s.mu.Unlock()
		return left
	}
	if s.left > 0 {
		s.left--
	}
	left := s.left
	fire := s.takeZeroLocked()
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
	return left
}

// Rearm allows the zero callback to fire again, used after a failed
// submission so the next tick retries.
func (s *Synchronizer) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zeroFired = false
}

// Resync fetches the server end time and reconciles against it. It reports
// whether the local value was corrected.
func (s *Synchronizer) Resync(ctx context.Context) (bool, error) {
	status, err := s.source.ExamStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("resync exam status: %w", err)
	}
	if status.ServerEndTime == nil {
		return false, nil
	}
	return s.Reconcile(*status.ServerEndTime), nil
}

// Reconcile compares the local countdown with endTime and snaps to the server
// value when the difference exceeds the tolerance.
func (s *Synchronizer) Reconcile(endTime time.Time) bool {
	serverLeft := ServerRemaining(endTime, s.clock.Now())

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	local := s.left
	drift := time.Duration(abs(local-serverLeft)) * time.Second
	if drift <= s.tolerance {
		s.mu.Unlock()
		return false
	}
	s.left = serverLeft
	fire := s.takeZeroLocked()
	s.mu.Unlock()

	s.log.Info().
		Int("local", local).
		Int("server", serverLeft).
		Dur("drift", drift).
		Msg("countdown corrected to server time")

	if fire != nil {
		fire()
	}
	return true
}

func (s *Synchronizer) takeZeroLocked() func() {
	if s.left != 0 || s.zeroFired || s.onZero == nil {
		return nil
	}
	s.zeroFired = true
	return s.onZero
}

// ServerRemaining converts an end time into whole seconds left, rounded up and
// clamped at zero.
func ServerRemaining(endTime, now time.Time) int {
	d := endTime.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
