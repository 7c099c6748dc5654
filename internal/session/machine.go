// Package session owns the participant's exam session: its phase, the
// timers that drive it, and the single finalize operation that ends it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/environment"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/timesync"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

const (
	tickInterval      = time.Second
	countdownInterval = time.Second
	persistTimeout    = 5 * time.Second
)

// Deps are the collaborators of a Machine. Metrics may be nil.
type Deps struct {
	Gateway  gateway.Gateway
	Env      environment.Environment
	Enforcer *security.Enforcer
	State    *store.LocalState
	Clock    clockwork.Clock
	Metrics  *metrics.Collector
	Policy   config.Policy
	Log      zerolog.Logger
}

// Machine is the session state machine. It is the only component that
// changes the session phase and the only one that may finalize.
//
// Lock order: Machine.mu is taken before the locks of the monitor,
// synchronizer, scheduler and enforcer. Their callbacks into the machine run
// outside their own locks.
type Machine struct {
	gw       gateway.Gateway
	env      environment.Environment
	enforcer *security.Enforcer
	state    *store.LocalState
	clock    clockwork.Clock
	metrics  *metrics.Collector
	policy   config.Policy
	log      zerolog.Logger

	sched   *scheduler.Scheduler
	sync    *timesync.Synchronizer
	monitor *violation.Monitor
	saver   *answer.Saver

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	envSubs []environment.Subscription
	closed  bool

	session         *model.Session
	committed       bool
	finalReason     model.FinalizeReason
	resumed         bool
	countdownLeft   int
	awaitingConfirm bool
	joining         bool
	inputLocked     bool
	questions       []model.Question
	answers         map[string]string
	notices         []Notice
	nextNoticeID    int

	changed      bool
	version      uint64
	observers    map[int]func(Snapshot)
	nextObserver int

	wg sync.WaitGroup
}

// New creates a Machine. Call Start before using it.
func New(d Deps) *Machine {
	log := logger.Component(d.Log, "session")
	m := &Machine{
		gw:        d.Gateway,
		env:       d.Env,
		enforcer:  d.Enforcer,
		state:     d.State,
		clock:     d.Clock,
		metrics:   d.Metrics,
		policy:    d.Policy,
		log:       log,
		sched:     scheduler.New(d.Clock, d.Log),
		sync:      timesync.New(d.Clock, d.Gateway, d.Policy.DriftTolerance, d.Log),
		answers:   make(map[string]string),
		observers: make(map[int]func(Snapshot)),
	}
	m.monitor = violation.New(d.Clock, d.Gateway, d.Metrics, violation.Policy{
		DebounceWindow: d.Policy.DebounceWindow,
		Threshold:      d.Policy.DisqualifyThreshold,
	}, d.Log)
	m.saver = answer.NewSaver(d.Gateway, m, d.Metrics, d.Log)
	return m
}

// Start restores the persisted session, if any, and begins driving it. ctx
// bounds the machine's lifetime.
func (m *Machine) Start(ctx context.Context) error {
	flags, err := m.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}

	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.ctx != nil {
		return errors.New("session: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.envSubs = append(m.envSubs,
		m.env.Subscribe(environment.FullscreenEnter, func(environment.Signal) { m.ConfirmFullscreen() }),
		m.env.Subscribe(environment.FullscreenDenied, func(environment.Signal) { m.FullscreenDenied() }),
	)

	switch {
	case flags.Finished:
		// A finished session never goes live again until a new registration.
		phase := model.PhaseEnded
		if flags.Disqualified {
			phase = model.PhaseDisqualified
		}
		m.session = &model.Session{ParticipantID: flags.ParticipantID, Phase: phase}
		m.committed = true
		m.enforcer.LockHistory()
		m.changed = true
		m.log.Info().Str("phase", string(phase)).Msg("restored finished session")
	case flags.ParticipantID != "":
		m.session = model.NewSession(flags.ParticipantID)
		m.resumed = flags.Started
		m.log.Info().
			Str("participant_id", flags.ParticipantID).
			Bool("resumed", flags.Started).
			Msg("restored session")
		m.enterLocked()
	}
	return nil
}

// Register discards the current session and creates a new one for
// participantID. A session that is live, finalizing or joining cannot be
// replaced.
func (m *Machine) Register(ctx context.Context, participantID string) error {
	if participantID == "" {
		return fmt.Errorf("session: participant id required")
	}

	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.ctx == nil || m.closed {
		return errors.New("session: machine not running")
	}
	if m.session != nil {
		switch {
		case m.joining, m.session.Phase == model.PhaseLive, m.session.Phase == model.PhaseFinalizing:
			return ErrSessionActive
		}
	}

	m.teardownLocked()
	if err := m.state.Register(ctx, participantID); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}

	m.monitor.Reset()
	m.enforcer.Release()
	m.saver = answer.NewSaver(m.gw, m, m.metrics, m.log)
	m.session = model.NewSession(participantID)
	m.committed = false
	m.finalReason = ""
	m.resumed = false
	m.countdownLeft = 0
	m.awaitingConfirm = false
	m.inputLocked = false
	m.questions = nil
	m.answers = make(map[string]string)
	m.notices = nil
	m.changed = true

	m.log.Info().Str("participant_id", participantID).Msg("participant registered")
	m.enterLocked()
	return nil
}

// enterLocked leaves Idle, either for the full-screen gate or straight to
// Waiting when full-screen is not required.
func (m *Machine) enterLocked() {
	if m.policy.RequireFullscreen {
		m.setPhaseLocked(model.PhaseAwaitingFullscreen)
		return
	}
	m.enterWaitingLocked()
}

// setPhaseLocked records a transition.
func (m *Machine) setPhaseLocked(p model.Phase) {
	from := m.session.Phase
	if from == p {
		return
	}
	m.session.Phase = p
	m.changed = true
	m.metrics.ObservePhase(p)
	m.log.Info().
		Str("participant_id", m.session.ParticipantID).
		Str("from", string(from)).
		Str("to", string(p)).
		Msg("phase transition")
}

// teardownLocked stops every timer and guard. It does not touch the
// persisted flags.
func (m *Machine) teardownLocked() {
	m.sched.CancelAll()
	m.sync.Stop()
	m.monitor.Deactivate()
	m.enforcer.ExitLive()
}

// terminateLocked is the destructor of a finished session.
func (m *Machine) terminateLocked(reason model.FinalizeReason) {
	m.teardownLocked()
	m.enforcer.LockHistory()
	m.committed = true
	m.finalReason = reason
	m.inputLocked = false
	m.awaitingConfirm = false

	disqualified := m.session.Phase == model.PhaseDisqualified
	m.persistLocked("finished flag", func(ctx context.Context) error {
		return m.state.MarkFinished(ctx, disqualified)
	})
}

// persistLocked writes local state under the machine lock so writes are
// ordered with transitions. Failures are logged; the in-memory state stays
// authoritative for this process.
func (m *Machine) persistLocked(what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.log.Error().Err(err).Str("what", what).Msg("failed to persist local state")
	}
}

// Submitting reports whether a finalize call holds the submission lock.
func (m *Machine) Submitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.IsSubmitting
}

// Close stops every timer and waits for in-flight work. A submission that is
// already on the wire is allowed to finish.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.sched.Close()
	m.sync.Stop()
	m.monitor.Deactivate()
	for _, sub := range m.envSubs {
		m.env.Unsubscribe(sub)
	}
	m.envSubs = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.Wait()
	m.sched.Wait()
}

// Wait blocks until background work started by the machine has settled.
func (m *Machine) Wait() {
	m.wg.Wait()
	// Violation uploads are tracked by the monitor.
	m.monitor.Wait()
}
