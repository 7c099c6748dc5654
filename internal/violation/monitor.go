// Package violation turns environment signals into the session's single
// authoritative violation counter and decides when it escalates.
package violation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/environment"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/time/rate"
)

// Reporter forwards violations to the server.
type Reporter interface {
	ReportViolation(ctx context.Context, participantID string, source model.SignalSource) (*model.ViolationAck, error)
}

// Listener receives the escalation outcome of a counted violation.
type Listener interface {
	// OnWarning is called for a counted violation below the threshold.
	OnWarning(rec model.ViolationRecord)
	// OnEscalation is called when the count reaches the threshold, and again
	// for every later report so a failed disqualification can be retried.
	OnEscalation(rec model.ViolationRecord)
}

// Observer is notified of every report; counted is false for debounced ones.
type Observer interface {
	ObserveViolation(source model.SignalSource, counted bool)
}

// Policy configures debouncing and escalation.
type Policy struct {
	DebounceWindow time.Duration
	Threshold      int
}

// Monitor is active only while the session is live.
type Monitor struct {
	clock    clockwork.Clock
	reporter Reporter
	observer Observer
	policy   Policy
	log      zerolog.Logger

	mu            sync.Mutex
	active        bool
	ctx           context.Context
	participantID string
	env           environment.Environment
	subs          []environment.Subscription
	listener      Listener
	limiter       *rate.Limiter
	record        model.ViolationRecord

	wg sync.WaitGroup
}

// New creates a Monitor. observer may be nil.
func New(clock clockwork.Clock, reporter Reporter, observer Observer, policy Policy, log zerolog.Logger) *Monitor {
	if policy.Threshold < 1 {
		policy.Threshold = 1
	}
	return &Monitor{
		clock:    clock,
		reporter: reporter,
		observer: observer,
		policy:   policy,
		log:      logger.Component(log, "violation_monitor"),
		limiter:  newLimiter(policy.DebounceWindow),
	}
}

// newLimiter allows one report per window regardless of which signal fired.
func newLimiter(window time.Duration) *rate.Limiter {
	if window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window), 1)
}

// Activate subscribes to every violation signal of env. ctx bounds the
// best-effort server reports.
func (m *Monitor) Activate(ctx context.Context, env environment.Environment, participantID string, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.ctx = ctx
	m.env = env
	m.participantID = participantID
	m.listener = listener

	for _, kind := range environment.ViolationKinds {
		source, _ := kind.Source()
		m.subs = append(m.subs, env.Subscribe(kind, func(environment.Signal) {
			m.Report(source)
		}))
	}
	m.log.Debug().Str("participant_id", participantID).Msg("monitor activated")
}

// Deactivate unsubscribes from the environment. The count is kept.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	for _, sub := range m.subs {
		m.env.Unsubscribe(sub)
	}
	m.subs = nil
	m.active = false
	m.listener = nil
}

// Reset clears the counter for a new session.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = model.ViolationRecord{}
	m.limiter = newLimiter(m.policy.DebounceWindow)
}

// Report registers one violation from source. It returns true when the report
// was counted, false when it was debounced or the monitor is inactive.
func (m *Monitor) Report(source model.SignalSource) bool {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	listener := m.listener

	if m.record.Count >= m.policy.Threshold {
		rec := m.record
		m.mu.Unlock()
		m.observe(source, false)
		listener.OnEscalation(rec)
		return false
	}

	if !m.limiter.AllowN(now, 1) {
		m.mu.Unlock()
		m.observe(source, false)
		m.log.Debug().Str("source", string(source)).Msg("violation debounced")
		return false
	}

	m.record.Count++
	m.record.LastTimestamp = now
	m.record.Source = source
	rec := m.record
	ctx, pid := m.ctx, m.participantID
	m.wg.Add(1)
	m.mu.Unlock()

	go m.sync(ctx, pid, rec)

	m.observe(source, true)
	m.log.Warn().
		Str("source", string(source)).
		Int("count", rec.Count).
		Int("threshold", m.policy.Threshold).
		Msg("violation recorded")

	if rec.Count >= m.policy.Threshold {
		listener.OnEscalation(rec)
	} else {
		listener.OnWarning(rec)
	}
	return true
}

// sync sends a counted violation to the server and adopts a higher server
// count. The local count never decreases.
func (m *Monitor) sync(ctx context.Context, participantID string, rec model.ViolationRecord) {
	defer m.wg.Done()

	ack, err := m.reporter.ReportViolation(ctx, participantID, rec.Source)
	if err != nil {
		m.log.Warn().Err(err).Int("count", rec.Count).Msg("violation report failed")
		return
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	before := m.record.Count
	if ack.ViolationCount > m.record.Count {
		m.record.Count = ack.ViolationCount
	}
	escalate := ack.IsDisqualified || (before < m.policy.Threshold && m.record.Count >= m.policy.Threshold)
	if ack.IsDisqualified && m.record.Count < m.policy.Threshold {
		m.record.Count = m.policy.Threshold
	}
	current := m.record
	listener := m.listener
	m.mu.Unlock()

	if current.Count != before {
		m.log.Info().Int("local", before).Int("server", ack.ViolationCount).Msg("violation count reconciled with server")
	}
	if escalate {
		listener.OnEscalation(current)
	}
}

func (m *Monitor) observe(source model.SignalSource, counted bool) {
	if m.observer != nil {
		m.observer.ObserveViolation(source, counted)
	}
}

// Count returns the current violation count.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Count
}

// Record returns a copy of the violation record.
func (m *Monitor) Record() model.ViolationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Threshold returns the count at which the session is disqualified.
func (m *Monitor) Threshold() int {
	return m.policy.Threshold
}

// Escalated reports whether the disqualification threshold was reached.
func (m *Monitor) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Count >= m.policy.Threshold
}

// Wait blocks until in-flight server reports have settled.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
