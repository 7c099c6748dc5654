package session

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/security"
)

// Snapshot is a consistent copy of the session state for the UI.
type Snapshot struct {
	Version uint64 `json:"version"`
	model.Session

	Registered         bool                 `json:"registered"`
	ViolationThreshold int                  `json:"violation_threshold"`
	CountdownLeft      int                  `json:"countdown_left"`
	AwaitingFullscreen bool                 `json:"awaiting_fullscreen"`
	InputLocked        bool                 `json:"input_locked"`
	Notices            []Notice             `json:"notices"`
	Directive          security.Directive   `json:"directive"`
	FinalReason        model.FinalizeReason `json:"final_reason,omitempty"`
}

// ExitView is what the terminal screen shows.
type ExitView struct {
	ParticipantID  string               `json:"participant_id,omitempty"`
	Phase          model.Phase          `json:"phase"`
	Disqualified   bool                 `json:"disqualified"`
	Reason         model.FinalizeReason `json:"reason,omitempty"`
	ViolationCount int                  `json:"violation_count"`
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Version:            m.version,
		ViolationThreshold: m.monitor.Threshold(),
		Notices:            append([]Notice{}, m.notices...),
		Directive:          m.enforcer.Directive(),
		FinalReason:        m.finalReason,
	}
	if m.session == nil {
		s.Phase = model.PhaseIdle
		return s
	}
	s.Session = *m.session
	s.Registered = m.session.ParticipantID != ""
	s.ViolationCount = m.monitor.Count()
	if s.Phase == model.PhaseCountdown {
		s.CountdownLeft = m.countdownLeft
		s.AwaitingFullscreen = m.awaitingConfirm
	}
	if s.Phase == model.PhaseAwaitingFullscreen {
		s.AwaitingFullscreen = true
	}
	s.InputLocked = m.inputLocked
	return s
}

// Observe registers fn to receive every published snapshot. fn runs on the
// goroutine that changed the state and must not block. The returned func
// removes the observer.
func (m *Machine) Observe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObserver++
	id := m.nextObserver
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// unlockAndPublish releases m.mu and, when the state changed, sends the new
// snapshot to every observer outside the lock.
func (m *Machine) unlockAndPublish() {
	if !m.changed {
		m.mu.Unlock()
		return
	}
	m.changed = false
	m.version++
	snap := m.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
