package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// tick is the one-second task of the Live phase. While a submission holds
// the lock it does nothing.
func (m *Machine) tick(context.Context) {
	m.mu.Lock()
	if m.session == nil || m.session.Phase != model.PhaseLive || m.session.IsSubmitting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// A disqualification whose submission failed is retried from here.
	if m.monitor.Escalated() {
		m.finalizeAsync(model.ReasonDisqualified)
		return
	}

	// Zero may have been reached while another submission held the lock.
	if m.sync.Remaining() == 0 {
		m.finalizeAsync(model.ReasonTimeout)
		return
	}

	left := m.sync.Tick()

	m.mu.Lock()
	if m.session != nil && (m.session.Phase == model.PhaseLive || m.session.Phase == model.PhaseFinalizing) {
		if m.session.TimeLeftSeconds != left {
			m.session.TimeLeftSeconds = left
			m.changed = true
		}
	}
	m.unlockAndPublish()
}

// resync is the time-resync task.
func (m *Machine) resync(ctx context.Context) {
	m.mu.Lock()
	live := m.session != nil && m.session.Phase == model.PhaseLive && !m.session.IsSubmitting
	m.mu.Unlock()
	if !live {
		return
	}

	corrected, err := m.sync.Resync(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("time resync failed")
		return
	}
	if !corrected {
		return
	}
	m.metrics.ObserveDriftCorrection()

	m.mu.Lock()
	if m.session != nil && m.session.Phase == model.PhaseLive {
		m.session.TimeLeftSeconds = m.sync.Remaining()
		m.changed = true
	}
	m.unlockAndPublish()
}

// OnWarning handles a counted violation below the threshold: the participant
// is warned and input stays locked until full-screen is restored.
func (m *Machine) OnWarning(rec model.ViolationRecord) {
	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.session == nil || m.session.Phase != model.PhaseLive {
		return
	}
	m.inputLocked = true
	m.changed = true
	msg := fmt.Sprintf("Violation %d of %d detected (%s). Return to full-screen to continue. The next violation disqualifies you.",
		rec.Count, m.monitor.Threshold(), rec.Source)
	m.addNoticeLocked(NoticeWarning, msg, false)
}

// OnEscalation finalizes the session as disqualified.
func (m *Machine) OnEscalation(rec model.ViolationRecord) {
	m.log.Warn().Int("count", rec.Count).Str("source", string(rec.Source)).Msg("violation threshold reached")
	m.finalizeAsync(model.ReasonDisqualified)
}

// SaveAnswer persists a working answer for a question served in the Live
// phase. Saves for the same question are applied in order.
func (m *Machine) SaveAnswer(ctx context.Context, questionID, value string) error {
	m.mu.Lock()
	if err := m.liveErrLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.session.IsSubmitting {
		m.mu.Unlock()
		return answer.ErrSubmitting
	}
	if m.inputLocked {
		m.mu.Unlock()
		return ErrInputLocked
	}
	if !m.hasQuestionLocked(questionID) {
		m.mu.Unlock()
		return ErrUnknownQuestion
	}
	m.answers[questionID] = value
	pid := m.session.ParticipantID
	saver := m.saver
	m.mu.Unlock()

	err := saver.Save(ctx, pid, questionID, value)
	if err == nil || errors.Is(err, answer.ErrSubmitting) {
		if err == nil {
			m.mu.Lock()
			m.dropNoticesLocked(NoticeSaveFailed)
			m.unlockAndPublish()
		}
		return err
	}

	m.mu.Lock()
	m.addNoticeLocked(NoticeSaveFailed, "Your answer could not be saved. It will be sent again with your next change.", false)
	m.unlockAndPublish()
	return fmt.Errorf("save answer %s: %w", questionID, err)
}

func (m *Machine) hasQuestionLocked(id string) bool {
	for _, q := range m.questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

func (m *Machine) liveErrLocked() error {
	switch {
	case m.session == nil:
		return ErrNoSession
	case m.committed || m.session.Phase.Terminal():
		return ErrSessionClosed
	case m.session.Phase == model.PhaseFinalizing:
		return answer.ErrSubmitting
	case m.session.Phase != model.PhaseLive:
		return ErrNotLive
	}
	return nil
}

// Questions returns the served questions with the participant's working
// answers. No correctness information is ever included.
func (m *Machine) Questions() ([]model.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrNoSession
	}
	if p := m.session.Phase; p != model.PhaseLive && p != model.PhaseFinalizing {
		if p.Terminal() {
			return nil, ErrSessionClosed
		}
		return nil, ErrNotLive
	}
	out := make([]model.Question, len(m.questions))
	for i, q := range m.questions {
		q.Options = append([]string(nil), q.Options...)
		q.WorkingAnswer = m.answers[q.ID]
		out[i] = q
	}
	return out, nil
}

// ExitView returns the terminal screen data. It refuses while the session
// is not finished.
func (m *Machine) ExitView() (ExitView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || !m.session.Phase.Terminal() {
		return ExitView{}, ErrNotFinished
	}
	return ExitView{
		ParticipantID:  m.session.ParticipantID,
		Phase:          m.session.Phase,
		Disqualified:   m.session.Phase == model.PhaseDisqualified,
		Reason:         m.finalReason,
		ViolationCount: m.monitor.Count(),
	}, nil
}
