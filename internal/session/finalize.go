package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Finalize ends the Live session with reason and blocks until the
// submission settles. Only the first caller submits; concurrent callers get
// ErrFinalizeInProgress and callers after success get ErrSessionClosed. On a
// failed submission the session returns to Live and the call may be retried.
func (m *Machine) Finalize(ctx context.Context, reason model.FinalizeReason) error {
	m.mu.Lock()
	reason, err := m.beginFinalizeLocked(reason)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	pid := m.session.ParticipantID
	m.wg.Add(1)
	m.unlockAndPublish()

	defer m.wg.Done()
	return m.completeFinalize(ctx, pid, reason)
}

// Submit is the participant-confirmed finalize.
func (m *Machine) Submit(ctx context.Context) error {
	return m.Finalize(ctx, model.ReasonNormal)
}

// finalizeAsync is used by timers, the monitor and the status poll. Losing
// the race for the submission lock is not an error for them.
func (m *Machine) finalizeAsync(reason model.FinalizeReason) {
	m.mu.Lock()
	reason, err := m.beginFinalizeLocked(reason)
	if err != nil {
		m.mu.Unlock()
		m.log.Debug().Err(err).Str("reason", string(reason)).Msg("finalize trigger ignored")
		return
	}
	pid := m.session.ParticipantID
	ctx := m.ctx
	m.wg.Add(1)
	m.unlockAndPublish()

	go func() {
		defer m.wg.Done()
		_ = m.completeFinalize(ctx, pid, reason)
	}()
}

// beginFinalizeLocked takes the submission lock. The first trigger decides
// the reason, except that an escalated session always finalizes as
// disqualified.
func (m *Machine) beginFinalizeLocked(reason model.FinalizeReason) (model.FinalizeReason, error) {
	switch {
	case m.session == nil:
		return reason, ErrNoSession
	case m.committed || m.session.Phase.Terminal():
		return reason, ErrSessionClosed
	case m.session.IsSubmitting || m.session.Phase == model.PhaseFinalizing:
		return reason, ErrFinalizeInProgress
	case m.session.Phase != model.PhaseLive:
		return reason, ErrNotLive
	}
	if reason != model.ReasonDisqualified && m.monitor.Escalated() {
		reason = model.ReasonDisqualified
	}
	m.session.IsSubmitting = true
	m.changed = true
	m.setPhaseLocked(model.PhaseFinalizing)
	m.log.Info().Str("reason", string(reason)).Msg("finalizing session")
	return reason, nil
}

// completeFinalize performs the one network submission and settles the
// session. The submission is not cancelled by ctx; it is bounded by the
// submit timeout instead.
func (m *Machine) completeFinalize(ctx context.Context, participantID string, reason model.FinalizeReason) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.policy.SubmitTimeout)
	defer cancel()

	disqualified := reason == model.ReasonDisqualified
	_, err := m.gw.Submit(sctx, gateway.SubmitRequest{
		UserID:       participantID,
		Reason:       reason,
		Disqualified: disqualified,
	})
	m.metrics.ObserveSubmit(reason, err)

	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.session == nil || m.session.ParticipantID != participantID || m.session.Phase != model.PhaseFinalizing {
		return errors.New("session: finalize outcome discarded")
	}

	if err != nil {
		m.log.Error().Err(err).Str("reason", string(reason)).Msg("submission failed")
		m.session.IsSubmitting = false
		m.setPhaseLocked(model.PhaseLive)
		m.addNoticeLocked(NoticeSubmitFailed, "Submission failed. Retry to submit your exam.", true)
		// The zero trigger may have been swallowed while this submission
		// held the lock, whatever its reason.
		m.sync.Rearm()
		return fmt.Errorf("submit: %w", err)
	}

	// Success is latched before anything else can observe the session.
	m.committed = true
	m.session.IsSubmitting = false
	m.dropNoticesLocked(NoticeSubmitFailed)
	if disqualified {
		m.setPhaseLocked(model.PhaseDisqualified)
	} else {
		m.setPhaseLocked(model.PhaseEnded)
	}
	m.terminateLocked(reason)
	m.log.Info().Str("reason", string(reason)).Msg("session finalized")
	return nil
}
