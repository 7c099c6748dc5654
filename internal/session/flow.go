package session

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
)

// enterWaitingLocked moves to Waiting and keeps polling the exam status. The
// first poll runs one interval later.
func (m *Machine) enterWaitingLocked() {
	m.setPhaseLocked(model.PhaseWaiting)
	if m.sched.Active(scheduler.TaskStatusPoll) {
		return
	}
	if err := m.sched.Every(m.ctx, scheduler.TaskStatusPoll, m.policy.StatusPollInterval, m.pollStatus); err != nil {
		m.log.Error().Err(err).Msg("failed to schedule status poll")
	}
}

// ConfirmFullscreen records that the shell entered full-screen.
func (m *Machine) ConfirmFullscreen() {
	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.session == nil {
		return
	}
	m.dropNoticesLocked(NoticeFullscreenDenied)

	switch m.session.Phase {
	case model.PhaseAwaitingFullscreen:
		m.enterWaitingLocked()
	case model.PhaseCountdown:
		if m.awaitingConfirm && !m.joining {
			m.awaitingConfirm = false
			m.changed = true
			m.beginJoinLocked()
		}
	case model.PhaseLive:
		if m.inputLocked {
			m.inputLocked = false
			m.changed = true
			m.log.Info().Msg("full-screen restored, input unlocked")
		}
	}
}

// FullscreenDenied records a rejected full-screen request. It never counts
// as a violation; the participant may simply retry.
func (m *Machine) FullscreenDenied() {
	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.session == nil {
		return
	}
	waiting := m.session.Phase == model.PhaseAwaitingFullscreen ||
		(m.session.Phase == model.PhaseCountdown && m.awaitingConfirm) ||
		(m.session.Phase == model.PhaseLive && m.inputLocked)
	if !waiting {
		return
	}
	m.addNoticeLocked(NoticeFullscreenDenied, "Full-screen was not granted. Allow full-screen to continue.", false)
}

// pollStatus is the status-poll task.
func (m *Machine) pollStatus(ctx context.Context) {
	status, err := m.gw.ExamStatus(ctx)

	m.mu.Lock()
	if m.session == nil || m.session.Phase.Terminal() || m.session.Phase == model.PhaseFinalizing {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("exam status poll failed")
		m.addNoticeLocked(NoticePollFailed, "Connection to the exam server was interrupted. Retrying.", false)
		m.unlockAndPublish()
		return
	}
	m.dropNoticesLocked(NoticePollFailed)

	adminEnded := false
	switch m.session.Phase {
	case model.PhaseWaiting:
		switch status.Phase {
		case model.ExamLive:
			m.startCountdownLocked()
		case model.ExamEnded:
			m.endBeforeLiveLocked()
		}
	case model.PhaseCountdown:
		switch status.Phase {
		case model.ExamWaiting:
			if !m.joining {
				m.sched.Cancel(scheduler.TaskCountdown)
				m.awaitingConfirm = false
				m.log.Info().Msg("exam returned to waiting, countdown cancelled")
				m.setPhaseLocked(model.PhaseWaiting)
			}
		case model.ExamEnded:
			m.endBeforeLiveLocked()
		}
	case model.PhaseLive:
		adminEnded = status.Phase == model.ExamEnded
	}
	m.unlockAndPublish()

	if adminEnded {
		m.log.Info().Msg("exam ended by admin")
		m.finalizeAsync(model.ReasonAdminEnded)
	}
}

// endBeforeLiveLocked ends a session whose participant never joined. There
// is nothing to submit.
func (m *Machine) endBeforeLiveLocked() {
	m.log.Info().Msg("exam ended before the participant went live")
	m.setPhaseLocked(model.PhaseEnded)
	m.terminateLocked(model.ReasonAdminEnded)
}

// startCountdownLocked enters Countdown. A resumed session skips the count
// but still has to reconfirm full-screen.
func (m *Machine) startCountdownLocked() {
	m.setPhaseLocked(model.PhaseCountdown)
	m.countdownLeft = m.policy.CountdownTicks
	if m.resumed {
		m.countdownLeft = 0
	}
	m.awaitingConfirm = false
	if m.countdownLeft <= 0 {
		m.countdownDoneLocked()
		return
	}
	if err := m.sched.Every(m.ctx, scheduler.TaskCountdown, countdownInterval, m.countdownTick); err != nil {
		m.log.Error().Err(err).Msg("failed to schedule countdown")
	}
}

// countdownTick is the countdown task.
func (m *Machine) countdownTick(context.Context) {
	m.mu.Lock()
	defer m.unlockAndPublish()

	if m.session == nil || m.session.Phase != model.PhaseCountdown || m.countdownLeft <= 0 {
		return
	}
	m.countdownLeft--
	m.changed = true
	if m.countdownLeft == 0 {
		m.sched.Cancel(scheduler.TaskCountdown)
		m.countdownDoneLocked()
	}
}

func (m *Machine) countdownDoneLocked() {
	if m.policy.RequireFullscreen {
		m.awaitingConfirm = true
		m.changed = true
		m.log.Info().Msg("countdown finished, waiting for full-screen confirmation")
		return
	}
	m.beginJoinLocked()
}

// beginJoinLocked starts the join + questions pair in the background.
func (m *Machine) beginJoinLocked() {
	m.joining = true
	m.changed = true
	pid := m.session.ParticipantID
	ctx := m.ctx
	m.wg.Add(1)
	go m.join(ctx, pid)
}

// join performs the Countdown to Live boundary. Join and questions succeed
// together or the session returns to Waiting.
func (m *Machine) join(ctx context.Context, participantID string) {
	defer m.wg.Done()

	res, err := m.gw.Join(ctx, participantID)
	var questions []model.Question
	if err == nil && !res.IsDisqualified {
		questions, err = m.gw.Questions(ctx, participantID)
	}

	m.mu.Lock()
	defer m.unlockAndPublish()

	m.joining = false
	m.changed = true
	if m.session == nil || m.session.ParticipantID != participantID || m.session.Phase != model.PhaseCountdown {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("join failed, returning to waiting")
		m.addNoticeLocked(NoticeJoinFailed, "Could not join the exam. Waiting for the next attempt.", false)
		m.setPhaseLocked(model.PhaseWaiting)
		return
	}
	if res.IsDisqualified {
		m.log.Warn().Str("participant_id", participantID).Msg("server reports participant already disqualified")
		m.setPhaseLocked(model.PhaseDisqualified)
		m.terminateLocked(model.ReasonDisqualified)
		return
	}
	m.dropNoticesLocked(NoticeJoinFailed)
	m.goLiveLocked(res.RemainingSeconds, questions)
}

// goLiveLocked starts the clock, the monitor and the live guards.
func (m *Machine) goLiveLocked(remaining int, questions []model.Question) {
	m.questions = questions
	m.session.TimeLeftSeconds = remaining
	m.inputLocked = false
	m.setPhaseLocked(model.PhaseLive)

	m.sync.Start(remaining, func() { m.finalizeAsync(model.ReasonTimeout) })
	m.monitor.Activate(m.ctx, m.env, m.session.ParticipantID, m)
	m.enforcer.EnterLive()

	if err := m.scheduleLiveLocked(); err != nil {
		m.log.Error().Err(err).Msg("failed to schedule live tasks")
	}

	m.resumed = true
	m.persistLocked("started flag", m.state.MarkStarted)
}

func (m *Machine) scheduleLiveLocked() error {
	if err := m.sched.Every(m.ctx, scheduler.TaskTick, tickInterval, m.tick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	if err := m.sched.Every(m.ctx, scheduler.TaskTimeResync, m.policy.ResyncInterval, m.resync); err != nil {
		return fmt.Errorf("schedule resync: %w", err)
	}
	return nil
}
