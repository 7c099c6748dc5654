package session

import "time"

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeWarning          NoticeKind = "violation_warning"
	NoticeFullscreenDenied NoticeKind = "fullscreen_denied"
	NoticePollFailed       NoticeKind = "poll_failed"
	NoticeJoinFailed       NoticeKind = "join_failed"
	NoticeSaveFailed       NoticeKind = "save_failed"
	NoticeSubmitFailed     NoticeKind = "submit_failed"
)

const maxNotices = 16

// Notice is a message for the participant. Blocking notices need an action
// (such as retrying the submission) before the participant can go on.
type Notice struct {
	ID       int        `json:"id"`
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message"`
	At       time.Time  `json:"at"`
	Blocking bool       `json:"blocking"`
}

// addNoticeLocked appends a notice, replacing an earlier one of the same
// kind. The oldest notices are dropped past maxNotices.
func (m *Machine) addNoticeLocked(kind NoticeKind, msg string, blocking bool) {
	m.dropNoticesLocked(kind)
	m.nextNoticeID++
	m.notices = append(m.notices, Notice{
		ID:       m.nextNoticeID,
		Kind:     kind,
		Message:  msg,
		At:       m.clock.Now(),
		Blocking: blocking,
	})
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
	m.changed = true
}

func (m *Machine) dropNoticesLocked(kind NoticeKind) {
	kept := m.notices[:0]
	for _, n := range m.notices {
		if n.Kind != kind {
			kept = append(kept, n)
		}
	}
	if len(kept) != len(m.notices) {
		m.changed = true
	}
	m.notices = kept
}

// DismissNotice removes the notice with id. It reports whether one existed.
func (m *Machine) DismissNotice(id int) bool {
	m.mu.Lock()
	found := false
	for i, n := range m.notices {
		if n.ID == id {
			m.notices = append(m.notices[:i], m.notices[i+1:]...)
			m.changed = true
			found = true
			break
		}
	}
	m.unlockAndPublish()
	return found
}
