package model

// Phase enumerates the stages of a participant session.
type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhaseAwaitingFullscreen Phase = "AWAITING_FULLSCREEN"
	PhaseWaiting            Phase = "WAITING"
	PhaseCountdown          Phase = "COUNTDOWN"
	PhaseLive               Phase = "LIVE"
	PhaseFinalizing         Phase = "FINALIZING"
	PhaseEnded              Phase = "ENDED"
	PhaseDisqualified       Phase = "DISQUALIFIED"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseDisqualified
}

// FinalizeReason tags why a session was finalized.
type FinalizeReason string

const (
	ReasonNormal       FinalizeReason = "normal"
	ReasonTimeout      FinalizeReason = "timeout"
	ReasonDisqualified FinalizeReason = "disqualified"
	ReasonAdminEnded   FinalizeReason = "adminEnded"
)

// Session is the participant's exam attempt as seen by the client.
// Only the session state machine mutates it.
type Session struct {
	ParticipantID   string `json:"participant_id"`
	Phase           Phase  `json:"phase"`
	TimeLeftSeconds int    `json:"time_left_seconds"`
	ViolationCount  int    `json:"violation_count"`
	IsSubmitting    bool   `json:"is_submitting"`
}

// NewSession creates the session for a freshly registered participant.
func NewSession(participantID string) *Session {
	return &Session{
		ParticipantID: participantID,
		Phase:         PhaseIdle,
	}
}
