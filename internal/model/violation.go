package model

import "time"

// SignalSource identifies which environment signal produced a violation.
type SignalSource string

const (
	SourceFocusLoss        SignalSource = "FOCUS_LOSS"
	SourceVisibilityHidden SignalSource = "VISIBILITY_HIDDEN"
	SourceFullscreenExit   SignalSource = "FULLSCREEN_EXIT"
	SourceRestrictedKey    SignalSource = "RESTRICTED_KEY"
)

// ViolationRecord is the append-only violation counter of a session.
type ViolationRecord struct {
	Count         int          `json:"count"`
	LastTimestamp time.Time    `json:"last_timestamp"`
	Source        SignalSource `json:"source"`
}

// ViolationAck is the server's view of a participant's violations.
type ViolationAck struct {
	ViolationCount int  `json:"violationCount"`
	IsDisqualified bool `json:"isDisqualified"`
}
