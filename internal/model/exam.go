package model

import "time"

// ExamPhase is the server-owned global exam state.
type ExamPhase string

const (
	ExamWaiting ExamPhase = "waiting"
	ExamLive    ExamPhase = "live"
	ExamEnded   ExamPhase = "ended"
)

// ExamStatus is polled from the server and never mutated by the client.
type ExamStatus struct {
	Phase         ExamPhase  `json:"status"`
	ServerEndTime *time.Time `json:"endTime"`
}

// Question is a single exam item. WorkingAnswer is the participant's draft and
// is only persisted through explicit saves.
type Question struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	Constraints   string   `json:"constraints,omitempty"`
	Options       []string `json:"options,omitempty"`
	WorkingAnswer string   `json:"working_answer"`
}
