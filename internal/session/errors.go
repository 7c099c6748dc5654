package session

import "errors"

var (
	// ErrNotLive is returned for operations that need the Live phase.
	ErrNotLive = errors.New("session: not live")
	// ErrFinalizeInProgress is returned while a submission is in flight.
	ErrFinalizeInProgress = errors.New("session: finalize in progress")
	// ErrSessionClosed is returned once the session is terminal.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSessionActive is returned when a new registration would abandon a
	// live session.
	ErrSessionActive = errors.New("session: active session in progress")
	// ErrUnknownQuestion is returned for saves against a question that was not
	// served to the participant.
	ErrUnknownQuestion = errors.New("session: unknown question")
	// ErrInputLocked is returned for saves while a violation warning waits for
	// the participant to re-enter full-screen.
	ErrInputLocked = errors.New("session: input locked until full-screen is restored")
	// ErrNotFinished is returned when the terminal screen is requested before
	// the session ended.
	ErrNotFinished = errors.New("session: not finished")
	// ErrNoSession is returned before any participant registered.
	ErrNoSession = errors.New("session: no participant registered")
)
