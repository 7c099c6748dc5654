package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Session ───────────────────────────────────────────────────────
	ErrNoSession            ErrCode = "NO_SESSION"
	ErrSessionActive        ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionClosed        ErrCode = "SESSION_CLOSED"
	ErrNotLive              ErrCode = "NOT_LIVE"
	ErrNotFinished          ErrCode = "NOT_FINISHED"
	ErrInputLocked          ErrCode = "INPUT_LOCKED"
	ErrSubmissionInProgress ErrCode = "SUBMISSION_IN_PROGRESS"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation      ErrCode = "VALIDATION_ERROR"
	ErrInvalidID       ErrCode = "INVALID_ID"
	ErrUnknownQuestion ErrCode = "UNKNOWN_QUESTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam server ───────────────────────────────────────────────────
	ErrSaveFailed   ErrCode = "SAVE_FAILED"
	ErrSubmitFailed ErrCode = "SUBMIT_FAILED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Session ───────────────────────────────────────────────────────
	case ErrNoSession:
		return "No participant is registered on this device."
	case ErrSessionActive:
		return "An exam session is already in progress on this device."
	case ErrSessionClosed:
		return "This exam session has already finished."
	case ErrNotLive:
		return "The exam is not live yet."
	case ErrNotFinished:
		return "The exam session has not finished yet."
	case ErrInputLocked:
		return "Return to full-screen to continue answering."
	case ErrSubmissionInProgress:
		return "Your exam is being submitted."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrUnknownQuestion:
		return "This question is not part of your exam."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Exam server ───────────────────────────────────────────────────
	case ErrSaveFailed:
		return "Your answer could not be saved. Please try again."
	case ErrSubmitFailed:
		return "Submission failed. Please retry."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
