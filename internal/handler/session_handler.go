package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// Proctor is the session surface the local API drives.
type Proctor interface {
	Register(ctx context.Context, participantID string) error
	Snapshot() session.Snapshot
	ConfirmFullscreen()
	FullscreenDenied()
	Questions() ([]model.Question, error)
	SaveAnswer(ctx context.Context, questionID, value string) error
	Submit(ctx context.Context) error
	DismissNotice(id int) bool
	ExitView() (session.ExitView, error)
}

// SessionHandler serves the participant shell's HTTP endpoints.
type SessionHandler struct {
	proctor Proctor
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(proctor Proctor) *SessionHandler {
	return &SessionHandler{proctor: proctor}
}

type registerRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,participant"`
}

type saveAnswerRequest struct {
	Value string `json:"value" binding:"max=65536"`
}

// Register godoc
// POST /api/v1/register
// Starts a new session for the participant typed on the registration screen.
func (h *SessionHandler) Register(c *gin.Context) {
	var req registerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.proctor.Register(c.Request.Context(), req.ParticipantID); err != nil {
		h.fail(c, err, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusCreated, h.proctor.Snapshot())
}

// GetSession godoc
// GET /api/v1/session
func (h *SessionHandler) GetSession(c *gin.Context) {
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// ConfirmFullscreen godoc
// POST /api/v1/fullscreen/confirm
// Reported by the shell once the window is full-screen after a user gesture.
func (h *SessionHandler) ConfirmFullscreen(c *gin.Context) {
	h.proctor.ConfirmFullscreen()
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// FullscreenDenied godoc
// POST /api/v1/fullscreen/denied
func (h *SessionHandler) FullscreenDenied(c *gin.Context) {
	h.proctor.FullscreenDenied()
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// GetQuestions godoc
// GET /api/v1/questions
// Returns the served questions with the working answers, never the key.
func (h *SessionHandler) GetQuestions(c *gin.Context) {
	questions, err := h.proctor.Questions()
	if err != nil {
		h.fail(c, err, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// SaveAnswer godoc
// PUT /api/v1/answers/:question_id
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	questionID := c.Param("question_id")
	if questionID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req saveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.proctor.SaveAnswer(c.Request.Context(), questionID, req.Value); err != nil {
		h.fail(c, err, http.StatusBadGateway, response.ErrSaveFailed)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "saved": true})
}

// Submit godoc
// POST /api/v1/submit
// Participant-confirmed submission. Blocks until the exam server answered.
func (h *SessionHandler) Submit(c *gin.Context) {
	if err := h.proctor.Submit(c.Request.Context()); err != nil {
		h.fail(c, err, http.StatusBadGateway, response.ErrSubmitFailed)
		return
	}
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// DismissNotice godoc
// DELETE /api/v1/notices/:id
func (h *SessionHandler) DismissNotice(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if !h.proctor.DismissNotice(id) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, h.proctor.Snapshot())
}

// GetExit godoc
// GET /api/v1/exit
// Terminal screen data. Refused until the session ended or was disqualified.
func (h *SessionHandler) GetExit(c *gin.Context) {
	view, err := h.proctor.ExitView()
	if err != nil {
		h.fail(c, err, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// fail maps session errors to API errors. Unrecognised errors use the
// fallback status and code. Conflicts carry the current snapshot so the
// shell can re-render without another round trip.
func (h *SessionHandler) fail(c *gin.Context, err error, status int, code response.ErrCode) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		response.FailWithData(c, http.StatusConflict, response.ErrNoSession, h.proctor.Snapshot())
	case errors.Is(err, session.ErrSessionActive):
		response.FailWithData(c, http.StatusConflict, response.ErrSessionActive, h.proctor.Snapshot())
	case errors.Is(err, session.ErrSessionClosed):
		response.FailWithData(c, http.StatusGone, response.ErrSessionClosed, h.proctor.Snapshot())
	case errors.Is(err, session.ErrNotLive):
		response.FailWithData(c, http.StatusConflict, response.ErrNotLive, h.proctor.Snapshot())
	case errors.Is(err, session.ErrNotFinished):
		response.FailWithData(c, http.StatusConflict, response.ErrNotFinished, h.proctor.Snapshot())
	case errors.Is(err, session.ErrFinalizeInProgress), errors.Is(err, answer.ErrSubmitting):
		response.FailWithData(c, http.StatusConflict, response.ErrSubmissionInProgress, h.proctor.Snapshot())
	case errors.Is(err, session.ErrInputLocked):
		response.FailWithData(c, http.StatusLocked, response.ErrInputLocked, h.proctor.Snapshot())
	case errors.Is(err, session.ErrUnknownQuestion):
		response.Fail(c, http.StatusNotFound, response.ErrUnknownQuestion)
	default:
		response.Fail(c, status, code)
	}
}
