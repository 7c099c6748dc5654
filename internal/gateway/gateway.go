package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrRejected is returned when the server answers a submission with
// success=false.
var ErrRejected = errors.New("gateway: submission rejected")

// Gateway is the participant side of the exam server.
type Gateway interface {
	ExamStatus(ctx context.Context) (*model.ExamStatus, error)
	Join(ctx context.Context, participantID string) (*JoinResult, error)
	Questions(ctx context.Context, participantID string) ([]model.Question, error)
	SaveAnswer(ctx context.Context, participantID, questionID, value string) error
	ReportViolation(ctx context.Context, participantID string, source model.SignalSource) (*model.ViolationAck, error)
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// JoinResult is the server's answer to a join.
type JoinResult struct {
	RemainingSeconds int  `json:"remainingSeconds"`
	IsDisqualified   bool `json:"isDisqualified"`
}

// SubmitRequest is the final submission of a session.
type SubmitRequest struct {
	UserID       string               `json:"userId"`
	Reason       model.FinalizeReason `json:"reason"`
	Disqualified bool                 `json:"disqualified"`
}

// SubmitResult acknowledges a submission.
type SubmitResult struct {
	Success bool `json:"success"`
}

type examEnvelope struct {
	Exam model.ExamStatus `json:"exam"`
}

type wireQuestion struct {
	ID          string   `json:"_id"`
	AltID       string   `json:"id"`
	Text        string   `json:"text"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	Constraints string   `json:"constraints"`
}

type questionsEnvelope struct {
	Questions []wireQuestion `json:"questions"`
}

type answerRequest struct {
	UserID     string `json:"userId"`
	QuestionID string `json:"questionId"`
	Value      string `json:"value"`
}

type violationRequest struct {
	UserID string             `json:"userId"`
	Source model.SignalSource `json:"source"`
}

type joinRequest struct {
	UserID string `json:"userId"`
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	*BaseClient
}

var _ Gateway = (*Client)(nil)

// NewClient creates a Client for the exam API at baseURL.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		BaseClient: NewBaseClient(baseURL, timeout, logger.Component(log, "exam_gateway")),
	}
}

// ExamStatus returns the global exam status.
func (c *Client) ExamStatus(ctx context.Context) (*model.ExamStatus, error) {
	var env examEnvelope
	if err := c.Get(ctx, "/exam", &env); err != nil {
		return nil, fmt.Errorf("get exam status: %w", err)
	}
	switch env.Exam.Phase {
	case model.ExamWaiting, model.ExamLive, model.ExamEnded:
	default:
		return nil, fmt.Errorf("get exam status: unknown status %q", env.Exam.Phase)
	}
	return &env.Exam, nil
}

// Join registers the participant for the running exam.
func (c *Client) Join(ctx context.Context, participantID string) (*JoinResult, error) {
	var res JoinResult
	if err := c.Post(ctx, "/exam/join", joinRequest{UserID: participantID}, &res); err != nil {
		return nil, fmt.Errorf("join exam: %w", err)
	}
	if res.RemainingSeconds < 0 {
		res.RemainingSeconds = 0
	}
	return &res, nil
}

// Questions fetches the participant's questions.
func (c *Client) Questions(ctx context.Context, participantID string) ([]model.Question, error) {
	var env questionsEnvelope
	if err := c.Get(ctx, "/questions?userId="+url.QueryEscape(participantID), &env); err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	out := make([]model.Question, 0, len(env.Questions))
	for _, q := range env.Questions {
		id := q.ID
		if id == "" {
			id = q.AltID
		}
		prompt := q.Text
		if prompt == "" {
			prompt = q.Prompt
		}
		out = append(out, model.Question{
			ID:          id,
			Prompt:      prompt,
			Constraints: q.Constraints,
			Options:     q.Options,
		})
	}
	return out, nil
}

// SaveAnswer stores a working answer. The server acknowledges without a
// verdict.
func (c *Client) SaveAnswer(ctx context.Context, participantID, questionID, value string) error {
	req := answerRequest{UserID: participantID, QuestionID: questionID, Value: value}
	if err := c.Post(ctx, "/exam/answer", req, nil); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// ReportViolation records one violation and returns the server's count.
func (c *Client) ReportViolation(ctx context.Context, participantID string, source model.SignalSource) (*model.ViolationAck, error) {
	var ack model.ViolationAck
	if err := c.Post(ctx, "/exam/violation", violationRequest{UserID: participantID, Source: source}, &ack); err != nil {
		return nil, fmt.Errorf("report violation: %w", err)
	}
	return &ack, nil
}

// Submit sends the final submission.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var res SubmitResult
	if err := c.Post(ctx, "/exam/submit", req, &res); err != nil {
		return nil, fmt.Errorf("submit exam: %w", err)
	}
	if !res.Success {
		return &res, ErrRejected
	}
	return &res, nil
}
