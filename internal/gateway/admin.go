package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AdminClient drives the global exam lifecycle. Every request carries the
// admin key; the server decides whether it is valid.
type AdminClient struct {
	*BaseClient
}

// NewAdminClient creates an AdminClient authenticating with key.
func NewAdminClient(baseURL, key string, timeout time.Duration, log zerolog.Logger) *AdminClient {
	c := &AdminClient{
		BaseClient: NewBaseClient(baseURL, timeout, logger.Component(log, "admin_gateway")),
	}
	c.SetHeader(AdminKeyHeader, key)
	return c
}

// Verify reports whether the server accepts the admin key.
func (c *AdminClient) Verify(ctx context.Context) (bool, error) {
	err := c.Get(ctx, "/admin/verify", nil)
	if errors.Is(err, ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify admin key: %w", err)
	}
	return true, nil
}

// Status returns the global exam status.
func (c *AdminClient) Status(ctx context.Context) (*model.ExamStatus, error) {
	var env examEnvelope
	if err := c.Get(ctx, "/exam", &env); err != nil {
		return nil, fmt.Errorf("get exam status: %w", err)
	}
	return &env.Exam, nil
}

func (c *AdminClient) StartExam(ctx context.Context) error {
	return c.command(ctx, "/exam/start")
}

func (c *AdminClient) EndExam(ctx context.Context) error {
	return c.command(ctx, "/exam/end")
}

func (c *AdminClient) ResetExam(ctx context.Context) error {
	return c.command(ctx, "/exam/reset")
}

func (c *AdminClient) command(ctx context.Context, endpoint string) error {
	if err := c.Post(ctx, endpoint, nil, nil); err != nil {
		return fmt.Errorf("admin %s: %w", endpoint, err)
	}
	return nil
}

// Submissions returns the raw submissions summary.
func (c *AdminClient) Submissions(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Get(ctx, "/admin/submissions", &raw); err != nil {
		return nil, fmt.Errorf("get submissions: %w", err)
	}
	return raw, nil
}

// Report returns the raw report of one participant.
func (c *AdminClient) Report(ctx context.Context, participantID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Get(ctx, "/admin/report/"+url.PathEscape(participantID), &raw); err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return raw, nil
}
