// Package api is the request channel to the grading service: synchronous
// calls acknowledged with a status code and no meaningful body.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// StatusError is returned for any non-2xx acknowledgement.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// Client talks to the grading service on behalf of one identity.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Client. baseURL has no trailing slash.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api_client").Logger(),
	}
}

// StartSession asks the service to enqueue a question set for the session.
func (c *Client) StartSession(ctx context.Context, req model.StartSessionRequest) error {
	return c.post(ctx, "start session", "/sessions", req, "")
}

// SubmitAnswers sends the final answer array. Grading arrives later on the
// duplex channel.
func (c *Client) SubmitAnswers(ctx context.Context, sessionID uuid.UUID, req model.SubmitAnswersRequest) error {
	return c.post(ctx, "submit answers", "/sessions/"+sessionID.String()+"/submissions", req, "")
}

// PersistAttempt records a graded attempt. The session id is sent as the
// idempotency key so redelivery is safe.
func (c *Client) PersistAttempt(ctx context.Context, rec model.AttemptRecord) error {
	path := "/attempts/tests"
	if rec.Kind == model.FlowSeries {
		path = "/attempts/series"
	}
	return c.post(ctx, "persist attempt", path, rec.Payload(), rec.SessionID.String())
}

func (c *Client) post(ctx context.Context, op, path string, body any, idempotencyKey string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request acknowledged")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
