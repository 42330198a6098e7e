package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ErrDisabled is returned by Disabled so the coordinator grades locally.
var ErrDisabled = errors.New("remote grading disabled")

// Client calls the grading service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a grading client for baseURL. The request deadline comes
// from the caller's context.
func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "grading_client").Logger(),
	}
}

// Grade posts the attempt to /attempts/grade.
func (c *Client) Grade(ctx context.Context, req model.GradingRequest) (*model.GradingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode grading request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attempts/grade", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build grading request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proctor.ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Debug().
			Int("status", resp.StatusCode).
			Str("attempt_id", req.AttemptID.String()).
			Str("body", string(snippet)).
			Msg("Grading service rejected attempt")
		return nil, fmt.Errorf("%w: grading service returned %d", proctor.ErrSubmissionFailed, resp.StatusCode)
	}

	var out model.GradingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode grading response: %v", proctor.ErrSubmissionFailed, err)
	}
	return &out, nil
}

// Disabled is a Grader that always fails fast.
type Disabled struct{}

func (Disabled) Grade(context.Context, model.GradingRequest) (*model.GradingResponse, error) {
	return nil, fmt.Errorf("%w: %w", proctor.ErrSubmissionFailed, ErrDisabled)
}

// New returns a Client for baseURL, or Disabled when baseURL is empty.
func New(baseURL string, log zerolog.Logger) proctor.Grader {
	if baseURL == "" {
		return Disabled{}
	}
	return NewClient(baseURL, nil, log)
}
