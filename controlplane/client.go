// Package controlplane is the HTTP client for the internal control-plane
// API that holds transfer configuration (recipients, sources, models,
// destinations) and run state.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const apiPrefix = "/internal"

// APIError is a non-2xx control-plane response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the control plane with bounded exponential-backoff
// retries on transport errors and 5xx responses.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

func NewClient(endpoint string, opts ...Option) *Client {
	var c = &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var attempt = func() error {
		var req, err = http.NewRequestWithContext(ctx, method, c.endpoint+apiPrefix+path,
			bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		var res *http.Response
		if res, err = c.httpClient.Do(req); err != nil {
			return err
		}
		defer res.Body.Close()

		var raw []byte
		if raw, err = io.ReadAll(res.Body); err != nil {
			return err
		}
		if res.StatusCode/100 != 2 {
			var apiErr = &APIError{StatusCode: res.StatusCode, Body: string(raw)}
			if res.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && len(raw) > 0 {
			if err = json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding response from %s: %w", path, err))
			}
		}
		return nil
	}

	var policy = backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"method": method,
			"path":   path,
			"wait":   wait,
		}).WithError(err).Warn("retrying control plane request")
	})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// GetRecipient reads the tenant the transfer delivers to.
func (c *Client) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	var out Recipient
	if err := c.get(ctx, "/recipients/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSource reads a source record with unmasked credentials.
func (c *Client) GetSource(ctx context.Context, id string) (*Source, error) {
	var out Source
	if err := c.get(ctx, "/sources/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetModel(ctx context.Context, id string) (*Model, error) {
	var out Model
	if err := c.get(ctx, "/models/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDestination reads a destination record with unmasked credentials.
func (c *Client) GetDestination(ctx context.Context, id string) (*Destination, error) {
	var out Destination
	if err := c.get(ctx, "/destinations/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLastRun returns the latest run for a transfer, or nil when the transfer
// has never run.
func (c *Client) GetLastRun(ctx context.Context, transferID string) (*TransferRun, error) {
	var out TransferRun
	if err := c.get(ctx, "/runs/"+transferID, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// CreateRun opens a RUNNING run record and returns its id.
func (c *Client) CreateRun(ctx context.Context, transferID string, meta map[string]any) (string, error) {
	var out struct {
		TransferRunID string `json:"transfer_run_id"`
	}
	var body = map[string]any{
		"transfer_id": transferID,
		"status":      StatusRunning,
		"meta":        meta,
	}
	if err := c.do(ctx, http.MethodPost, "/runs", body, &out); err != nil {
		return "", err
	}
	return out.TransferRunID, nil
}

// UpdateRun transitions a run's status and attaches output. Callers treat a
// terminal-update failure as log-only.
func (c *Client) UpdateRun(ctx context.Context, runID, status string, output map[string]any) error {
	var body = map[string]any{"status": status}
	if output != nil {
		body["output"] = output
	}
	return c.do(ctx, http.MethodPut, "/runs/"+runID, body, nil)
}
