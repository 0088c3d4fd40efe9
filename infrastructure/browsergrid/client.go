// Package browsergrid implements kinds.BrowserFactory/BrowserSession
// against a remote browser grid's REST control surface. The concrete
// tax-portal DOM scripts and the grid's wire protocol details belong
// to the deployment, not this package; this client only issues the four
// generic operations (navigate, fill, extract, close) a step handler
// needs, the same way infrastructure/autoscale wraps an external fleet
// control plane behind a narrow interface instead of a vendor SDK.
package browsergrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/resilience"
)

// Client leases sessions from a remote grid reachable at BaseURL (the
// same hub the autoscaler's ControlPlane scales).
type Client struct {
	baseURL string
	http    *http.Client
	cb      *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// New builds a Client against the grid's base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		cb:      resilience.New(resilience.DefaultConfig()),
	}
}

// WithMetrics enables per-operation outcome counters.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

func (c *Client) record(operation string, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordBrowserOperation(operation, status)
}

// Acquire implements kinds.BrowserFactory: it asks the grid for a new
// session id.
func (c *Client) Acquire(ctx context.Context) (kinds.BrowserSession, error) {
	var sessionID string
	err := c.cb.Execute(ctx, func() error {
		var resp struct {
			SessionID string `json:"session_id"`
		}
		if err := c.post(ctx, "/session", nil, &resp); err != nil {
			return err
		}
		sessionID = resp.SessionID
		return nil
	})
	c.record("acquire", err)
	if err != nil {
		return nil, errs.TransientInfrastructure("browser_fleet", err)
	}
	return &Session{client: c, id: sessionID}, nil
}

// Session implements kinds.BrowserSession against one leased grid slot.
type Session struct {
	client *Client
	id     string
}

// Navigate tells the session to load url.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.client.cb.Execute(ctx, func() error {
		return s.client.post(ctx, s.path("navigate"), map[string]string{"url": url}, nil)
	})
	s.client.record("navigate", err)
	if err != nil {
		return errs.TransientInfrastructure("browser_session", err)
	}
	return nil
}

// FillForm fills each named field with its value.
func (s *Session) FillForm(ctx context.Context, fields map[string]string) error {
	err := s.client.cb.Execute(ctx, func() error {
		return s.client.post(ctx, s.path("fill"), map[string]any{"fields": fields}, nil)
	})
	s.client.record("fill", err)
	if err != nil {
		return errs.TransientInfrastructure("browser_session", err)
	}
	return nil
}

// ExtractField reads a named field's current DOM value.
func (s *Session) ExtractField(ctx context.Context, name string) (string, error) {
	var value string
	err := s.client.cb.Execute(ctx, func() error {
		var resp struct {
			Value string `json:"value"`
		}
		if err := s.client.post(ctx, s.path("extract"), map[string]string{"field": name}, &resp); err != nil {
			return err
		}
		value = resp.Value
		return nil
	})
	s.client.record("extract", err)
	if err != nil {
		return "", errs.TransientInfrastructure("browser_session", err)
	}
	return value, nil
}

// Close releases the session back to the grid. Errors are swallowed:
// cleanup runs on every exit path and must never mask the handler's own
// outcome.
func (s *Session) Close(ctx context.Context) error {
	err := s.client.post(ctx, s.path("close"), nil, nil)
	s.client.record("close", err)
	return nil
}

func (s *Session) path(action string) string {
	return fmt.Sprintf("/session/%s/%s", s.id, action)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("browser grid: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
