package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// Client talks to a running quorum-flow server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A bare host:port
// is treated as http://host:port.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Start starts workflowID and returns the new instance.
func (c *Client) Start(ctx context.Context, workflowID core.WorkflowID, req StartRequest) (*InstanceResponse, error) {
	var resp InstanceResponse
	path := "/api/v1/workflows/" + url.PathEscape(string(workflowID)) + "/start"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Instance fetches one instance.
func (c *Client) Instance(ctx context.Context, id core.InstanceID) (*InstanceResponse, error) {
	var resp InstanceResponse
	if err := c.do(ctx, http.MethodGet, instancePath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve resolves a pending approval.
func (c *Client) Approve(ctx context.Context, id core.InstanceID, req ApproveRequest) error {
	return c.do(ctx, http.MethodPost, instancePath(id, "/approve"), req, nil)
}

// Reject rejects a pending approval.
func (c *Client) Reject(ctx context.Context, id core.InstanceID, req RejectRequest) error {
	return c.do(ctx, http.MethodPost, instancePath(id, "/reject"), req, nil)
}

// Cancel cancels an instance.
func (c *Client) Cancel(ctx context.Context, id core.InstanceID, req CancelRequest) error {
	return c.do(ctx, http.MethodPost, instancePath(id, "/cancel"), req, nil)
}

// SendInput forwards text to the running invocations of an instance.
func (c *Client) SendInput(ctx context.Context, id core.InstanceID, text string) error {
	return c.do(ctx, http.MethodPost, instancePath(id, "/input"), InputRequest{Text: text}, nil)
}

// WaitSettled polls the instance until it is terminal or paused.
func (c *Client) WaitSettled(ctx context.Context, id core.InstanceID, interval time.Duration) (*InstanceResponse, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.Instance(ctx, id)
		if err != nil {
			return nil, err
		}
		if resp.Status.Terminal() || resp.Status == core.InstanceStatusPaused {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func instancePath(id core.InstanceID, suffix string) string {
	return "/api/v1/instances/" + url.PathEscape(string(id)) + suffix
}

// do sends body as JSON and decodes a 2xx response into out. Error bodies
// are turned back into domain errors where the category is recognizable.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&er)
		return errorFromResponse(resp.StatusCode, er)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorFromResponse(status int, er ErrorResponse) error {
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	var category core.ErrorCategory
	switch status {
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		category = core.ErrCatValidation
	case http.StatusNotFound:
		category = core.ErrCatNotFound
	case http.StatusConflict:
		category = core.ErrCatState
	case http.StatusGatewayTimeout:
		category = core.ErrCatTimeout
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
	code := er.Code
	if code == "" {
		code = strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	// Domain messages arrive already formatted as "[category] CODE: message".
	if _, rest, ok := strings.Cut(msg, "] "+code+": "); ok && strings.HasPrefix(msg, "[") {
		msg = rest
	}
	return &core.DomainError{Category: category, Code: code, Message: msg, Details: er.Details}
}
