// Package backend implements the control-plane HTTP client used during
// provisioning: installation status callbacks, the host spec upload and the
// readiness registration.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/gridmesh/provisiond/internal/domain"
)

// Client communicates with the control-plane API on behalf of one resource.
type Client struct {
	baseURL    string
	resourceID string
	token      string

	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a control-plane client for the given resource identity.
func NewClient(baseURL, resourceID, token string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = 15 * time.Second
	retryClient.Logger = nil // suppress default logging

	// Surface the final 5xx response instead of a synthesized "giving up"
	// error so callers can inspect the status and body.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    baseURL,
		resourceID: resourceID,
		token:      token,
		http:       retryClient.StandardClient(),
		logger:     logger,
	}
}

// ReportStep delivers one installation status update. The caller decides
// whether a delivery failure matters; this method only transports.
func (c *Client) ReportStep(ctx context.Context, report domain.StepReport) error {
	path := fmt.Sprintf("/resources/%s/installation", c.resourceID)
	status, body, err := c.doRequest(ctx, http.MethodPost, path, report)
	if err != nil {
		return err
	}
	return check2xx(path, status, body)
}

// UploadSpecs sends the verified host inventory to the control plane.
func (c *Client) UploadSpecs(ctx context.Context, inv domain.HostInventory) error {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/resources/verified-specs", inv)
	if err != nil {
		return err
	}
	return check2xx("/resources/verified-specs", status, body)
}

// MarkReady registers the node as ready to serve. HTTP 200 is the only
// accepted response; anything else is a remote rejection carrying the
// response body.
func (c *Client) MarkReady(ctx context.Context) error {
	path := fmt.Sprintf("/resources/mark-ready/%s", c.resourceID)
	status, body, err := c.doRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return domain.ErrRemoteRejection{Endpoint: "mark-ready", Status: status, Body: string(body)}
	}
	return nil
}

// --- internal ---

func check2xx(path string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("POST %s returned %d: %s", path, status, string(body))
}

// doRequest performs one authenticated JSON request. It returns the status
// code and body so callers can apply their own acceptance rules; transport
// failures and 5xx responses surface as errors after the retry budget is
// spent.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s body: %w", path, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Debug("backend error response",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
	}

	return resp.StatusCode, respBody, nil
}
