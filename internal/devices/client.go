// Package devices issues create and delete requests for device records on the
// simulator and reports their outcome back to the view.
package devices

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept for the notice.
const maxErrorBody = 512

// ActionError reports a create or delete request that did not succeed.
type ActionError struct {
	Action string
	MRID   string
	Status int    // 0 when no response was received
	Body   string // trimmed response body, if any
	Err    error  // transport error, if any
}

func (e *ActionError) Error() string {
	target := "device"
	if e.MRID != "" {
		target = "device " + e.MRID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Action, target, e.Err)
	}
	msg := fmt.Sprintf("%s %s: %d %s", e.Action, target, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Client is the HTTP transport for the simulator's device collection.
type Client struct {
	baseURL     string
	devicesPath string
	httpClient  *http.Client
}

// NewClient creates a client for the simulator at baseURL.
// devicesPath is the collection path, usually "/devices".
func NewClient(baseURL, devicesPath string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if devicesPath == "" {
		devicesPath = "/devices"
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		devicesPath: "/" + strings.Trim(devicesPath, "/"),
		httpClient:  httpClient,
	}
}

// Close closes idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// Request performs an HTTP request against the simulator
func (c *Client) Request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// Create asks the simulator for a new device. The request has no body.
func (c *Client) Create(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.devicesPath, "create", "")
}

// Delete asks the simulator to remove the device with mrid.
func (c *Client) Delete(ctx context.Context, mrid string) error {
	return c.do(ctx, http.MethodDelete, c.devicesPath+"/"+url.PathEscape(mrid), "delete", mrid)
}

func (c *Client) do(ctx context.Context, method, path, action, mrid string) error {
	resp, err := c.Request(ctx, method, path, nil)
	if err != nil {
		return &ActionError{Action: action, MRID: mrid, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ActionError{
			Action: action,
			MRID:   mrid,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	// Response body is ignored; drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
