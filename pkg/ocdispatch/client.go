// Package ocdispatch is a Go client for the oc-daemon HTTP API.
package ocdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoRun is returned by LatestRun before the daemon has finished a run.
var ErrNoRun = errors.New("no run yet")

// Client provides a Go SDK for interacting with the oc-daemon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new oc-daemon API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the daemon health. A not-serving daemon answers 503 with
// a body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	status, err := c.get(ctx, "/healthz", &h)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("GET /healthz: status %d", status)
	}
	return &h, nil
}

// LatestRun returns the report of the daemon's most recent run.
func (c *Client) LatestRun(ctx context.Context) (*RunView, error) {
	var v RunView
	status, err := c.get(ctx, "/api/runs/latest", &v)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &v, nil
	case http.StatusNotFound:
		return nil, ErrNoRun
	default:
		return nil, fmt.Errorf("GET /api/runs/latest: status %d", status)
	}
}

// get decodes a JSON body into v when the response is JSON and returns the
// status code.
func (c *Client) get(ctx context.Context, path string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
