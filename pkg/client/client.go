package client

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
)

const tenantHeader = "X-Tenant-Name"

// Client is a client for the synchronization API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Config holds configuration for the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Conflict reports whether a run for the requested scope was already in flight.
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// SyncState is the last run outcome of one tenant.
type SyncState struct {
	Status             string     `json:"status"`
	LastSuccessfulDate *time.Time `json:"lastSuccessfulDate"`
	FailedUsers        []string   `json:"failedUsers"`
}

// Trigger starts a run for tenant, or for every tenant when tenant is empty.
func (c *Client) Trigger(ctx context.Context, tenant string) error {
	var body interface{}
	if tenant != "" {
		body = map[string]string{"tenant": tenant}
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/sync", "", body, nil)
}

// Status returns the persisted state of tenant.
func (c *Client) Status(ctx context.Context, tenant string) (SyncState, error) {
	var state SyncState
	if tenant == "" {
		return state, fmt.Errorf("tenant is required")
	}
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/sync/status", tenant, nil, &state)
	return state, err
}

// doRequest helper to perform API requests.
func (c *Client) doRequest(ctx context.Context, method, path, tenant string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(tenantHeader, url.PathEscape(tenant))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}

	return nil
}
