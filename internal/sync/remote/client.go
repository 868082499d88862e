// Package remote provides the stateless request/response client for
// the remote record store's REST interface. It performs no retries and
// no queueing; failures are classified and returned to the caller.
package remote

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

	"github.com/openfield-dev/casesync/internal/errors"
)

// Config holds remote store connection configuration.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client performs CRUD against the remote store over HTTP.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// RemoteRecord is the canonical remote representation of a record.
type RemoteRecord struct {
	CloudID   string          `json:"id"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// NewClient creates a new Client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Create stores a new record remotely and returns its canonical
// representation.
func (c *Client) Create(ctx context.Context, kind string, payload json.RawMessage) (*RemoteRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/"+kind, payload)
}

// Update replaces a remote record by cloud id.
func (c *Client) Update(ctx context.Context, kind, cloudID string, payload json.RawMessage) (*RemoteRecord, error) {
	return c.doRecord(ctx, http.MethodPut, "/"+kind+"/"+url.PathEscape(cloudID), payload)
}

// Delete removes a remote record by cloud id.
func (c *Client) Delete(ctx context.Context, kind, cloudID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/"+kind+"/"+url.PathEscape(cloudID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		// Deleting something already gone is success for our purposes.
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Get fetches a single remote record by cloud id.
func (c *Client) Get(ctx context.Context, kind, cloudID string) (*RemoteRecord, error) {
	return c.doRecord(ctx, http.MethodGet, "/"+kind+"/"+url.PathEscape(cloudID), nil)
}

// Fetch lists remote records of a kind matching the query.
func (c *Client) Fetch(ctx context.Context, kind string, query url.Values) ([]*RemoteRecord, error) {
	path := "/" + kind
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var records []*RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.Wrap(errors.ErrServerError, "failed to decode list response", err)
	}
	return records, nil
}

// Call executes a custom action against an arbitrary endpoint. Used
// for queued operations that are neither plain CRUD nor kind-scoped.
func (c *Client) Call(ctx context.Context, method, endpoint string, payload json.RawMessage) (*RemoteRecord, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.doRecord(ctx, method, endpoint, payload)
}

// doRecord executes a request and decodes a single-record response.
func (c *Client) doRecord(ctx context.Context, method, path string, payload json.RawMessage) (*RemoteRecord, error) {
	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var record RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, errors.Wrap(errors.ErrServerError, "failed to decode record response", err)
	}
	return &record, nil
}

// do builds and executes an HTTP request. Transport-level failures
// (including timeouts) classify as NETWORK_UNAVAILABLE.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "failed to build request", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetworkUnavailable,
			fmt.Sprintf("%s %s failed", method, path), err)
	}
	return resp, nil
}

// classifyStatus maps an HTTP response status onto the error
// taxonomy. 2xx returns nil.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readErrorBody(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrAuthExpired, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		return errors.New(errors.ErrValidation, msg)
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrServerError, msg)
	default:
		return errors.New(errors.ErrServerError, msg)
	}
}

// readErrorBody extracts a short error message from a failed response.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return fmt.Sprintf("remote returned status %d", resp.StatusCode)
	}

	// Servers commonly wrap errors as {"error": "..."}.
	var wrapped struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != "" {
		return wrapped.Error
	}
	return fmt.Sprintf("remote returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
