package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// DefaultServerURL is where client commands look for the daemon.
const DefaultServerURL = "http://127.0.0.1:8741"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls the daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Store stores a memory.
func (c *Client) Store(ctx context.Context, in *models.StoreInput) (*models.StoreResult, error) {
	var out models.StoreResult
	return &out, c.do(ctx, http.MethodPost, "/store", in, &out)
}

// Recall runs a recall query.
func (c *Client) Recall(ctx context.Context, q *models.RecallQuery) (*models.RecallResponse, error) {
	var out models.RecallResponse
	return &out, c.do(ctx, http.MethodPost, "/recall", q, &out)
}

// List fetches a page of memories.
func (c *Client) List(ctx context.Context, q *models.ListQuery) (*models.ListResponse, error) {
	params := url.Values{}
	if q.Scope != "" {
		params.Set("scope", q.Scope)
	}
	if q.Kind != "" {
		params.Set("kind", string(q.Kind))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/list"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out models.ListResponse
	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Delete soft-deletes a memory.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/memory/"+url.PathEscape(id), nil, nil)
}

// Stats fetches record statistics.
func (c *Client) Stats(ctx context.Context, scope string) (*models.StatsResponse, error) {
	path := "/stats"
	if scope != "" {
		path += "?" + url.Values{"scope": {scope}}.Encode()
	}
	var out models.StatsResponse
	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Health fetches daemon health.
func (c *Client) Health(ctx context.Context) (*models.HealthResponse, error) {
	var out models.HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Sync triggers a sync cycle.
func (c *Client) Sync(ctx context.Context) (*models.SyncStatus, error) {
	var out models.SyncStatus
	return &out, c.do(ctx, http.MethodPost, "/sync", nil, &out)
}

// Compact triggers a compaction.
func (c *Client) Compact(ctx context.Context) (*models.CompactionResult, error) {
	var out models.CompactionResult
	return &out, c.do(ctx, http.MethodPost, "/compact", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the daemon running at %s?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Kind = e.Kind
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
