// Package memory is a thin HTTP client for the external document store
// (a separate KV/FTS service). The bridge only lists, searches, and checks
// health; storage semantics live in the service.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the memory service. A nil *Client reports "not configured".
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Document is one stored document's metadata.
type Document struct {
	Path      string    `json:"path"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SearchHit is one full-text search result.
type SearchHit struct {
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Health is the service's self-reported status.
type Health struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
}

// NewClient creates a client for the service at baseURL. Token is optional.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether a memory service is wired up.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// List returns all document paths.
func (c *Client) List(ctx context.Context) ([]Document, error) {
	var out struct {
		Documents []Document `json:"documents"`
	}
	if err := c.get(ctx, "/api/documents", &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Search runs a full-text query.
func (c *Client) Search(ctx context.Context, query string) ([]SearchHit, error) {
	var out struct {
		Hits []SearchHit `json:"hits"`
	}
	path := "/api/search?q=" + url.QueryEscape(query)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Health checks the service.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/api/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if !c.Configured() {
		return fmt.Errorf("memory service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("memory request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory service: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("memory decode: %w", err)
	}
	return nil
}
