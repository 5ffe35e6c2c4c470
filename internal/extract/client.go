// Package extract is a client for the hosted rich-extraction API that turns
// a URL into markdown.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultEndpoint is a reader-style extraction endpoint.
	DefaultEndpoint = "https://r.jina.ai/"

	// DefaultTimeout bounds one extraction call.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 20 << 20
)

var (
	ErrAPIKeyRequired  = errors.New("extraction API key required")
	ErrAPI             = errors.New("extraction API error")
	ErrInvalidResponse = errors.New("invalid extraction response")
	ErrEmptyContent    = errors.New("extraction returned no content")
)

// responseSchema is the contract the service response must satisfy.
var responseSchema = map[string]any{
	"type":     "object",
	"required": []any{"data"},
	"properties": map[string]any{
		"code": map[string]any{"type": "integer"},
		"data": map[string]any{
			"type":     "object",
			"required": []any{"content"},
			"properties": map[string]any{
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"url":         map[string]any{"type": "string"},
				"content":     map[string]any{"type": "string"},
				"usage": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tokens": map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
		},
	},
}

// Result is the extracted document.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Content     string `json:"content"` // markdown
	Usage       struct {
		Tokens int `json:"tokens"`
	} `json:"usage"`
}

type request struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type response struct {
	Code int    `json:"code"`
	Data Result `json:"data"`
}

// Client calls the extraction API with a bearer token.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	schema   *jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides DefaultEndpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates an extraction client. apiKey is required.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	schema, err := compileSchema(responseSchema)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint: DefaultEndpoint,
		apiKey:   apiKey,
		timeout:  DefaultTimeout,
		client:   &http.Client{},
		schema:   schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extract.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("extract.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Extract fetches target through the extraction service and returns its
// markdown rendition. A timeout is reported as an error like any other
// failure.
func (c *Client) Extract(ctx context.Context, target string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{URL: target, Format: "markdown"})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w (status %d): %s", ErrAPI, resp.StatusCode, truncate(string(raw), 300))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(parsed.Data.Content) == "" {
		return nil, ErrEmptyContent
	}
	if parsed.Data.URL == "" {
		parsed.Data.URL = target
	}
	return &parsed.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
