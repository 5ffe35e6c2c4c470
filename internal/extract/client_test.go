package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.Is(err, ErrAPIKeyRequired))
}

func TestExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/post", req.URL)
		assert.Equal(t, "markdown", req.Format)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"data":{"title":"Post","content":"# Post\n\nBody","usage":{"tokens":12}}}`))
	}))
	defer srv.Close()

	c, err := NewClient("secret", WithEndpoint(srv.URL))
	require.NoError(t, err)

	res, err := c.Extract(context.Background(), "https://example.com/post")
	require.NoError(t, err)
	assert.Equal(t, "Post", res.Title)
	assert.Equal(t, "# Post\n\nBody", res.Content)
	assert.Equal(t, 12, res.Usage.Tokens)
	assert.Equal(t, "https://example.com/post", res.URL, "missing url falls back to the request")
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusBadGateway, `upstream down`, ErrAPI},
		{"not json", http.StatusOK, `<html>`, ErrInvalidResponse},
		{"schema mismatch", http.StatusOK, `{"data":{"title":"x"}}`, ErrInvalidResponse},
		{"wrong type", http.StatusOK, `{"data":{"content":42}}`, ErrInvalidResponse},
		{"empty content", http.StatusOK, `{"data":{"content":"   "}}`, ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient("k", WithEndpoint(srv.URL))
			require.NoError(t, err)

			_, err = c.Extract(context.Background(), "https://example.com")
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestExtractTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient("k", WithEndpoint(srv.URL), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Extract(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
