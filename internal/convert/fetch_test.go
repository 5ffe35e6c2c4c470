package convert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "distill")
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		_, _ = w.Write([]byte("<title>Caf\xe9</title><p>Men\xfc</p>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	page, err := NewFetcher(time.Second).Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", page.URL)
	assert.True(t, page.IsHTML())

	out, err := New(Config{}).ConvertHTML(page.Body, page.ContentType, page.URL)
	require.NoError(t, err)
	assert.Equal(t, "Café", out.Title)
	assert.Contains(t, out.Markdown, "Menü")
	assert.Equal(t, "windows-1252", out.Metadata["encoding"])
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)

	_, err = NewFetcher(time.Second).Fetch(context.Background(), "://bad")
	assert.True(t, errors.Is(err, ErrFetch))
}

func TestFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	f.maxBytes = 16
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestPageHelpers(t *testing.T) {
	p := &Page{URL: "https://example.com/files/report.pdf?dl=1", ContentType: "application/pdf"}
	assert.False(t, p.IsHTML())
	assert.Equal(t, "report.pdf", p.Filename())
}
