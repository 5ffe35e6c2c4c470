package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/extract"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	res *extract.Result
	err error
}

func (f fakeExtractor) Extract(context.Context, string) (*extract.Result, error) {
	return f.res, f.err
}

type fakeRenderer struct {
	html string
	err  error
}

func (f fakeRenderer) Snapshot(context.Context, string) (string, error) {
	return f.html, f.err
}

func item(t models.ContentType, src string, raw *string) *models.ContentItem {
	it := &models.ContentItem{ID: "c1", OwnerID: "o1", Type: t, RawText: raw}
	if src != "" {
		it.SourceRef = &src
	}
	return it
}

func TestExtractionStep(t *testing.T) {
	disabled := NewExtractionStep(nil)
	assert.False(t, disabled.CanHandle(models.ContentTypeURL), "no client means the step opts out")

	res := &extract.Result{Title: "Post", Content: "# Post", URL: "https://example.com"}
	res.Usage.Tokens = 9
	s := NewExtractionStep(fakeExtractor{res: res})
	assert.True(t, s.CanHandle(models.ContentTypeURL))
	assert.False(t, s.CanHandle(models.ContentTypeDocument))

	out, err := s.Run(context.Background(), item(models.ContentTypeURL, "https://example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, "# Post", out.Markdown)
	assert.Equal(t, "Post", out.Title)
	assert.Equal(t, 9, out.Metadata[metaTokens])

	_, err = NewExtractionStep(fakeExtractor{err: extract.ErrAPI}).Run(context.Background(), item(models.ContentTypeURL, "https://x", nil))
	assert.True(t, errors.Is(err, extract.ErrAPI))
}

func TestConversionStepText(t *testing.T) {
	s := NewConversionStep(convert.New(convert.Config{}), nil, nil)
	raw := "plain words"

	out, err := s.Run(context.Background(), item(models.ContentTypeText, "", &raw))
	require.NoError(t, err)
	assert.Equal(t, "plain words", out.Markdown)

	_, err = s.Run(context.Background(), item(models.ContentTypeText, "", nil))
	assert.True(t, errors.Is(err, ErrNoRawText))
}

func TestConversionStepFile(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	key := storage.UploadPath("o1", "u1", "guide.md")
	_, err = blobs.Upload(ctx, key, []byte("# Guide\n\nRead me."), "text/markdown")
	require.NoError(t, err)

	s := NewConversionStep(convert.New(convert.Config{}), nil, blobs)

	out, err := s.Run(ctx, item(models.ContentTypeDocument, key, nil))
	require.NoError(t, err)
	assert.Equal(t, "# Guide\n\nRead me.", out.Markdown)
	assert.Equal(t, "guide", out.Title)

	_, err = s.Run(ctx, item(models.ContentTypeDocument, "uploads/o1/u1/missing.pdf", nil))
	assert.True(t, errors.Is(err, ErrSourceMissing), "got %v", err)

	_, err = s.Run(ctx, item(models.ContentTypeImage, "", nil))
	assert.True(t, errors.Is(err, ErrNoSource))
}

func TestConversionStepURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Docs</title></head><body><h2>Install</h2><p>Run it.</p></body></html>`))
	})
	mux.HandleFunc("/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("just text"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewConversionStep(convert.New(convert.Config{}), convert.NewFetcher(time.Second), nil)

	out, err := s.Run(context.Background(), item(models.ContentTypeURL, srv.URL+"/page", nil))
	require.NoError(t, err)
	assert.Equal(t, "Docs", out.Title)
	assert.Contains(t, out.Markdown, "## Install")

	out, err = s.Run(context.Background(), item(models.ContentTypeURL, srv.URL+"/notes.txt", nil))
	require.NoError(t, err)
	assert.Equal(t, "just text", out.Markdown)
}

func TestSnapshotStep(t *testing.T) {
	conv := convert.New(convert.Config{})
	assert.False(t, NewSnapshotStep(nil, conv).CanHandle(models.ContentTypeURL))

	s := NewSnapshotStep(fakeRenderer{html: `<html><body><div id="app"><h1>Rendered</h1></div></body></html>`}, conv)
	assert.True(t, s.CanHandle(models.ContentTypeURL))
	assert.False(t, s.CanHandle(models.ContentTypeText))

	out, err := s.Run(context.Background(), item(models.ContentTypeURL, "https://spa.example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, "# Rendered", out.Markdown)
	assert.Equal(t, true, out.Metadata["rendered"])

	_, err = NewSnapshotStep(fakeRenderer{err: convert.ErrPageLoad}, conv).Run(context.Background(), item(models.ContentTypeURL, "https://x", nil))
	assert.True(t, errors.Is(err, convert.ErrPageLoad))
}

func TestFullChainFallsBackToConversion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<title>Fallback</title><p>Local conversion.</p>`))
	}))
	defer srv.Close()

	f := newFixture(t)
	src := srv.URL
	it, err := f.store.CreateContent(context.Background(), models.ContentInput{OwnerID: "o1", Type: models.ContentTypeURL, SourceRef: &src})
	require.NoError(t, err)

	conv := convert.New(convert.Config{})
	p := New(f.store, f.blobs, []Step{
		NewExtractionStep(fakeExtractor{err: extract.ErrAPI}),
		NewConversionStep(conv, convert.NewFetcher(time.Second), f.blobs),
		NewSnapshotStep(fakeRenderer{html: "<p>unused</p>"}, conv),
	})
	assert.Equal(t, []string{StepExtraction, StepConversion, StepSnapshot}, p.StepNames())

	res := p.Process(context.Background(), it)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, StepConversion, res.Processor)
	assert.Contains(t, res.Markdown, "Local conversion.")

	got, _ := f.store.GetContent(context.Background(), it.ID)
	assert.Equal(t, "Fallback", got.Title)
}
