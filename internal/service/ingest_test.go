package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	contentID string
	ownerID   string
}

type fakeSubmitter struct {
	calls []submission
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, contentID, ownerID string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, submission{contentID, ownerID})
	return nil
}

type ingestFixture struct {
	store *db.MemoryStore
	blobs storage.Storage
	exec  *fakeSubmitter
	svc   *IngestService
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	f := &ingestFixture{store: db.NewMemoryStore(), blobs: blobs, exec: &fakeSubmitter{}}
	f.svc = NewIngestService(f.store, f.blobs, f.exec, nil)
	return f
}

func TestCreateText(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	item, err := f.svc.CreateText(ctx, TextInput{OwnerID: "alice", Title: "Note", Text: "body"})
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeText, item.Type)
	assert.Equal(t, models.StatusPending, item.ProcessingStatus)
	require.NotNil(t, item.RawText)
	assert.Equal(t, "body", *item.RawText)
	assert.Equal(t, []submission{{item.ID, "alice"}}, f.exec.calls)

	_, err = f.svc.CreateText(ctx, TextInput{OwnerID: "alice", Text: "  \n"})
	assert.True(t, errors.Is(err, ErrEmptyText))
	_, err = f.svc.CreateText(ctx, TextInput{Text: "x"})
	assert.True(t, errors.Is(err, ErrOwnerRequired))
}

func TestCreateTextReturnsItemWhenSubmitFails(t *testing.T) {
	f := newIngestFixture(t)
	f.exec.err = ErrQueueFull

	item, err := f.svc.CreateText(context.Background(), TextInput{OwnerID: "alice", Text: "body"})
	assert.True(t, errors.Is(err, ErrQueueFull))
	require.NotNil(t, item, "the item exists and can be processed later")

	_, err = f.store.GetContent(context.Background(), item.ID)
	assert.NoError(t, err)
}

func TestCreateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "https", url: "https://example.com/post", want: "https://example.com/post"},
		{name: "trimmed", url: "  http://example.com  ", want: "http://example.com"},
		{name: "ftp", url: "ftp://example.com/file", wantErr: true},
		{name: "no host", url: "https:///path", wantErr: true},
		{name: "garbage", url: "::not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIngestFixture(t)
			item, err := f.svc.CreateURL(context.Background(), URLInput{OwnerID: "alice", URL: tt.url})
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidURL), "got %v", err)
				assert.Empty(t, f.exec.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.ContentTypeURL, item.Type)
			assert.Equal(t, tt.want, item.Source())
			assert.Len(t, f.exec.calls, 1)
		})
	}
}

func TestCreateUpload(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	item, err := f.svc.CreateUpload(ctx, UploadInput{
		OwnerID:  "alice",
		Filename: "report.pdf",
		MimeType: "application/pdf",
		Data:     []byte("%PDF-1.7 fake"),
		MetaInfo: map[string]any{"origin": "api"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypeDocument, item.Type)
	assert.Equal(t, "application/pdf", item.MetaInfo["mime_type"])
	assert.Equal(t, "report.pdf", item.MetaInfo["filename"])
	assert.Equal(t, "api", item.MetaInfo["origin"])

	data, err := f.blobs.Download(ctx, item.Source())
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))
	assert.Len(t, f.exec.calls, 1)

	tests := []struct {
		filename string
		want     models.ContentType
	}{
		{"photo.png", models.ContentTypeImage},
		{"memo.mp3", models.ContentTypeAudio},
		{"notes.md", models.ContentTypeText},
		{"slides.pptx", models.ContentTypeDocument},
	}
	for _, tt := range tests {
		item, err := f.svc.CreateUpload(ctx, UploadInput{OwnerID: "alice", Filename: tt.filename, Data: []byte("x")})
		require.NoError(t, err, tt.filename)
		assert.Equal(t, tt.want, item.Type, tt.filename)
	}

	_, err = f.svc.CreateUpload(ctx, UploadInput{OwnerID: "alice", Filename: "empty.pdf"})
	assert.True(t, errors.Is(err, ErrEmptyUpload))
}

func TestProcessSkipsCompleted(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateText(ctx, TextInput{OwnerID: "alice", Text: "body"})
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, f.exec.calls, 2)

	require.NoError(t, f.store.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil))
	require.NoError(t, f.store.CompleteContent(ctx, item.ID, models.ContentResult{ContentText: "body"}))

	_, err = f.svc.Process(ctx, item.ID)
	assert.True(t, errors.Is(err, ErrAlreadyCompleted))
	assert.Len(t, f.exec.calls, 2)

	_, err = f.svc.Process(ctx, "missing")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestRetry(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateText(ctx, TextInput{OwnerID: "alice", Text: "body"})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, item.ID)
	assert.True(t, errors.Is(err, ErrNotFailed), "pending items are not retried")

	msg := "boom"
	require.NoError(t, f.store.UpdateContentStatus(ctx, item.ID, models.StatusFailed, &msg))

	got, err := f.svc.Retry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.ProcessingStatus)

	stored, _ := f.store.GetContent(ctx, item.ID)
	assert.Equal(t, models.StatusProcessing, stored.ProcessingStatus)
	assert.Nil(t, stored.ErrorMessage)
	assert.Len(t, f.exec.calls, 2)
}

func TestRetryRestoresFailureWhenSubmitFails(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateText(ctx, TextInput{OwnerID: "alice", Text: "body"})
	require.NoError(t, err)
	msg := "boom"
	require.NoError(t, f.store.UpdateContentStatus(ctx, item.ID, models.StatusFailed, &msg))

	f.exec.err = ErrExecutorClosed
	_, err = f.svc.Retry(ctx, item.ID)
	assert.True(t, errors.Is(err, ErrExecutorClosed))

	stored, _ := f.store.GetContent(ctx, item.ID)
	assert.Equal(t, models.StatusFailed, stored.ProcessingStatus)
}

func TestPresignUploadUnsupportedOnLocal(t *testing.T) {
	f := newIngestFixture(t)
	_, err := f.svc.PresignUpload(context.Background(), "alice", "a.pdf", "application/pdf", time.Minute)
	assert.True(t, errors.Is(err, storage.ErrPresignUnsupported))

	_, err = f.svc.PresignUpload(context.Background(), "", "a.pdf", "", 0)
	assert.True(t, errors.Is(err, ErrOwnerRequired))
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.md", "b.pdf", "skip.bin", "sub/c.docx"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}

	files, err := CollectFiles(dir, false)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{filepath.Join(dir, "a.md"), filepath.Join(dir, "b.pdf")}, files)

	files, err = CollectFiles(dir, true)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
