package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/events"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/pipeline"
	"github.com/raphaelgruber/distill/internal/service"
	"github.com/raphaelgruber/distill/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger creates a logger that writes to stderr for test visibility.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testEnv struct {
	store  *db.MemoryStore
	events *events.Manager
	exec   *service.Executor
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := db.NewMemoryStore()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	mgr := events.NewManager()
	m := metrics.NewCollector()
	pipe := pipeline.New(store, blobs, []pipeline.Step{
		pipeline.NewConversionStep(convert.New(convert.Config{}), nil, blobs),
	}, pipeline.WithMetrics(m))
	exec, err := service.NewExecutor(store, pipe, mgr, service.WithWorkers(1), service.WithExecutorMetrics(m))
	require.NoError(t, err)
	exec.Start()

	ingest := service.NewIngestService(store, blobs, exec, testLogger())
	opts = append([]Option{WithMetrics(m), WithLogger(testLogger())}, opts...)
	srv := New(ingest, exec, mgr, opts...)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = exec.Shutdown(context.Background())
		mgr.Close()
	})
	return &testEnv{store: store, events: mgr, exec: exec, ts: ts}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) waitStatus(t *testing.T, id string, want models.ProcessingStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		item, err := e.store.GetContent(context.Background(), id)
		return err == nil && item.ProcessingStatus == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	down := newTestEnv(t, WithHealth(func(context.Context) error { return errors.New("db unreachable") }))
	resp, body = down.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "db unreachable")
}

func TestEventStreamDeliversCheckpoints(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/events?owner=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, 1, env.events.Subscribers("alice"))

	resp, body := env.postJSON(t, "/content/text", map[string]any{"owner_id": "alice", "text": "# Title\n\nSome words."})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	id := body["id"].(string)

	var got []models.StatusEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(got) < 4 {
		var ev models.StatusEvent
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev)
	}
	for _, ev := range got {
		assert.Equal(t, id, ev.ContentID)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Equal(t, service.StageQueued, got[0].Stage)
	assert.Equal(t, models.EventCompleted, got[3].Kind)
	assert.Equal(t, 100, *got[3].Progress)

	// Closing the socket releases the queue.
	conn.Close()
	require.Eventually(t, func() bool { return env.events.Subscribers("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.get(t, "/events")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStreamClosedWithManager(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/events?owner=bob"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	env.events.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSubmitTextAndReadBack(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/content/text", map[string]any{"owner_id": "alice", "title": "Notes", "text": "# Heading\n\nParagraph text."})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	env.waitStatus(t, id, models.StatusCompleted)

	resp, data := env.get(t, "/content/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var item models.ContentItem
	require.NoError(t, json.Unmarshal(data, &item))
	assert.Equal(t, "Notes", item.Title)
	require.NotNil(t, item.ContentText)

	resp, data = env.get(t, "/content/"+id+"/chunks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunks []models.ContentChunk
	require.NoError(t, json.Unmarshal(data, &chunks))
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Index)

	resp, data = env.get(t, "/content/"+id+"/jobs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []models.ProcessingJob
	require.NoError(t, json.Unmarshal(data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobCompleted, jobs[0].Status)

	resp, data = env.get(t, "/content?owner=alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []models.ContentItem
	require.NoError(t, json.Unmarshal(data, &items))
	assert.Len(t, items, 1)

	resp, body = env.postJSON(t, "/content/"+id+"/process", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, service.ErrAlreadyCompleted.Error(), body["error"])
}

func TestUploadMultipart(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("owner_id", "alice"))
	fw, err := mw.CreateFormFile("file", "readme.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("# Readme\n\nUploaded body."))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.ts.URL+"/content/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, string(models.ContentTypeText), body["type"])

	id := body["id"].(string)
	env.waitStatus(t, id, models.StatusCompleted)
	item, err := env.store.GetContent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "readme", item.Title, "file name is the fallback title")
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, WithMaxUploadBytes(64))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.txt")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), 1024))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.ts.URL+"/content/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty text", "/content/text", map[string]any{"owner_id": "a", "text": " "}, http.StatusBadRequest},
		{"missing owner", "/content/text", map[string]any{"text": "x"}, http.StatusBadRequest},
		{"bad url", "/content/url", map[string]any{"owner_id": "a", "url": "ftp://x"}, http.StatusBadRequest},
		{"presign on local", "/content/presign", map[string]any{"owner_id": "a", "filename": "a.pdf"}, http.StatusNotImplemented},
		{"retry unknown", "/content/nope/retry", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.postJSON(t, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, body)
			assert.NotEmpty(t, body["error"])
		})
	}

	resp, err := http.Post(env.ts.URL+"/content/text", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryConflictForPendingItem(t *testing.T) {
	env := newTestEnv(t)
	raw := "x"
	item, err := env.store.CreateContent(context.Background(), models.ContentInput{OwnerID: "a", Type: models.ContentTypeText, RawText: &raw})
	require.NoError(t, err)

	resp, body := env.postJSON(t, fmt.Sprintf("/content/%s/retry", item.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotNil(t, body["content"], "the item is returned with the error")
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.postJSON(t, "/content/text", map[string]any{"owner_id": "alice", "text": "words"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitStatus(t, body["id"].(string), models.StatusCompleted)
	require.NoError(t, env.exec.Drain(context.Background()))

	resp, data := env.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Counters map[string]int64 `json:"counters"`
		Events   eventStats       `json:"events"`
		InFlight []any            `json:"in_flight"`
	}
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, int64(1), stats.Counters[metrics.CounterSubmitted])
	assert.Equal(t, int64(1), stats.Counters[metrics.CounterCompleted])
	assert.Empty(t, stats.InFlight)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", db.ErrNotFound), http.StatusNotFound},
		{service.ErrQueueFull, http.StatusServiceUnavailable},
		{service.ErrAlreadyInFlight, http.StatusConflict},
		{convert.ErrUnsupportedFormat, http.StatusBadRequest},
		{storage.ErrPresignUnsupported, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
