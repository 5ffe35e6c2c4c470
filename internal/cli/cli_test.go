package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/distill/internal/config"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerSettled(t *testing.T) {
	tr := newTracker()
	tr.record(models.StatusEvent{ContentID: "a", Kind: models.EventProgress})
	done, failed := tr.settled([]string{"a", "b"})
	assert.Zero(t, done)
	assert.Zero(t, failed)

	tr.record(models.StatusEvent{ContentID: "a", Kind: models.EventCompleted})
	tr.record(models.StatusEvent{ContentID: "b", Kind: models.EventFailed})
	done, failed = tr.settled([]string{"a", "b"})
	assert.Equal(t, 2, done)
	assert.Equal(t, 1, failed)
}

func TestWaitSettled(t *testing.T) {
	tr := newTracker()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.record(models.StatusEvent{ContentID: "a", Kind: models.EventCompleted})
	}()
	require.NoError(t, waitSettled(context.Background(), tr, []string{"a"}, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitSettled(ctx, tr, []string{"missing"}, nil, nil), context.Canceled)
}

func TestWaitSettledPollsAfterSubscriptionEnds(t *testing.T) {
	tr := newTracker()
	closed := make(chan struct{})
	close(closed)

	msg := "conversion failed"
	var calls atomic.Int32
	get := func(_ context.Context, id string) (*models.ContentItem, error) {
		n := calls.Add(1)
		switch {
		case id == "a":
			return &models.ContentItem{ID: id, ProcessingStatus: models.StatusCompleted}, nil
		case n < 4:
			return &models.ContentItem{ID: id, ProcessingStatus: models.StatusProcessing}, nil
		default:
			return &models.ContentItem{ID: id, ProcessingStatus: models.StatusFailed, ErrorMessage: &msg}, nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, waitSettled(ctx, tr, []string{"a", "b"}, closed, get))

	done, failed := tr.settled([]string{"a", "b"})
	assert.Equal(t, 2, done)
	assert.Equal(t, 1, failed)
	assert.Equal(t, msg, tr.terminal["b"].Error)
}

func TestWaitSettledPollingHonoursContext(t *testing.T) {
	closed := make(chan struct{})
	close(closed)
	get := func(_ context.Context, id string) (*models.ContentItem, error) {
		return &models.ContentItem{ID: id, ProcessingStatus: models.StatusProcessing}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waitSettled(ctx, newTracker(), []string{"a"}, closed, get), context.DeadlineExceeded)
}

func TestTrackerLabel(t *testing.T) {
	tr := newTracker()
	assert.Equal(t, "01234567", tr.label("0123456789"))
	tr.setLabel("0123456789", "notes.md")
	assert.Equal(t, "notes.md", tr.label("0123456789"))
}

func TestPrinterPlain(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, theme: defaultTheme}

	p.event(models.StatusEvent{Kind: models.EventProgress, Stage: "started", Progress: models.Percent(25)}, "a.md")
	p.event(models.StatusEvent{Kind: models.EventFailed, Stage: "failed", Error: "boom"}, "b.md")
	p.table([]string{"ID", "STATUS"}, [][]string{{"abc", "completed"}})

	out := buf.String()
	assert.Contains(t, out, " 25% a.md")
	assert.Contains(t, out, "b.md boom")
	assert.Contains(t, out, "ID   STATUS\nabc  completed\n")
	assert.NotContains(t, out, "\x1b[", "plain output has no escape codes")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "hello", firstLine("hello\nworld"))
	assert.Equal(t, "0123456789012345678901234567890123456789...", firstLine("0123456789012345678901234567890123456789xyz"))

	long := strings.Repeat("ü", 39) + "日本語"
	got := firstLine(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ü", 39)+"日...", got)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "abcdefg...", truncateText("abcdefghijklmnop", 10))
}

func TestBuildStepsDisablesOptionalSteps(t *testing.T) {
	cfg := config.Load()
	cfg.ExtractionAPIKey = ""
	cfg.SnapshotEnabled = false
	cfg.CaptionsEnabled = false

	steps, snapshotter, err := buildSteps(cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, snapshotter)
	require.Len(t, steps, 3)

	assert.False(t, steps[0].CanHandle(models.ContentTypeURL), "extraction needs an API key")
	assert.True(t, steps[1].CanHandle(models.ContentTypeText))
	assert.False(t, steps[2].CanHandle(models.ContentTypeURL), "snapshot disabled")
}

func TestNewAppInMemory(t *testing.T) {
	cfg := config.Load()
	cfg.Store = config.StoreMemory
	cfg.StorageBackend = storage.BackendLocal
	cfg.StorageLocalDir = t.TempDir()
	cfg.ExtractionAPIKey = ""
	cfg.SnapshotEnabled = false
	cfg.CaptionsEnabled = false

	a, err := newApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, a.dbClient)
	assert.NoError(t, a.health(context.Background()))
	assert.Equal(t, []string{"extraction", "conversion", "snapshot"}, a.pipeline.StepNames())

	require.NoError(t, a.exec.Shutdown(context.Background()))
	a.close(context.Background())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
