package cli

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/raphaelgruber/distill/internal/events"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/service"
	"github.com/spf13/cobra"
)

const (
	queueFullBackoff   = 200 * time.Millisecond
	settlePollInterval = 500 * time.Millisecond
)

var (
	processOwner     string
	processTitle     string
	processText      bool
	processRecursive bool
	processTimeout   time.Duration
)

var processCmd = &cobra.Command{
	Use:   "process <url|file|dir|text>...",
	Short: "Convert content in-process and stream progress",
	Long: `Run the pipeline in this process. Each argument is a URL, a file, or a
directory of files; with --text the arguments are submitted as plain text.
Progress events are printed as they arrive. Use -v to print timing metrics
at the end.

Examples:
  distill process https://example.com/post
  distill process report.pdf slides.pptx
  distill process -r ./notes
  distill process --text "Some quick note"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processOwner, "owner", "cli", "owner id for submitted items")
	processCmd.Flags().StringVarP(&processTitle, "title", "t", "", "title for the submitted item")
	processCmd.Flags().BoolVar(&processText, "text", false, "treat arguments as plain text")
	processCmd.Flags().BoolVarP(&processRecursive, "recursive", "r", false, "descend into subdirectories")
	processCmd.Flags().DurationVar(&processTimeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	rootCmd.AddCommand(processCmd)
}

// tracker collects terminal events from the subscription.
type tracker struct {
	mu       sync.Mutex
	labels   map[string]string
	terminal map[string]models.StatusEvent
	changed  chan struct{}
}

func newTracker() *tracker {
	return &tracker{
		labels:   make(map[string]string),
		terminal: make(map[string]models.StatusEvent),
		changed:  make(chan struct{}, 1),
	}
}

func (t *tracker) label(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.labels[id]; ok {
		return l
	}
	return shortID(id)
}

func (t *tracker) setLabel(id, label string) {
	t.mu.Lock()
	t.labels[id] = label
	t.mu.Unlock()
}

func (t *tracker) record(ev models.StatusEvent) {
	if !ev.Kind.Terminal() {
		return
	}
	t.mu.Lock()
	t.terminal[ev.ContentID] = ev
	t.mu.Unlock()
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// settled reports how many of ids are terminal and how many of those failed.
func (t *tracker) settled(ids []string) (done, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if ev, ok := t.terminal[id]; ok {
			done++
			if ev.Kind == models.EventFailed {
				failed++
			}
		}
	}
	return done, failed
}

// follow prints events until the subscription closes.
func follow(sub *events.Subscription, t *tracker, out *printer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			out.event(ev, t.label(ev.ContentID))
			t.record(ev)
		}
	}()
	return done
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, processTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	t := newTracker()
	sub, err := a.events.Subscribe(processOwner)
	if err != nil {
		a.close(context.Background())
		return err
	}
	following := follow(sub, t, out)
	a.exec.Start()

	ids, submitErr := submitArgs(ctx, a.ingest, t, args)

	waitErr := waitSettled(ctx, t, ids, following, a.ingest.Get)

	// Interrupted runs are cancelled quickly so they still report failure.
	grace := 30 * time.Second
	if ctx.Err() != nil {
		grace = 2 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor did not drain in time", "error", err)
	}
	a.close(context.Background())
	<-following

	done, failed := t.settled(ids)
	out.printf("\n%d submitted, %d completed, %d failed\n", len(ids), done-failed, failed)
	if verbose {
		printMetrics(out, a.metrics.Snapshot())
	}

	switch {
	case submitErr != nil:
		return submitErr
	case waitErr != nil:
		return waitErr
	case failed > 0:
		return fmt.Errorf("%d of %d items failed", failed, len(ids))
	}
	return nil
}

// submitArgs creates and submits one item per argument (or per file of a
// directory argument).
func submitArgs(ctx context.Context, ingest *service.IngestService, t *tracker, args []string) ([]string, error) {
	var ids []string
	submit := func(label string, create func() (*models.ContentItem, error)) error {
		item, err := create()
		for errors.Is(err, service.ErrQueueFull) && item != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullBackoff):
			}
			item, err = ingest.Process(ctx, item.ID)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		t.setLabel(item.ID, label)
		ids = append(ids, item.ID)
		return nil
	}

	for _, arg := range args {
		if ctx.Err() != nil {
			return ids, ctx.Err()
		}

		var err error
		switch {
		case processText:
			err = submit(strings.TrimSpace(firstLine(arg)), func() (*models.ContentItem, error) {
				return ingest.CreateText(ctx, service.TextInput{OwnerID: processOwner, Title: processTitle, Text: arg})
			})
		case strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://"):
			err = submit(arg, func() (*models.ContentItem, error) {
				return ingest.CreateURL(ctx, service.URLInput{OwnerID: processOwner, Title: processTitle, URL: arg})
			})
		default:
			err = submitPath(ctx, ingest, arg, submit)
		}
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func submitPath(ctx context.Context, ingest *service.IngestService, path string, submit func(string, func() (*models.ContentItem, error)) error) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	files := []string{path}
	if info.IsDir() {
		files, err = service.CollectFiles(path, processRecursive)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no supported files in %s", path)
		}
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		title := processTitle
		if info.IsDir() {
			title = ""
		}
		err = submit(f, func() (*models.ContentItem, error) {
			return ingest.CreateUpload(ctx, service.UploadInput{
				OwnerID:  processOwner,
				Title:    title,
				Filename: filepath.Base(f),
				MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(f))),
				Data:     data,
				MetaInfo: map[string]any{"source_path": f},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// statusFunc loads the persisted state of one item.
type statusFunc func(ctx context.Context, id string) (*models.ContentItem, error)

// waitSettled blocks until every id has a terminal event or ctx is done.
// If the subscription ends first, persisted status is polled instead.
func waitSettled(ctx context.Context, t *tracker, ids []string, following <-chan struct{}, get statusFunc) error {
	var tick <-chan time.Time
	for {
		if done, _ := t.settled(ids); done == len(ids) {
			return nil
		}
		select {
		case <-t.changed:
		case <-following:
			following = nil
			ticker := time.NewTicker(settlePollInterval)
			defer ticker.Stop()
			tick = ticker.C
			t.poll(ctx, ids, get)
		case <-tick:
			t.poll(ctx, ids, get)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// poll records a terminal event for every id whose stored status is final.
func (t *tracker) poll(ctx context.Context, ids []string, get statusFunc) {
	for _, id := range ids {
		t.mu.Lock()
		_, known := t.terminal[id]
		t.mu.Unlock()
		if known {
			continue
		}

		item, err := get(ctx, id)
		if err != nil {
			continue
		}
		ev := models.StatusEvent{ContentID: id, Status: item.ProcessingStatus, Timestamp: item.UpdatedAt}
		switch item.ProcessingStatus {
		case models.StatusCompleted:
			ev.Kind = models.EventCompleted
		case models.StatusFailed:
			ev.Kind = models.EventFailed
			if item.ErrorMessage != nil {
				ev.Error = *item.ErrorMessage
			}
		default:
			continue
		}
		t.record(ev)
	}
}

func printMetrics(out *printer, snap metrics.Snapshot) {
	out.printf("\n")
	rows := make([][]string, 0, len(snap.Operations))
	for _, op := range snap.Operations {
		tokens := ""
		if op.TotalTokens != nil {
			tokens = fmt.Sprintf("%d", *op.TotalTokens)
		}
		rows = append(rows, []string{
			op.Name,
			fmt.Sprintf("%d", op.Count),
			fmt.Sprintf("%d", op.Failures),
			fmt.Sprintf("%.1f", op.AvgTimeMs),
			fmt.Sprintf("%d", op.MaxTimeMs),
			tokens,
		})
	}
	out.table([]string{"OPERATION", "COUNT", "FAILED", "AVG MS", "MAX MS", "TOKENS"}, rows)

	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	out.printf("\n")
	for _, name := range names {
		out.printf("%-10s %d\n", name, snap.Counters[name])
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 40 {
		s = string(r[:40]) + "..."
	}
	return s
}
