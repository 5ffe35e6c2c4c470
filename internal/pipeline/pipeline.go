// Package pipeline turns a content item into normalized markdown, chunks
// and stored assets by trying an ordered list of conversion steps until one
// succeeds.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/parser"
	"github.com/raphaelgruber/distill/internal/storage"
)

const (
	// ProcessorName is recorded on every job the pipeline creates.
	ProcessorName = "pipeline"

	DefaultStepTimeout = 3 * time.Minute

	// Terminal writes run detached from the run context so a cancelled run
	// still records its failure.
	finalizeTimeout = 10 * time.Second

	metaTokens = "usage_tokens"
)

// Stage names passed to observers.
const (
	StageConverted = "converted"
)

// Result summarizes one Process call.
type Result struct {
	Success       bool           `json:"success"`
	Markdown      string         `json:"markdown,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
	AssetsCreated int            `json:"assets_created"`
	ChunksCreated int            `json:"chunks_created"`
	JobID         string         `json:"job_id,omitempty"`
	Processor     string         `json:"processor,omitempty"`
}

// Attempt records one step invocation in the job result.
type Attempt struct {
	Step       string `json:"step"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Pipeline is built once at startup and is safe for concurrent use; each
// Process call keeps its state on the stack.
type Pipeline struct {
	store       db.Store
	blobs       storage.Storage
	steps       []Step
	chunking    models.ChunkingConfig
	stepTimeout time.Duration
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStepTimeout bounds each step invocation.
func WithStepTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stepTimeout = d
		}
	}
}

// WithChunking overrides the default chunk sizes.
func WithChunking(cfg models.ChunkingConfig) Option {
	return func(p *Pipeline) {
		if cfg.MaxSize > 0 {
			p.chunking = cfg
		}
	}
}

// WithMetrics records step and stage timings.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.metrics = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline over steps in the order given.
func New(store db.Store, blobs storage.Storage, steps []Step, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		blobs:       blobs,
		steps:       steps,
		chunking:    models.DefaultChunkingConfig(),
		stepTimeout: DefaultStepTimeout,
		metrics:     metrics.NewCollector(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StepNames returns the registered steps in order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Observer receives stage notifications during a run.
type Observer func(item *models.ContentItem, stage string)

type observerKey struct{}

// WithObserver returns a context whose Process calls report stages to obs.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func notify(ctx context.Context, item *models.ContentItem, stage string) {
	if obs, ok := ctx.Value(observerKey{}).(Observer); ok && obs != nil {
		obs(item, stage)
	}
}

// run is the state of one Process call.
type run struct {
	p        *Pipeline
	item     *models.ContentItem
	job      *models.ProcessingJob
	attempts []Attempt
	logger   *slog.Logger
}

// Process runs the steps for item and persists the outcome. It never
// panics and never returns an error: failures are reported in the Result
// and recorded on the item and job.
func (p *Pipeline) Process(ctx context.Context, item *models.ContentItem) (res Result) {
	start := time.Now()
	r := &run{p: p, item: item, logger: p.logger.With("content_id", item.ID)}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline panic", "panic", rec, "stack", string(debug.Stack()))
			res = r.fail(ctx, fmt.Errorf("pipeline panic: %v", rec))
		}
		var err error
		if !res.Success {
			err = errors.New(res.Error)
		}
		p.metrics.RecordTiming(metrics.OpPipeline, time.Since(start), err)
	}()

	if err := p.store.UpdateContentStatus(ctx, item.ID, models.StatusProcessing, nil); err != nil {
		return r.fail(ctx, fmt.Errorf("mark processing: %w", err))
	}
	item.ProcessingStatus = models.StatusProcessing

	job, err := p.store.CreateJob(ctx, item.ID, ProcessorName, map[string]any{
		"content_type": string(item.Type),
		"steps":        p.StepNames(),
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("create job: %w", err))
	}
	r.job = job
	r.logger = r.logger.With("job_id", job.ID)
	if err := p.store.StartJob(ctx, job.ID); err != nil {
		return r.fail(ctx, fmt.Errorf("start job: %w", err))
	}

	step, out, err := r.convert(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	notify(ctx, item, StageConverted)

	return r.finish(ctx, step, out)
}

// convert tries every step that can handle the item until one produces
// markdown.
func (r *run) convert(ctx context.Context) (Step, StepOutput, error) {
	var lastErr error
	candidates := 0

	for _, step := range r.p.steps {
		if !step.CanHandle(r.item.Type) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, StepOutput{}, err
		}
		candidates++

		start := time.Now()
		out, err := r.p.runStep(ctx, step, r.item)
		if err == nil && strings.TrimSpace(out.Markdown) == "" {
			err = ErrEmptyOutput
		}
		dur := time.Since(start)
		r.p.metrics.RecordTiming(metrics.StepOp(step.Name()), dur, err)

		attempt := Attempt{Step: step.Name(), DurationMs: dur.Milliseconds()}
		if err != nil {
			attempt.Error = err.Error()
			r.attempts = append(r.attempts, attempt)
			r.logger.Warn("step failed, trying next", "step", step.Name(), "duration_ms", dur.Milliseconds(), "error", err)
			lastErr = fmt.Errorf("%s: %w", step.Name(), err)
			continue
		}
		r.attempts = append(r.attempts, attempt)
		if tokens, ok := out.Metadata[metaTokens].(int); ok {
			r.p.metrics.RecordTokens(metrics.StepOp(step.Name()), int64(tokens))
		}
		r.logger.Info("step succeeded", "step", step.Name(), "duration_ms", dur.Milliseconds(), "chars", len(out.Markdown))
		return step, out, nil
	}

	if candidates == 0 {
		return nil, StepOutput{}, fmt.Errorf("%w: %s", ErrUnsupportedType, r.item.Type)
	}
	return nil, StepOutput{}, lastErr
}

// runStep invokes one step under its own timeout, converting a panic into
// an error.
func (p *Pipeline) runStep(ctx context.Context, step Step, item *models.ContentItem) (out StepOutput, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("step panic", "step", step.Name(), "content_id", item.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrStepPanic, rec)
		}
	}()

	return step.Run(ctx, item)
}

func (r *run) finish(ctx context.Context, step Step, out StepOutput) Result {
	p := r.p
	markdown := parser.Normalize(out.Markdown)

	doc, err := parser.ParseMarkdown(markdown)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("parse markdown: %w", err))
	}
	// Submission metadata such as mime_type survives; derived keys win.
	meta := maps.Clone(r.item.MetaInfo)
	if meta == nil {
		meta = map[string]any{}
	}
	maps.Copy(meta, doc.MetaInfo())
	meta["processor"] = step.Name()
	if len(out.Metadata) > 0 {
		meta["source"] = out.Metadata
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return r.fail(ctx, fmt.Errorf("encode metadata: %w", err))
	}
	// Stores see plain JSON values, not parser structs.
	meta = map[string]any{}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return r.fail(ctx, fmt.Errorf("decode metadata: %w", err))
	}

	assets := 0
	for _, a := range []struct {
		name string
		kind models.AssetKind
		mime string
		data []byte
	}{
		{"processed.md", models.AssetProcessedMarkdown, "text/markdown; charset=utf-8", []byte(markdown)},
		{"metadata.json", models.AssetMetadata, "application/json", metaJSON},
	} {
		if err := r.storeAsset(ctx, a.name, a.kind, a.mime, a.data); err != nil {
			return r.fail(ctx, err)
		}
		assets++
	}

	chunkStart := time.Now()
	infos := parser.Chunk(markdown, p.chunking.MaxSize, p.chunking.MinSize)
	p.metrics.RecordTiming(metrics.OpChunk, time.Since(chunkStart), nil)

	chunks := make([]models.ContentChunk, len(infos))
	for i, c := range infos {
		chunks[i] = models.ContentChunk{
			ContentID: r.item.ID,
			Index:     c.Index,
			Content:   c.Content,
			ChunkType: c.Type,
			WordCount: c.WordCount,
			CharCount: c.CharCount,
			Metadata:  c.Metadata(),
		}
	}
	if err := p.store.ReplaceChunks(ctx, r.item.ID, chunks); err != nil {
		return r.fail(ctx, fmt.Errorf("replace chunks: %w", err))
	}
	p.metrics.Add(metrics.CounterChunks, int64(len(chunks)))

	title := ""
	if r.item.Title == "" {
		title = out.Title
		if title == "" {
			title = doc.Title
		}
	}
	if err := p.store.CompleteContent(ctx, r.item.ID, models.ContentResult{
		Title:       title,
		ContentText: markdown,
		MetaInfo:    meta,
	}); err != nil {
		return r.fail(ctx, fmt.Errorf("complete content: %w", err))
	}

	r.complete(ctx, db.JobOutcome{
		Status:        models.JobCompleted,
		ProcessorName: step.Name(),
		Result: map[string]any{
			"processor":      step.Name(),
			"attempts":       r.attemptsValue(),
			"chunks_created": len(chunks),
			"assets_created": assets,
		},
	})

	r.logger.Info("content processed", "processor", step.Name(), "chunks", len(chunks), "assets", assets)
	return Result{
		Success:       true,
		Markdown:      markdown,
		Metadata:      meta,
		AssetsCreated: assets,
		ChunksCreated: len(chunks),
		JobID:         r.job.ID,
		Processor:     step.Name(),
	}
}

func (r *run) storeAsset(ctx context.Context, name string, kind models.AssetKind, mime string, data []byte) error {
	p := r.p
	start := time.Now()
	key := storage.AssetPath(r.item.OwnerID, r.item.ID, r.job.ID, name)
	locator, err := p.blobs.Upload(ctx, key, data, mime)
	p.metrics.RecordTiming(metrics.OpUpload, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	if _, err := p.store.CreateAsset(ctx, models.ContentAsset{
		ContentID: r.item.ID,
		Kind:      kind,
		Locator:   locator,
		MimeType:  mime,
		Size:      int64(len(data)),
	}); err != nil {
		return fmt.Errorf("record asset %s: %w", name, err)
	}
	return nil
}

// complete finishes the job after the item has been marked completed. The
// write is retried once; if it is still rejected the job is recorded as
// failed so it never stays in progress.
func (r *run) complete(ctx context.Context, outcome db.JobOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var err error
	for range 2 {
		if err = r.p.store.FinishJob(ctx, r.job.ID, outcome); err == nil || errors.Is(err, db.ErrJobTerminal) {
			return
		}
		r.logger.Warn("failed to finish job", "error", err)
	}

	msg := fmt.Sprintf("record job completion: %v", err)
	if err := r.p.store.FinishJob(ctx, r.job.ID, db.JobOutcome{
		Status:        models.JobFailed,
		ProcessorName: outcome.ProcessorName,
		Result:        outcome.Result,
		ErrorMessage:  &msg,
	}); err != nil && !errors.Is(err, db.ErrJobTerminal) {
		r.logger.Error("job left unfinished", "job_id", r.job.ID, "error", err)
	}
}

// fail marks the item and job failed. Store errors are logged: the run is
// already failing and the caller only needs the original cause.
func (r *run) fail(ctx context.Context, cause error) Result {
	msg := cause.Error()
	r.logger.Error("content processing failed", "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := r.p.store.UpdateContentStatus(ctx, r.item.ID, models.StatusFailed, &msg); err != nil {
		r.logger.Warn("failed to mark content failed", "error", err)
	}
	r.item.ProcessingStatus = models.StatusFailed

	res := Result{Error: msg}
	if r.job != nil {
		res.JobID = r.job.ID
		if err := r.p.store.FinishJob(ctx, r.job.ID, db.JobOutcome{
			Status:        models.JobFailed,
			ProcessorName: ProcessorName,
			Result:        map[string]any{"attempts": r.attemptsValue()},
			ErrorMessage:  &msg,
		}); err != nil && !errors.Is(err, db.ErrJobTerminal) {
			r.logger.Warn("failed to mark job failed", "error", err)
		}
	}
	return res
}

// attemptsValue renders attempts as plain values for the job result.
func (r *run) attemptsValue() []any {
	out := make([]any, len(r.attempts))
	for i, a := range r.attempts {
		m := map[string]any{"step": a.Step, "duration_ms": a.DurationMs}
		if a.Error != "" {
			m["error"] = a.Error
		}
		out[i] = m
	}
	return out
}
