package pipeline

import (
	"context"
	"fmt"
	"path"

	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/extract"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/storage"
)

// Step names.
const (
	StepExtraction = "extraction"
	StepConversion = "conversion"
	StepSnapshot   = "snapshot"
)

// StepOutput is what a successful step hands back to the pipeline.
type StepOutput struct {
	Markdown string
	Title    string
	Metadata map[string]any
}

// Step is one conversion strategy. Steps are tried in registration order
// until one produces markdown.
type Step interface {
	Name() string
	CanHandle(t models.ContentType) bool
	Run(ctx context.Context, item *models.ContentItem) (StepOutput, error)
}

// Extractor is the hosted extraction API.
type Extractor interface {
	Extract(ctx context.Context, target string) (*extract.Result, error)
}

// ExtractionStep converts URLs through the hosted extraction API.
type ExtractionStep struct {
	client Extractor
}

// NewExtractionStep creates the step. A nil client disables it, which is
// how a deployment without an API key opts out.
func NewExtractionStep(client Extractor) *ExtractionStep {
	return &ExtractionStep{client: client}
}

func (s *ExtractionStep) Name() string { return StepExtraction }

func (s *ExtractionStep) CanHandle(t models.ContentType) bool {
	return s.client != nil && t == models.ContentTypeURL
}

func (s *ExtractionStep) Run(ctx context.Context, item *models.ContentItem) (StepOutput, error) {
	if item.Source() == "" {
		return StepOutput{}, ErrNoSource
	}
	res, err := s.client.Extract(ctx, item.Source())
	if err != nil {
		return StepOutput{}, err
	}

	meta := map[string]any{"url": res.URL}
	if res.Description != "" {
		meta["description"] = res.Description
	}
	if res.Usage.Tokens > 0 {
		meta[metaTokens] = res.Usage.Tokens
	}
	return StepOutput{Markdown: res.Content, Title: res.Title, Metadata: meta}, nil
}

// Fetcher downloads a URL.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*convert.Page, error)
}

// ConversionStep converts every content type locally: submitted text as
// is, URLs by fetching and converting the page, files by downloading them
// from blob storage.
type ConversionStep struct {
	conv    *convert.Converter
	fetcher Fetcher
	blobs   storage.Storage
}

// NewConversionStep creates the step.
func NewConversionStep(conv *convert.Converter, fetcher Fetcher, blobs storage.Storage) *ConversionStep {
	return &ConversionStep{conv: conv, fetcher: fetcher, blobs: blobs}
}

func (s *ConversionStep) Name() string { return StepConversion }

func (s *ConversionStep) CanHandle(models.ContentType) bool { return true }

func (s *ConversionStep) Run(ctx context.Context, item *models.ContentItem) (StepOutput, error) {
	switch item.Type {
	case models.ContentTypeText:
		if item.RawText == nil {
			if item.Source() != "" {
				return s.convertFile(ctx, item)
			}
			return StepOutput{}, ErrNoRawText
		}
		return StepOutput{
			Markdown: *item.RawText,
			Metadata: map[string]any{"format": string(convert.FormatText)},
		}, nil

	case models.ContentTypeURL:
		return s.convertURL(ctx, item)

	default:
		return s.convertFile(ctx, item)
	}
}

func (s *ConversionStep) convertURL(ctx context.Context, item *models.ContentItem) (StepOutput, error) {
	if item.Source() == "" {
		return StepOutput{}, ErrNoSource
	}
	page, err := s.fetcher.Fetch(ctx, item.Source())
	if err != nil {
		return StepOutput{}, err
	}

	var out *convert.Output
	if page.IsHTML() {
		out, err = s.conv.ConvertHTML(page.Body, page.ContentType, page.URL)
	} else {
		out, err = s.conv.Convert(ctx, convert.Input{Data: page.Body, Filename: page.Filename(), MimeType: page.ContentType})
	}
	if err != nil {
		return StepOutput{}, err
	}
	return toStepOutput(out), nil
}

func (s *ConversionStep) convertFile(ctx context.Context, item *models.ContentItem) (StepOutput, error) {
	src := item.Source()
	if src == "" {
		return StepOutput{}, ErrNoSource
	}

	ok, err := s.blobs.Exists(ctx, src)
	if err != nil {
		return StepOutput{}, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return StepOutput{}, fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}
	data, err := s.blobs.Download(ctx, src)
	if err != nil {
		return StepOutput{}, fmt.Errorf("download source: %w", err)
	}

	mimeType, _ := item.MetaInfo["mime_type"].(string)
	out, err := s.conv.Convert(ctx, convert.Input{Data: data, Filename: path.Base(src), MimeType: mimeType})
	if err != nil {
		return StepOutput{}, err
	}
	return toStepOutput(out), nil
}

func toStepOutput(out *convert.Output) StepOutput {
	return StepOutput{Markdown: out.Markdown, Title: out.Title, Metadata: out.Metadata}
}

// Renderer loads a page in a browser and returns the rendered HTML.
type Renderer interface {
	Snapshot(ctx context.Context, target string) (string, error)
}

// SnapshotStep renders URLs in a headless browser. It is the last resort
// for pages that only produce content after running scripts.
type SnapshotStep struct {
	renderer Renderer
	conv     *convert.Converter
}

// NewSnapshotStep creates the step. A nil renderer disables it.
func NewSnapshotStep(renderer Renderer, conv *convert.Converter) *SnapshotStep {
	return &SnapshotStep{renderer: renderer, conv: conv}
}

func (s *SnapshotStep) Name() string { return StepSnapshot }

func (s *SnapshotStep) CanHandle(t models.ContentType) bool {
	return s.renderer != nil && t == models.ContentTypeURL
}

func (s *SnapshotStep) Run(ctx context.Context, item *models.ContentItem) (StepOutput, error) {
	if item.Source() == "" {
		return StepOutput{}, ErrNoSource
	}
	html, err := s.renderer.Snapshot(ctx, item.Source())
	if err != nil {
		return StepOutput{}, err
	}
	out, err := s.conv.ConvertHTML([]byte(html), "text/html; charset=utf-8", item.Source())
	if err != nil {
		return StepOutput{}, err
	}
	out.Metadata["rendered"] = true
	return toStepOutput(out), nil
}
