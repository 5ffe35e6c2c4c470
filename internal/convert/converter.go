// Package convert turns local documents and fetched pages into markdown.
// Office formats are read directly; PDF, image and audio conversion shells
// out to pdftotext, tesseract, ffprobe and a transcription command.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// DefaultMaxInputBytes bounds a single conversion input.
const DefaultMaxInputBytes = 100 << 20

// Format is a document format the converter understands.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatDOCX     Format = "docx"
	FormatPPTX     Format = "pptx"
	FormatXLSX     Format = "xlsx"
	FormatPDF      Format = "pdf"
	FormatImage    Format = "image"
	FormatAudio    Format = "audio"
)

var extFormats = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".csv":      FormatText,
	".log":      FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".xhtml":    FormatHTML,
	".docx":     FormatDOCX,
	".pptx":     FormatPPTX,
	".xlsx":     FormatXLSX,
	".pdf":      FormatPDF,
	".png":      FormatImage,
	".jpg":      FormatImage,
	".jpeg":     FormatImage,
	".gif":      FormatImage,
	".webp":     FormatImage,
	".tif":      FormatImage,
	".tiff":     FormatImage,
	".bmp":      FormatImage,
	".mp3":      FormatAudio,
	".wav":      FormatAudio,
	".m4a":      FormatAudio,
	".ogg":      FormatAudio,
	".flac":     FormatAudio,
	".webm":     FormatAudio,
}

var mimeFormats = map[string]Format{
	"text/plain":            FormatText,
	"text/csv":              FormatText,
	"text/markdown":         FormatMarkdown,
	"text/x-markdown":       FormatMarkdown,
	"text/html":             FormatHTML,
	"application/xhtml+xml": FormatHTML,
	"application/pdf":       FormatPDF,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   FormatDOCX,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": FormatPPTX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         FormatXLSX,
}

// Config holds external tool locations. Empty fields get defaults.
type Config struct {
	Pdftotext     string // binary name or absolute path; if empty -> "pdftotext"
	Tesseract     string // if empty -> "tesseract"
	TesseractLang string // default "eng"
	Ffprobe       string // if empty -> "ffprobe"

	// TranscribeCmd is a command line that receives the audio path as its
	// last argument and prints the transcript. Audio is unsupported without it.
	TranscribeCmd string

	MaxInputBytes int
}

// Captioner describes an image in prose.
type Captioner interface {
	Caption(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Input is one document to convert.
type Input struct {
	Data     []byte
	Filename string
	MimeType string
}

func (in Input) mimeType() string {
	if in.MimeType != "" {
		return in.MimeType
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Filename))); t != "" {
		return t
	}
	return http.DetectContentType(in.Data)
}

// Output is the markdown rendition of a document.
type Output struct {
	Markdown string
	Title    string
	Metadata map[string]any
}

// Converter dispatches documents to a format-specific converter.
type Converter struct {
	cfg       Config
	runner    Runner
	captioner Captioner
	logger    *slog.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithRunner replaces the external command runner.
func WithRunner(r Runner) Option {
	return func(c *Converter) { c.runner = r }
}

// WithCaptioner enables image descriptions.
func WithCaptioner(cp Captioner) Option {
	return func(c *Converter) { c.captioner = cp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Converter) { c.logger = l }
}

// New creates a Converter.
func New(cfg Config, opts ...Option) *Converter {
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.Ffprobe == "" {
		cfg.Ffprobe = "ffprobe"
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultMaxInputBytes
	}

	c := &Converter{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = execRunner{logger: c.logger}
	}
	return c
}

// FormatFromName maps a file name to a format by its extension.
func FormatFromName(name string) (Format, bool) {
	f, ok := extFormats[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// DetectFormat picks a format from the file extension, then the MIME type,
// then by sniffing the content.
func DetectFormat(in Input) (Format, error) {
	if f, ok := FormatFromName(in.Filename); ok {
		return f, nil
	}

	for _, ct := range []string{in.MimeType, http.DetectContentType(in.Data)} {
		if ct == "" {
			continue
		}
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			continue
		}
		if f, ok := mimeFormats[mt]; ok {
			return f, nil
		}
		switch {
		case strings.HasPrefix(mt, "image/"):
			return FormatImage, nil
		case strings.HasPrefix(mt, "audio/"):
			return FormatAudio, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, describeInput(in))
}

func describeInput(in Input) string {
	if ext := filepath.Ext(in.Filename); ext != "" {
		return ext
	}
	if in.MimeType != "" {
		return in.MimeType
	}
	return "unknown"
}

// Convert converts one document to markdown.
func (c *Converter) Convert(ctx context.Context, in Input) (*Output, error) {
	if len(in.Data) > c.cfg.MaxInputBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(in.Data))
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrNoText)
	}

	format, err := DetectFormat(in)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("converting document", "file", in.Filename, "format", format, "bytes", len(in.Data))

	var out *Output
	switch format {
	case FormatText, FormatMarkdown:
		out, err = c.textToMarkdown(in, format)
	case FormatHTML:
		out, err = c.ConvertHTML(in.Data, in.mimeType(), "")
	case FormatDOCX:
		out, err = docxToMarkdown(in.Data)
	case FormatPPTX:
		out, err = pptxToMarkdown(in.Data)
	case FormatXLSX:
		out, err = xlsxToMarkdown(in.Data)
	case FormatPDF:
		out, err = c.pdfToMarkdown(ctx, in)
	case FormatImage:
		out, err = c.imageToMarkdown(ctx, in)
	case FormatAudio:
		out, err = c.audioToMarkdown(ctx, in)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", format, err)
	}
	if out.Title == "" {
		out.Title = baseTitle(in.Filename)
	}
	return out, nil
}

// ConvertHTML decodes an HTML page and converts it to markdown.
func (c *Converter) ConvertHTML(raw []byte, contentType, pageURL string) (*Output, error) {
	doc, enc := DecodeText(raw, contentType)
	md, title, err := HTMLToMarkdown(doc, pageURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(md) == "" {
		return nil, fmt.Errorf("%w: page has no content", ErrNoText)
	}
	meta := map[string]any{"format": string(FormatHTML), "encoding": enc}
	if pageURL != "" {
		meta["url"] = pageURL
	}
	return &Output{Markdown: md, Title: title, Metadata: meta}, nil
}

func (c *Converter) textToMarkdown(in Input, format Format) (*Output, error) {
	text, enc := DecodeText(in.Data, in.MimeType)
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoText
	}
	return &Output{
		Markdown: text,
		Metadata: map[string]any{"format": string(format), "encoding": enc},
	}, nil
}
