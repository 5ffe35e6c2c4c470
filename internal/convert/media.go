package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// withTempFile writes data to a temporary file for the external tools,
// which only accept paths.
func withTempFile(data []byte, ext string, fn func(path string) error) error {
	f, err := os.CreateTemp("", "distill-*"+ext)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return fn(f.Name())
}

func (c *Converter) pdfToMarkdown(ctx context.Context, in Input) (*Output, error) {
	var text string
	var pages int
	err := withTempFile(in.Data, ".pdf", func(path string) error {
		out, errb, err := c.runner.Run(ctx, c.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
		if err != nil {
			return fmt.Errorf("pdftotext: %w: %s", err, truncate(string(errb), 300))
		}
		// pdftotext separates pages with form feeds.
		parts := strings.Split(string(out), "\f")
		var kept []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				kept = append(kept, s)
			}
		}
		pages = len(parts)
		if pages > 1 && strings.TrimSpace(parts[pages-1]) == "" {
			pages--
		}
		text = strings.Join(kept, "\n\n")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("%w: pdf has no text layer", ErrNoText)
	}

	return &Output{
		Markdown: text,
		Title:    baseTitle(in.Filename),
		Metadata: map[string]any{
			"format": string(FormatPDF),
			"pages":  pages,
		},
	}, nil
}

func (c *Converter) imageToMarkdown(ctx context.Context, in Input) (*Output, error) {
	var ocrText string
	err := withTempFile(in.Data, filepath.Ext(in.Filename), func(path string) error {
		out, errb, err := c.runner.Run(ctx, c.cfg.Tesseract, path, "stdout", "-l", c.cfg.TesseractLang)
		if err != nil {
			return fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 300))
		}
		ocrText = strings.TrimSpace(string(out))
		return nil
	})
	if err != nil {
		return nil, err
	}

	var caption string
	if c.captioner != nil {
		caption, err = c.captioner.Caption(ctx, in.Data, in.mimeType())
		if err != nil {
			// OCR text alone is still a usable result.
			c.logger.Warn("image caption failed", "file", in.Filename, "error", err)
		}
		caption = strings.TrimSpace(caption)
	}

	if ocrText == "" && caption == "" {
		return nil, fmt.Errorf("%w: image has no recognizable text", ErrNoText)
	}

	title := baseTitle(in.Filename)
	var b strings.Builder
	writeBlock(&b, "# "+title)
	if caption != "" {
		writeBlock(&b, caption)
	}
	if ocrText != "" {
		writeBlock(&b, "## Text")
		writeBlock(&b, ocrText)
	}

	return &Output{
		Markdown: b.String(),
		Title:    title,
		Metadata: map[string]any{
			"format":      string(FormatImage),
			"has_caption": caption != "",
			"ocr_chars":   len([]rune(ocrText)),
		},
	}, nil
}

type probeResult struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		BitRate    string            `json:"bit_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
}

func (c *Converter) audioToMarkdown(ctx context.Context, in Input) (*Output, error) {
	if c.cfg.TranscribeCmd == "" {
		return nil, ErrNoTranscriber
	}

	meta := map[string]any{"format": string(FormatAudio)}
	title := baseTitle(in.Filename)
	var transcript string

	err := withTempFile(in.Data, filepath.Ext(in.Filename), func(path string) error {
		out, _, err := c.runner.Run(ctx, c.cfg.Ffprobe, "-v", "quiet", "-print_format", "json", "-show_format", path)
		if err != nil {
			c.logger.Warn("ffprobe failed", "file", in.Filename, "error", err)
		} else {
			var probe probeResult
			if err := json.Unmarshal(out, &probe); err == nil {
				applyProbe(meta, probe)
				if t := strings.TrimSpace(probe.Format.Tags["title"]); t != "" {
					title = t
				}
			}
		}

		fields := strings.Fields(c.cfg.TranscribeCmd)
		args := append(fields[1:], path)
		out, errb, err := c.runner.Run(ctx, fields[0], args...)
		if err != nil {
			return fmt.Errorf("transcribe: %w: %s", err, truncate(string(errb), 300))
		}
		transcript = strings.TrimSpace(string(out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transcript == "" {
		return nil, fmt.Errorf("%w: empty transcript", ErrNoText)
	}

	var b strings.Builder
	writeBlock(&b, "# "+title)
	if d, ok := meta["duration_seconds"].(float64); ok {
		writeBlock(&b, "Duration: "+(time.Duration(d*float64(time.Second))).Round(time.Second).String())
	}
	writeBlock(&b, "## Transcript")
	writeBlock(&b, transcript)

	return &Output{Markdown: b.String(), Title: title, Metadata: meta}, nil
}

func applyProbe(meta map[string]any, p probeResult) {
	if p.Format.FormatName != "" {
		meta["container"] = p.Format.FormatName
	}
	if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
		meta["duration_seconds"] = d
	}
	if br, err := strconv.Atoi(p.Format.BitRate); err == nil {
		meta["bit_rate"] = br
	}
	if a := p.Format.Tags["artist"]; a != "" {
		meta["artist"] = a
	}
}

func baseTitle(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
