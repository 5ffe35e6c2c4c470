package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("embed: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isFatalAPIError(tt.err)
			if got != tt.fatal {
				t.Errorf("isFatalAPIError(%v) = %v, want %v", tt.err, got, tt.fatal)
			}
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		if !errors.Is(wrapped, ErrFatalAPI) {
			t.Errorf("expected wrapped error to match ErrFatalAPI")
		}
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		result := wrapFatalError(err)
		if errors.Is(result, ErrFatalAPI) {
			t.Errorf("non-fatal error should not be wrapped with ErrFatalAPI")
		}
		if result != err {
			t.Errorf("expected original error returned, got %v", result)
		}
	})

	t.Run("nil error", func(t *testing.T) {
		result := wrapFatalError(nil)
		if result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})
}

type fakeLLM struct {
	got      []llms.MessageContent
	response string
	err      error
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestCaption(t *testing.T) {
	fake := &fakeLLM{response: "  A bar chart of revenue.\n"}
	m := NewModelFrom(fake, "llava")

	got, err := m.Caption(context.Background(), []byte{1, 2, 3}, "image/png")
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if got != "A bar chart of revenue." {
		t.Errorf("caption = %q", got)
	}

	if len(fake.got) != 1 || len(fake.got[0].Parts) != 2 {
		t.Fatalf("unexpected messages: %+v", fake.got)
	}
	bin, ok := fake.got[0].Parts[0].(llms.BinaryContent)
	if !ok {
		t.Fatalf("first part is %T, want llms.BinaryContent", fake.got[0].Parts[0])
	}
	if bin.MIMEType != "image/png" || len(bin.Data) != 3 {
		t.Errorf("binary part = %s/%d bytes", bin.MIMEType, len(bin.Data))
	}
}

func TestCaptionFatalError(t *testing.T) {
	m := NewModelFrom(&fakeLLM{err: errors.New("HTTP 401: invalid api key")}, "gpt-4o")
	_, err := m.Caption(context.Background(), []byte{1}, "image/jpeg")
	if !errors.Is(err, ErrFatalAPI) {
		t.Errorf("expected ErrFatalAPI, got %v", err)
	}
}
