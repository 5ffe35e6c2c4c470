// Package llm describes images with a multimodal model through langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/distill/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrFatalAPI marks provider errors that retrying will not fix
// (billing, quota, credentials).
var ErrFatalAPI = errors.New("fatal LLM API error")

const captionPrompt = `Describe this image for a search index.
State what it shows in two or three sentences. If it contains a chart, diagram or screenshot, summarize the information it conveys.
Do not transcribe long passages of text; a separate OCR pass handles that.`

// Model wraps a langchaingo model for image captions.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates an LLM model based on configuration.
func NewModel(cfg config.Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.LLMModel,
	}, nil
}

// NewModelFrom wraps an existing langchaingo model.
func NewModelFrom(m llms.Model, name string) *Model {
	return &Model{llm: m, modelName: name}
}

// Caption returns a short prose description of an image.
func (m *Model) Caption(ctx context.Context, image []byte, mimeType string) (string, error) {
	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart(mimeType, image),
				llms.TextPart(captionPrompt),
			},
		},
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(300))
	if err != nil {
		slog.Warn("caption failed", "model", m.modelName, "bytes", len(image), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return "", fmt.Errorf("caption: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	slog.Debug("caption complete", "model", m.modelName, "bytes", len(image), "duration_ms", time.Since(start).Milliseconds())
	return strings.TrimSpace(response.Choices[0].Content), nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return err
}
