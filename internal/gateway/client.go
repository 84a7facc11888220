package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/merlin/internal/mr"
)

// ErrExtraction and ErrGeneration classify gateway failures for the
// pipeline. Transport errors, non-JSON bodies and schema violations all wrap
// one of these; the gateway never retries.
var (
	ErrExtraction = errors.New("relation extraction failed")
	ErrGeneration = errors.New("driver generation failed")
)

// Client is the model gateway contract: two blocking round trips to a
// text-generation backend. Extraction yields at most one new relation per
// call; generation turns a relation description into driver source.
type Client interface {
	// ExtractRelation replays the transcript under the given system prompt
	// and asks for one new metamorphic relation as strict JSON. found is
	// false when the backend returns an empty object or an empty
	// description, which is a normal outcome rather than an error.
	ExtractRelation(ctx context.Context, model, systemPrompt string, transcript []mr.Turn) (description string, found bool, err error)

	// GenerateDriver asks for a self-contained test driver in the requested
	// language, as strict JSON. The driver text is returned as-is: never
	// executed, never syntax-checked.
	GenerateDriver(ctx context.Context, model, description, language string) (driver string, err error)
}

// Config controls client construction.
type Config struct {
	Mode string

	OpenAIBaseURL string
	OpenAIAPIKey  string

	GeminiBaseURL string
	GeminiAPIKey  string
}

// NewClient builds a gateway client for the configured provider mode.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
		}
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			return NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey), nil
		}
		return NewMockClient(), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini api key is required for gemini mode")
		}
		return NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}
