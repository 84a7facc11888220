package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/merlin/internal/mr"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient talks to the generateContent API. The wire format differs
// from chat completions (contents with user/model roles, a separate
// systemInstruction) but the gateway contract is identical.
type GeminiClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGeminiClient(baseURL, apiKey string) *GeminiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) ExtractRelation(ctx context.Context, model, systemPrompt string, transcript []mr.Turn) (string, bool, error) {
	contents := make([]geminiContent, 0, len(transcript)+1)
	for _, turn := range transcript {
		role := "user"
		if turn.Role == mr.RoleModel {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: extractionInstruction}},
	})

	text, err := c.generate(ctx, model, geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          contents,
		GenerationConfig:  &geminiGenerationConfig{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	description, found, err := decodeExtraction(text)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return description, found, nil
}

func (c *GeminiClient) GenerateDriver(ctx context.Context, model, description, language string) (string, error) {
	text, err := c.generate(ctx, model, geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: generationSystemPrompt(language)}}},
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: generationPrompt(description, language)}},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	driver, err := decodeDriver(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return driver, nil
}

func (c *GeminiClient) generate(ctx context.Context, model string, req geminiRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("gemini http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from the model")
	}
	text := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("empty response from the model")
	}
	return text, nil
}
