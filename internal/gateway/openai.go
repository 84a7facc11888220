package gateway

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/antoniostano/merlin/internal/mr"
)

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) ExtractRelation(ctx context.Context, model, systemPrompt string, transcript []mr.Turn) (string, bool, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(transcript)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, turn := range transcript {
		role := openai.ChatMessageRoleUser
		if turn.Role == mr.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: extractionInstruction,
	})

	content, err := c.complete(ctx, model, messages)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	description, found, err := decodeExtraction(content)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return description, found, nil
}

func (c *OpenAIClient) GenerateDriver(ctx context.Context, model, description, language string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: generationSystemPrompt(language)},
		{Role: openai.ChatMessageRoleUser, Content: generationPrompt(description, language)},
	}

	content, err := c.complete(ctx, model, messages)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	driver, err := decodeDriver(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return driver, nil
}

func (c *OpenAIClient) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, error) {
	// JSON mode is requested when the backend supports it, but the decode
	// layer re-validates shape either way.
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty response from the model")
	}
	return content, nil
}
