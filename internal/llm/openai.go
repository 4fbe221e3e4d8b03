package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"lab-assistant/pkg"
)

// DefaultBaseURL is Google's OpenAI-compatible endpoint for Gemini models.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// Generator turns one prompt into generated text.  Implementations return a
// *pkg.GenerationError when the upstream call fails or yields nothing.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config selects the endpoint, credential and model.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIClient calls an OpenAI-compatible chat completion endpoint with a
// single user message per prompt.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIClient constructs the client.  A missing API key is a
// configuration error: the service must not start without one.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &pkg.ConfigError{Key: "llm.api_key", Message: "API key is not set"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, &pkg.ConfigError{Key: "llm.model", Message: "model is not set"}
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate sends the prompt and returns the first choice's content.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.client == nil {
		return "", &pkg.GenerationError{Detail: "client not initialized"}
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", &pkg.GenerationError{Detail: upstreamDetail(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &pkg.GenerationError{Detail: "empty response: no choices returned"}
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", &pkg.GenerationError{Detail: "empty response: model returned no text"}
	}
	return text, nil
}

func upstreamDetail(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return "upstream returned an error: " + apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return "upstream request failed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream call timed out"
	}
	return "upstream call failed"
}
