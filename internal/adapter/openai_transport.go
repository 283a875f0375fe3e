package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const openAIProvider = "openai"

const analysisSystemPrompt = "You are a software supply-chain security analyst. Report concrete, line-referenced findings only."

// OpenAITransport talks to any OpenAI-compatible chat completion API.
type OpenAITransport struct {
	client      *openai.Client
	temperature float32
	maxTokens   int
}

// NewOpenAITransport constructs an OpenAITransport. An empty endpoint keeps
// the library's default base URL.
func NewOpenAITransport(endpoint, credential string, temperature float32, maxTokens int) *OpenAITransport {
	cfg := openai.DefaultConfig(credential)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}

	return &OpenAITransport{
		client:      openai.NewClientWithConfig(cfg),
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// Name implements Transport.
func (o *OpenAITransport) Name() string {
	return openAIProvider
}

// Send implements Transport.
func (o *OpenAITransport) Send(ctx context.Context, prompt, model string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.temperature,
	}

	if o.maxTokens > 0 {
		req.MaxCompletionTokens = o.maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Debug("openai chat completion failed", "model", model, "error", err)
		return "", mapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}

		return &TransportError{
			Provider: openAIProvider,
			Status:   apiErr.HTTPStatusCode,
			Code:     code,
			Message:  apiErr.Message,
			Err:      err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &TransportError{
			Provider: openAIProvider,
			Status:   reqErr.HTTPStatusCode,
			Err:      err,
		}
	}

	return &TransportError{Provider: openAIProvider, Err: err}
}
