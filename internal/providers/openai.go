package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is one LLM cascade candidate backed by the OpenAI chat
// completions API in JSON mode. The cascade typically stacks several of
// these with decreasing capability/cost, ending in a different vendor.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NewOpenAIProviderWithBaseURL targets an OpenAI-compatible endpoint —
// used for the last-resort different-vendor candidate.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.model
}

// Complete sends a JSON-mode chat completion and returns the raw object.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in %s response", p.model)
	}

	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("%s returned invalid JSON (%d bytes)", p.model, len(content))
	}

	return json.RawMessage(content), nil
}

// classifyOpenAIError sorts client errors into transient (rate limits,
// upstream 5xx, network faults) and terminal (bad request, content policy).
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if isTransientStatus(apiErr.HTTPStatusCode) {
			return Transient(err)
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if isTransientStatus(reqErr.HTTPStatusCode) {
			return Transient(err)
		}
		return err
	}

	// No structured status — a transport-level fault, worth retrying.
	return Transient(err)
}
