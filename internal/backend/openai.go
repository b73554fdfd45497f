package backend

import (
	"context"
	"fmt"
	"strings"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// OpenAI completes prompts with an OpenAI-compatible chat completions API.
// Grok uses the same wire format under a different name and base URL.
type OpenAI struct {
	name   string
	url    string
	apiKey string
	model  string
	c      *client
}

// NewOpenAI creates an OpenAI-compatible backend. apiKey is required.
func NewOpenAI(name, baseURL, apiKey, model string, opts Options) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key not set", name)
	}
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &OpenAI{
		name:   name,
		url:    strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		apiKey: apiKey,
		model:  model,
		c:      newClient(opts),
	}, nil
}

// Name implements Completer.
func (o *OpenAI) Name() string { return o.name + ":" + o.model }

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := OpenAIRequest{
		Model:    o.model,
		Messages: []map[string]string{{"role": "user", "content": prompt}},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var apiResp OpenAIResponse
	if err := o.c.postJSON(ctx, o.name+"_api_call", o.url, headers, reqBody, &apiResp); err != nil {
		return "", err
	}

	if len(apiResp.Choices) > 0 {
		return apiResp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("empty response from %s", o.name)
}
