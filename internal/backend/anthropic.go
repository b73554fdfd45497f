package backend

import (
	"context"
	"fmt"
	"strings"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent represents one content block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      map[string]any     `json:"usage"`
}

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	url    string
	apiKey string
	model  string
	c      *client
}

// NewAnthropic creates an Anthropic backend. apiKey is required.
func NewAnthropic(baseURL, apiKey, model string, opts Options) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		url:    strings.TrimRight(baseURL, "/") + "/v1/messages",
		apiKey: apiKey,
		model:  model,
		c:      newClient(opts),
	}, nil
}

// Name implements Completer.
func (a *Anthropic) Name() string { return NameAnthropic + ":" + a.model }

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := AnthropicRequest{
		Model:     a.model,
		MaxTokens: 1024,
		Messages:  []AnthropicMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var apiResp AnthropicResponse
	if err := a.c.postJSON(ctx, "anthropic_api_call", a.url, headers, reqBody, &apiResp); err != nil {
		return "", err
	}

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return content.Text, nil
		}
	}

	return "", fmt.Errorf("empty response from Anthropic")
}
