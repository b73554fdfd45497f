package backend

import (
	"context"
	"strings"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Ollama completes prompts with a local Ollama server.
type Ollama struct {
	url   string
	model string
	c     *client
}

// NewOllama creates an Ollama backend. An empty baseURL means
// DefaultOllamaURL.
func NewOllama(baseURL, model string, opts Options) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &Ollama{
		url:   strings.TrimRight(baseURL, "/") + "/api/chat",
		model: model,
		c:     newClient(opts),
	}
}

// Name implements Completer.
func (o *Ollama) Name() string { return NameOllama + ":" + o.model }

// Complete implements Completer.
func (o *Ollama) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := OllamaRequest{
		Model:    o.model,
		Messages: []map[string]string{{"role": "user", "content": prompt}},
		Stream:   false,
	}

	var apiResp OllamaResponse
	if err := o.c.postJSON(ctx, "ollama_api_call", o.url, nil, reqBody, &apiResp); err != nil {
		return "", err
	}

	return apiResp.Message.Content, nil
}
