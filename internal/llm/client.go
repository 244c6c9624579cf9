// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// CompletionRequest represents a streaming completion request.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	MaxTokens    int
	Temperature  float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream yields text chunks in arrival order. Recv returns io.EOF after
// the last chunk of a cleanly completed response.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream opens a streaming completion.
	CompleteStream(ctx context.Context, req *CompletionRequest) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
)

// Options configures a provider client.
type Options struct {
	APIKey  string
	BaseURL string
	// Referer and Title are sent to OpenRouter for app attribution.
	Referer string
	Title   string
	Timeout time.Duration
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	httpClient := &http.Client{Timeout: opts.Timeout}

	switch provider {
	case ProviderOpenRouter, "":
		return NewOpenRouterClient(opts.APIKey, opts.BaseURL, opts.Referer, opts.Title, httpClient)
	case ProviderOpenAI:
		return NewOpenAIClient(opts.APIKey, opts.BaseURL, httpClient)
	case ProviderAnthropic:
		return NewAnthropicClient(opts.APIKey, opts.BaseURL, httpClient)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
