package llm

import (
	"errors"
	"net/http"
)

// OpenRouterBaseURL is the OpenRouter OpenAI-compatible endpoint.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// DefaultOpenRouterModel is the model used when none is configured.
const DefaultOpenRouterModel = "google/gemini-3-flash-preview"

// attributionTransport injects OpenRouter app attribution headers into
// every request.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.referer != "" {
		clone.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		clone.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(clone)
}

// NewOpenRouterClient creates an OpenAI-compatible client for OpenRouter.
func NewOpenRouterClient(apiKey, baseURL, referer, title string, httpClient *http.Client) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}

	client := &http.Client{}
	if httpClient != nil {
		copied := *httpClient
		client = &copied
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = &attributionTransport{base: base, referer: referer, title: title}

	return newOpenAICompatible("openrouter", apiKey, baseURL, client), nil
}
