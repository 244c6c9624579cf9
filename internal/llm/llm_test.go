package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

func sseServer(t *testing.T, chunks []string, check func(r *http.Request, body capturedRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body capturedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(r, body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"model":   "m",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func TestOpenRouterStreamsChunksInOrder(t *testing.T) {
	srv := sseServer(t, []string{"Hel", "lo", " there"}, func(r *http.Request, body capturedRequest) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.Equal(t, "https://yuki402.xyz", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Yuki402", r.Header.Get("X-Title"))

		assert.Equal(t, DefaultOpenRouterModel, body.Model)
		assert.True(t, body.Stream)
		assert.Equal(t, 6000, body.MaxTokens)
		assert.InDelta(t, 0.7, body.Temperature, 0.001)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, ChatMessage{Role: "system", Content: "You are Yuki."}, body.Messages[0])
			assert.Equal(t, ChatMessage{Role: "user", Content: "hi"}, body.Messages[1])
		}
	})

	client, err := NewClient(ProviderOpenRouter, Options{
		APIKey:  "or-key",
		BaseURL: srv.URL,
		Referer: "https://yuki402.xyz",
		Title:   "Yuki402",
	})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", client.Name())

	stream, err := client.CompleteStream(context.Background(), &CompletionRequest{
		Model:        DefaultOpenRouterModel,
		SystemPrompt: "You are Yuki.",
		Messages:     []ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens:    6000,
		Temperature:  0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " there"}, drain(t, stream))
}

func TestOpenAIOmitsEmptySystemPrompt(t *testing.T) {
	srv := sseServer(t, []string{"ok"}, func(_ *http.Request, body capturedRequest) {
		if assert.Len(t, body.Messages, 1) {
			assert.Equal(t, "user", body.Messages[0].Role)
		}
	})

	client, err := NewOpenAIClient("sk-test", srv.URL, nil)
	require.NoError(t, err)

	stream, err := client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, drain(t, stream))
}

func TestProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"auth"}}`)
	}))
	defer srv.Close()

	client, err := NewOpenRouterClient("bad", srv.URL, "", "", nil)
	require.NoError(t, err)

	_, err = client.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ProviderOpenRouter, Options{})
	assert.Error(t, err)
	_, err = NewClient(ProviderOpenAI, Options{})
	assert.Error(t, err)
	_, err = NewClient(ProviderAnthropic, Options{})
	assert.Error(t, err)
	_, err = NewClient("gemini", Options{APIKey: "k"})
	assert.Error(t, err)

	c, err := NewClient(ProviderAnthropic, Options{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
}

type fakeClient struct {
	calls int
	err   error
}

func (f *fakeClient) CompleteStream(context.Context, *CompletionRequest) (Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeClient) Name() string { return "fake" }

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &fakeClient{err: errors.New("provider down")}
	cb := NewBreakerClient(inner, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, nil)
	assert.Equal(t, "fake", cb.Name())

	for i := 0; i < 3; i++ {
		_, err := cb.CompleteStream(context.Background(), &CompletionRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider down")
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.CompleteStream(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &fakeClient{err: context.Canceled}
	cb := NewBreakerClient(inner, BreakerConfig{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := cb.CompleteStream(context.Background(), &CompletionRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
