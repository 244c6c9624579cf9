package service

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/yuki402/agent/internal/llm"
)

// fakeStream replays chunks. When gates are set, Recv waits on gates[i]
// before returning chunk i; hang blocks after the last chunk until Close.
type fakeStream struct {
	mu     sync.Mutex
	chunks []string
	gates  map[int]chan struct{}
	err    error
	hang   bool
	next   int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(chunks ...string) *fakeStream {
	return &fakeStream{chunks: chunks, gates: map[int]chan struct{}{}, closed: make(chan struct{})}
}

func (s *fakeStream) gate(i int) chan struct{} {
	ch := make(chan struct{})
	s.gates[i] = ch
	return ch
}

func (s *fakeStream) Recv() (string, error) {
	s.mu.Lock()
	i := s.next
	s.next++
	s.mu.Unlock()

	if g, ok := s.gates[i]; ok {
		select {
		case <-g:
		case <-s.closed:
			return "", errors.New("stream closed")
		}
	}
	if i < len(s.chunks) {
		return s.chunks[i], nil
	}
	if s.hang {
		<-s.closed
		return "", errors.New("stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeLLM struct {
	mu       sync.Mutex
	requests []*llm.CompletionRequest
	open     func(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error)
}

func (f *fakeLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.open(ctx, req)
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) lastRequest() *llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// replying returns a client answering every request with chunks.
func replying(chunks ...string) *fakeLLM {
	return &fakeLLM{open: func(context.Context, *llm.CompletionRequest) (llm.Stream, error) {
		return newFakeStream(chunks...), nil
	}}
}

func streaming(s *fakeStream) *fakeLLM {
	return &fakeLLM{open: func(context.Context, *llm.CompletionRequest) (llm.Stream, error) {
		return s, nil
	}}
}
