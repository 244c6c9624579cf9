// Package service provides the chat session controller.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/llm"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
	"github.com/yuki402/agent/pkg/tracing"
)

// GenerationOptions are the fixed tuning parameters of every model call.
type GenerationOptions struct {
	Model           string
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
	MaxDuration     time.Duration
}

// DefaultGenerationOptions returns the production tuning parameters.
func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		Model:           llm.DefaultOpenRouterModel,
		Temperature:     0.7,
		MaxOutputTokens: 6000,
		MaxDuration:     120 * time.Second,
	}
}

// chunkBuffer is the number of chunks buffered ahead of a slow reader.
const chunkBuffer = 64

// Turn is one in-flight chat request. Chunks has a single consumer and is
// closed when the turn ends; Wait returns the outcome.
type Turn struct {
	id     string
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	result model.ChatMessage
	err    error
}

// ID returns the id the assistant message will carry.
func (t *Turn) ID() string { return t.id }

// Chunks returns the output chunks in arrival order.
func (t *Turn) Chunks() <-chan string { return t.chunks }

// Done is closed once the turn has ended and observers have run.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn ends and returns the appended assistant
// message, or the failure.
func (t *Turn) Wait() (model.ChatMessage, error) {
	<-t.done
	return t.result, t.err
}

// Cancel stops the turn. A cancelled turn ends in error and appends nothing.
func (t *Turn) Cancel() { t.cancel() }

// ChatSession streams chat turns to a model provider and owns the session
// transcript. At most one turn is in flight at a time.
type ChatSession struct {
	id     string
	client llm.Client
	gen    GenerationOptions
	logger *logger.Logger

	mu         sync.Mutex
	status     model.StreamStatus
	transcript *model.Transcript
	lastErr    error
	observers  []func(model.ChatMessage)
}

// NewChatSession creates an idle session.
func NewChatSession(id string, client llm.Client, gen GenerationOptions, log *logger.Logger) *ChatSession {
	if log == nil {
		log = logger.NewNop()
	}
	if gen.MaxDuration <= 0 {
		gen.MaxDuration = DefaultGenerationOptions().MaxDuration
	}
	return &ChatSession{
		id:         id,
		client:     client,
		gen:        gen,
		logger:     log.With(zap.String("session_id", id)),
		status:     model.StatusIdle,
		transcript: model.NewTranscript(),
	}
}

// OnAppend registers fn to run after each message is appended to the
// transcript. Assistant appends are observed before the turn's Wait returns.
func (s *ChatSession) OnAppend(fn func(model.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// ID returns the session id.
func (s *ChatSession) ID() string { return s.id }

// Status returns the current stream status.
func (s *ChatSession) Status() model.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the failure of the most recent turn, if it failed.
func (s *ChatSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript returns a copy of the session transcript.
func (s *ChatSession) Transcript() []model.ChatMessage {
	return s.transcript.Messages()
}

// Send dispatches transcript as the model context and returns the running
// turn. The last user message of transcript joins the session transcript.
func (s *ChatSession) Send(ctx context.Context, transcript []model.ChatMessage) (*Turn, error) {
	if len(transcript) == 0 {
		return nil, ErrEmptyTranscript
	}

	s.mu.Lock()
	if s.status.InFlight() {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}

	userMsg, hasUser := s.appendUserLocked(transcript)

	req := &llm.CompletionRequest{
		Model:        s.gen.Model,
		SystemPrompt: s.gen.SystemPrompt,
		Messages:     toLLMMessages(transcript),
		MaxTokens:    s.gen.MaxOutputTokens,
		Temperature:  s.gen.Temperature,
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.gen.MaxDuration)
	turn := &Turn{
		id:     uuid.Must(uuid.NewV7()).String(),
		chunks: make(chan string, chunkBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	s.status = model.StatusSubmitted
	s.lastErr = nil
	observers := append([]func(model.ChatMessage){}, s.observers...)
	s.mu.Unlock()

	if hasUser {
		for _, fn := range observers {
			fn(userMsg)
		}
	}

	s.logger.Info("chat turn submitted",
		zap.String("turn_id", turn.id),
		zap.Int("context_messages", len(transcript)),
	)

	go s.run(turnCtx, turn, req)
	return turn, nil
}

// appendUserLocked records the newest user message. A message whose id is
// already in the transcript is a client retry and is not appended again.
func (s *ChatSession) appendUserLocked(transcript []model.ChatMessage) (model.ChatMessage, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		msg := transcript[i]
		if msg.Role != model.RoleUser {
			continue
		}
		if msg.ID == "" {
			msg.ID = uuid.Must(uuid.NewV7()).String()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if err := s.transcript.Append(msg); err != nil {
			return model.ChatMessage{}, false
		}
		return msg, true
	}
	return model.ChatMessage{}, false
}

func (s *ChatSession) run(ctx context.Context, turn *Turn, req *llm.CompletionRequest) {
	defer turn.cancel()

	ctx, span := tracing.Tracer().Start(ctx, "chat.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.session_id", s.id),
		attribute.String("chat.turn_id", turn.id),
		attribute.String("llm.model", req.Model),
	)

	start := time.Now()
	var (
		content strings.Builder
		chunks  int
	)

	fail := func(op string, err error) {
		err = &StreamError{Op: op, Err: s.cause(ctx, err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.finish(turn, "", chunks, start, err)
	}

	stream, err := s.client.CompleteStream(ctx, req)
	if err != nil {
		fail("open", err)
		return
	}

	// Closing the stream unblocks a Recv stuck past the deadline.
	closeStream := sync.OnceFunc(func() { stream.Close() })
	stopAfter := context.AfterFunc(ctx, closeStream)
	defer func() {
		stopAfter()
		closeStream()
	}()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail("recv", err)
			return
		}
		if ctx.Err() != nil {
			fail("recv", ctx.Err())
			return
		}

		if chunks == 0 {
			s.markStreaming(turn.id)
		}
		chunks++
		content.WriteString(chunk)

		select {
		case turn.chunks <- chunk:
		case <-ctx.Done():
			fail("deliver", ctx.Err())
			return
		}
	}

	if ctx.Err() != nil {
		fail("recv", ctx.Err())
		return
	}
	s.finish(turn, content.String(), chunks, start, nil)
}

// cause maps context expiry to the session's own sentinels.
func (s *ChatSession) cause(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrSessionTimeout, s.gen.MaxDuration)
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrTurnCancelled
	default:
		return err
	}
}

func (s *ChatSession) markStreaming(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Precedes(model.StatusStreaming) {
		s.status = model.StatusStreaming
		s.logger.Debug("chat turn streaming", zap.String("turn_id", turnID))
	}
}

// finish moves the session to its terminal status, appends the completed
// assistant message once and runs observers before releasing waiters.
func (s *ChatSession) finish(turn *Turn, content string, chunks int, start time.Time, err error) {
	elapsed := time.Since(start)

	var msg model.ChatMessage
	s.mu.Lock()
	if err == nil {
		msg = model.ChatMessage{
			ID:        turn.id,
			Role:      model.RoleAssistant,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		if appendErr := s.transcript.Append(msg); appendErr != nil && !errors.Is(appendErr, model.ErrDuplicateMessage) {
			err = &StreamError{Op: "append", Err: appendErr}
		}
	}
	if err == nil {
		s.status = model.StatusReady
	} else {
		s.status = model.StatusError
		s.lastErr = err
		msg = model.ChatMessage{}
	}
	observers := append([]func(model.ChatMessage){}, s.observers...)
	s.mu.Unlock()

	close(turn.chunks)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Warn("chat turn failed",
			zap.String("turn_id", turn.id),
			zap.Int("chunks", chunks),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		s.logger.Info("chat turn completed",
			zap.String("turn_id", turn.id),
			zap.Int("chunks", chunks),
			zap.Int("content_length", len(content)),
			zap.Duration("elapsed", elapsed),
		)
		for _, fn := range observers {
			fn(msg)
		}
	}
	metrics.RecordLLMStream(s.gen.Model, status, elapsed.Seconds(), chunks)

	turn.result, turn.err = msg, err
	close(turn.done)
}

func toLLMMessages(msgs []model.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = llm.ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
