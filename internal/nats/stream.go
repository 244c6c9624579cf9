package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yuki402/agent/internal/model"
)

const (
	// StreamName is the name of the agent event stream.
	StreamName = "X402_AGENT"

	// SubjectPrefix is the prefix for all agent subjects.
	SubjectPrefix = "x402"
)

// publisher is the part of jetstream.JetStream used for mirroring.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	pub    publisher
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client, pub: client.JetStream()}
}

// EnsureStream ensures the agent stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat transcript messages and payment threads",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// MessageSubject returns the subject for a transcript message.
func MessageSubject(sessionID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, subjectToken(sessionID), subjectToken(string(role)))
}

// ThreadSubject returns the subject for a payment thread.
func ThreadSubject(sessionID string, status model.PaymentStatus) string {
	return fmt.Sprintf("%s.%s.thread.%s", SubjectPrefix, subjectToken(sessionID), subjectToken(string(status)))
}

// SessionFilter returns the filter subject for everything in a session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(sessionID))
}

// MessageEnvelope is the payload published for a transcript message.
type MessageEnvelope struct {
	SessionID string            `json:"session_id"`
	Message   model.ChatMessage `json:"message"`
}

// PublishMessage publishes a transcript message to JetStream. The message
// id doubles as the deduplication id.
func (m *StreamManager) PublishMessage(ctx context.Context, sessionID string, msg model.ChatMessage) error {
	data, err := json.Marshal(MessageEnvelope{SessionID: sessionID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID("msg:"+msg.ID))
	}
	if _, err := m.pub.Publish(ctx, MessageSubject(sessionID, msg.Role), data, opts...); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishThread publishes a terminal payment thread to JetStream.
func (m *StreamManager) PublishThread(ctx context.Context, thread model.PaymentThread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}

	subject := ThreadSubject(thread.SessionID, thread.Status)
	if _, err := m.pub.Publish(ctx, subject, data, jetstream.WithMsgID("thread:"+thread.ID)); err != nil {
		return fmt.Errorf("failed to publish thread: %w", err)
	}
	return nil
}
