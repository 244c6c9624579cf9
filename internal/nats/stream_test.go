package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuki402/agent/internal/model"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakePublisher struct {
	out []published
	err error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.out = append(f.out, published{subject: subject, data: data, opts: len(opts)})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.out))}, nil
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "x402.s1.msg.user", MessageSubject("s1", model.RoleUser))
	assert.Equal(t, "x402.s1.thread.failed", ThreadSubject("s1", model.PaymentFailed))
	assert.Equal(t, "x402.s1.>", SessionFilter("s1"))
	assert.Equal(t, "x402.a_b_c.msg.assistant", MessageSubject("a.b*c", model.RoleAssistant))
	assert.Equal(t, "x402._.>", SessionFilter(""))
}

func TestPublishMessage(t *testing.T) {
	fp := &fakePublisher{}
	m := &StreamManager{pub: fp}

	msg := model.ChatMessage{ID: "m1", Role: model.RoleAssistant, Content: "hello"}
	require.NoError(t, m.PublishMessage(context.Background(), "s1", msg))

	require.Len(t, fp.out, 1)
	assert.Equal(t, "x402.s1.msg.assistant", fp.out[0].subject)
	assert.Equal(t, 1, fp.out[0].opts)

	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(fp.out[0].data, &env))
	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, "hello", env.Message.Content)
}

func TestPublishThread(t *testing.T) {
	fp := &fakePublisher{}
	m := &StreamManager{pub: fp}

	thread := model.PaymentThread{ID: "t1", SessionID: "s1", Status: model.PaymentCompleted, TxRef: "sig"}
	require.NoError(t, m.PublishThread(context.Background(), thread))

	require.Len(t, fp.out, 1)
	assert.Equal(t, "x402.s1.thread.completed", fp.out[0].subject)
	assert.Contains(t, string(fp.out[0].data), `"tx_ref":"sig"`)
}

func TestPublishErrorsAreWrapped(t *testing.T) {
	sentinel := errors.New("no responders")
	m := &StreamManager{pub: &fakePublisher{err: sentinel}}

	err := m.PublishMessage(context.Background(), "s1", model.ChatMessage{Role: model.RoleUser})
	assert.ErrorIs(t, err, sentinel)
	err = m.PublishThread(context.Background(), model.PaymentThread{ID: "t1"})
	assert.ErrorIs(t, err, sentinel)
}
