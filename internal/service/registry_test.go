package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/llm"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/pkg/clock"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []model.ChatMessage
	threads  []model.PaymentThread
}

func (p *recordingPublisher) PublishMessage(_ context.Context, _ string, msg model.ChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) PublishThread(_ context.Context, thread model.PaymentThread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, thread)
	return nil
}

func newTestRegistry(t *testing.T, client llm.Client, clk *clock.FakeClock, store cooldown.Store, mutate ...func(*RegistryConfig)) *Registry {
	t.Helper()
	cfg := RegistryConfig{
		LLM:            client,
		Generation:     testGeneration(),
		CooldownStore:  store,
		CooldownWindow: 60 * time.Second,
		Clock:          clk,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func rawUser(content string) []model.RawMessage {
	return []model.RawMessage{{Role: model.RoleUser, Parts: []model.Part{{Type: "text", Text: content}}}}
}

func TestOpenStartsCooldown(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(t, replying("hello"), clk, cooldown.NewMemoryStore())

	c, err := r.Get("s1")
	require.NoError(t, err)

	turn, err := c.Open(context.Background(), rawUser("hi"))
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)

	_, err = c.Open(context.Background(), rawUser("again"))
	var ce *CooldownError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.Equal(t, 60, ce.Remaining)

	clk.Advance(60 * time.Second)
	turn, err = c.Open(context.Background(), rawUser("again"))
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)
}

func TestOpenNormalizesParts(t *testing.T) {
	client := replying("ok")
	r := newTestRegistry(t, client, clock.Fake(time.Now()), nil)
	c, err := r.Get("s1")
	require.NoError(t, err)

	turn, err := c.Open(context.Background(), []model.RawMessage{
		{Role: model.RoleUser, Content: "flat", Parts: []model.Part{{Type: "text", Text: "from parts"}}},
	})
	require.NoError(t, err)
	_, _ = turn.Wait()

	assert.Equal(t, []llm.ChatMessage{{Role: "user", Content: "from parts"}}, client.lastRequest().Messages)
}

func TestFailedDispatchDoesNotStartCooldown(t *testing.T) {
	r := newTestRegistry(t, replying("ok"), clock.Fake(time.Now()), nil)
	c, err := r.Get("s1")
	require.NoError(t, err)

	_, err = c.Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyTranscript)
	assert.True(t, c.Gate().Admit())
}

func TestCooldownSurvivesRegistryRestart(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := cooldown.NewMemoryStore()

	first, err := NewRegistry(RegistryConfig{LLM: replying("ok"), CooldownStore: store, Clock: clk})
	require.NoError(t, err)
	c, err := first.Get("s1")
	require.NoError(t, err)
	turn, err := c.Open(context.Background(), rawUser("hi"))
	require.NoError(t, err)
	_, _ = turn.Wait()
	first.Close()

	clk.Advance(10 * time.Second)

	second := newTestRegistry(t, replying("ok"), clk, store)
	c2, err := second.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 50, c2.Gate().Remaining())
	_, err = c2.Open(context.Background(), rawUser("hi"))
	assert.ErrorIs(t, err, ErrCooldownActive)
}

func TestAssistantMarkersQueuePayments(t *testing.T) {
	reply := "This API needs payment.\n```x402\n{\"endpoint\":\"https://api.example.com/report\",\"amount\":\"0.05 SOL\"}\n```\n" +
		"```x402\n{\"endpoint\":\"https://api.example.com/extra\",\"base_units\":10000000,\"symbol\":\"SOL\"}\n```"
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	r := newTestRegistry(t, replying(reply), clk, nil, func(cfg *RegistryConfig) {
		cfg.Publisher = pub
		cfg.Submitter = payment.SubmitterFunc(func(context.Context, payment.Order) (payment.Receipt, error) {
			return payment.Receipt{TxRef: "sig"}, nil
		})
	})

	c, err := r.Get("s1")
	require.NoError(t, err)
	turn, err := c.Open(context.Background(), rawUser("get the report"))
	require.NoError(t, err)
	msg, err := turn.Wait()
	require.NoError(t, err)

	reqs := c.Payments(msg.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, "0.05 SOL", reqs[0].Amount)
	assert.Equal(t, "0.01 SOL", reqs[1].Amount)
	assert.Nil(t, c.Payments("other-message"))

	assert.Equal(t, payment.StateDetected, c.Flow().State())
	assert.Equal(t, 1, c.Flow().Queued())

	remaining := c.Gate().Remaining()
	thread, err := c.Flow().Approve(context.Background(), reqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, thread.Status)
	assert.Equal(t, remaining, c.Gate().Remaining(), "approvals leave the cooldown alone")

	threads, err := r.Ledger().List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, threads, 1)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.messages, 2)
	assert.Equal(t, model.RoleUser, pub.messages[0].Role)
	assert.Equal(t, model.RoleAssistant, pub.messages[1].Role)
	require.Len(t, pub.threads, 1)
	assert.Equal(t, thread.ID, pub.threads[0].ID)
}

func TestRegistryReusesAndEvicts(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(t, replying("ok"), clk, nil, func(cfg *RegistryConfig) {
		cfg.IdleTTL = time.Minute
	})

	a, err := r.Get("s1")
	require.NoError(t, err)
	b, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = r.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	clk.Advance(30 * time.Second)
	_, _ = r.Get("s2")
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, r.Evict())
	_, ok := r.Lookup("s1")
	assert.False(t, ok)
	_, ok = r.Lookup("s2")
	assert.True(t, ok)
}

func TestEvictKeepsSessionsWithPendingPayments(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := newTestRegistry(t, replying("ok"), clk, nil, func(cfg *RegistryConfig) {
		cfg.IdleTTL = time.Hour
	})

	c, err := r.Get("s1")
	require.NoError(t, err)
	first, err := c.Flow().Detect("https://api.example.com/a", "0.05 SOL")
	require.NoError(t, err)
	second, err := c.Flow().Detect("https://api.example.com/b", "1 YUKI")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 0, r.Evict())

	same, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, c, same)
	require.NotNil(t, same.Flow().Current())
	assert.Equal(t, first.ID, same.Flow().Current().ID)
	assert.Equal(t, 1, same.Flow().Queued())

	_, err = same.Flow().Reject(context.Background(), first.ID)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 0, r.Evict(), "the promoted request still awaits a decision")

	_, err = same.Flow().Reject(context.Background(), second.ID)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, r.Evict())

	threads, err := r.Ledger().List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestRegistryRequiresClient(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)

	r := newTestRegistry(t, replying("ok"), clock.Fake(time.Now()), nil)
	_, err = r.Get("")
	assert.Error(t, err)
}
