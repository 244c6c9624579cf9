package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/pkg/clock"
)

func newTestStore(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "agent.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenAppliesPragmas(t *testing.T) {
	s, _ := newTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestKeyValueRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("k", 1700000000000))
	v, ok, err := s.Load("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000000), v)

	require.NoError(t, s.Save("k", 42))
	v, _, _ = s.Load("k")
	assert.Equal(t, int64(42), v)

	require.NoError(t, s.Remove("k"))
	_, ok, _ = s.Load("k")
	assert.False(t, ok)
}

func TestCooldownSurvivesReopen(t *testing.T) {
	s, path := newTestStore(t)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	key := cooldown.Key("session-1")

	g := cooldown.New(key, s, cooldown.WithClock(clk))
	require.NoError(t, g.Init())
	require.NoError(t, g.Start(60*time.Second))
	g.Close()
	require.NoError(t, s.Close())

	clk.Advance(10 * time.Second)

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	g2 := cooldown.New(key, reopened, cooldown.WithClock(clk))
	defer g2.Close()
	require.NoError(t, g2.Init())
	assert.Equal(t, 50, g2.Remaining())
}

func TestPaymentThreads(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := model.PaymentThread{
		ID: "t1", SessionID: "s1", RequestID: "r1", Name: "api.example.com", Time: "12:00",
		Status: model.PaymentRejected, Amount: "1 SOL", Endpoint: "https://api.example.com/a",
		CreatedAt: base,
	}
	second := model.PaymentThread{
		ID: "t2", SessionID: "s1", RequestID: "r2", Name: "api.example.com", Time: "12:01",
		Status: model.PaymentCompleted, Amount: "2 SOL", Endpoint: "https://api.example.com/b",
		TxRef: "5sig", CreatedAt: base.Add(time.Minute),
	}
	other := model.PaymentThread{
		ID: "t3", SessionID: "s2", RequestID: "r3", Name: "x.test", Time: "12:02",
		Status: model.PaymentFailed, Amount: "3 SOL", Endpoint: "https://x.test",
		Error: "insufficient funds", CreatedAt: base.Add(2 * time.Minute),
	}
	for _, th := range []model.PaymentThread{first, second, other} {
		require.NoError(t, s.Append(ctx, th))
	}
	assert.Error(t, s.Append(ctx, first), "thread ids are unique")

	threads, err := s.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, second, threads[0])
	assert.Equal(t, first, threads[1])

	got, err := s.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, other, *got)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, payment.ErrThreadNotFound)

	empty, err := s.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
