// Package cooldown implements a persisted send cooldown.
//
// The gate stores an absolute expiry timestamp rather than a duration, so a
// restarted process (or reloaded client) resumes the countdown against the
// wall clock instead of granting a fresh window.
package cooldown

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yuki402/agent/pkg/clock"
	"github.com/yuki402/agent/pkg/logger"
)

// KeyPrefix is the persistence key prefix for cooldown expiries.
const KeyPrefix = "yuki-cooldown-end"

// DefaultTickInterval is how often the countdown is recomputed.
const DefaultTickInterval = time.Second

// Key returns the persistence key for a session.
func Key(sessionID string) string {
	return KeyPrefix + ":" + sessionID
}

// Gate blocks sends until a persisted expiry passes.
type Gate struct {
	key      string
	store    Store
	clock    clock.Clock
	interval time.Duration
	logger   *logger.Logger

	mu        sync.Mutex
	expiresAt int64 // epoch ms, 0 when no cooldown is active
	stop      chan struct{}
	subs      map[int]chan int
	nextSub   int
	closed    bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock used for remaining-time computation and ticks.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithTickInterval sets the countdown tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate persisting under key. Call Init before use to pick up
// a cooldown left by a previous process.
func New(key string, store Store, opts ...Option) *Gate {
	g := &Gate{
		key:      key,
		store:    store,
		clock:    clock.Real(),
		interval: DefaultTickInterval,
		logger:   logger.NewNop(),
		subs:     make(map[int]chan int),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("cooldown_key", key))
	return g
}

// Init reads any persisted expiry and either resumes the countdown or
// deletes the stale state.
func (g *Gate) Init() error {
	exp, ok, err := g.store.Load(g.key)
	if err != nil {
		return fmt.Errorf("load cooldown %s: %w", g.key, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !ok {
		g.expiresAt = 0
		return nil
	}

	g.expiresAt = exp
	if g.remainingLocked() == 0 {
		g.clearLocked()
		return nil
	}
	g.logger.Info("resumed cooldown", zap.Int("remaining_seconds", g.remainingLocked()))
	g.startLoopLocked()
	return nil
}

// Admit reports whether a send is allowed now.
func (g *Gate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.remainingLocked()
	if remaining == 0 && g.expiresAt != 0 {
		g.clearLocked()
	}
	return remaining == 0
}

// Remaining returns the whole seconds left in the cooldown, rounded up.
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remainingLocked()
}

// Start begins a cooldown of window from now, replacing any running one.
// The cooldown is enforced in memory even when persisting it fails; the
// persistence error is returned.
func (g *Gate) Start(window time.Duration) error {
	if window <= 0 {
		return errors.New("cooldown window must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expiresAt = g.clock.Now().Add(window).UnixMilli()
	g.startLoopLocked()
	g.publishLocked(g.remainingLocked())

	if err := g.store.Save(g.key, g.expiresAt); err != nil {
		return fmt.Errorf("persist cooldown %s: %w", g.key, err)
	}
	return nil
}

// Subscribe returns a channel receiving the remaining seconds on every tick.
// Only the latest value is buffered. The returned func unsubscribes.
func (g *Gate) Subscribe() (<-chan int, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := make(chan int, 1)
	if g.closed {
		close(ch)
		return ch, func() {}
	}

	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch

	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if c, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(c)
		}
	}
}

// Close stops the countdown and closes every subscription. The persisted
// expiry is kept so a later Init resumes it.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopLoopLocked()
	for id, ch := range g.subs {
		delete(g.subs, id)
		close(ch)
	}
	g.closed = true
}

func (g *Gate) remainingLocked() int {
	if g.expiresAt == 0 {
		return 0
	}
	left := g.expiresAt - g.clock.Now().UnixMilli()
	if left <= 0 {
		return 0
	}
	return int((left + 999) / 1000)
}

func (g *Gate) clearLocked() {
	g.expiresAt = 0
	g.stopLoopLocked()
	if err := g.store.Remove(g.key); err != nil {
		g.logger.Warn("failed to remove cooldown state", zap.Error(err))
	}
	g.publishLocked(0)
}

// startLoopLocked replaces the running ticker so at most one countdown
// goroutine exists per gate.
func (g *Gate) startLoopLocked() {
	if g.closed {
		return
	}
	g.stopLoopLocked()
	stop := make(chan struct{})
	g.stop = stop
	ticker := g.clock.NewTicker(g.interval)
	go g.run(ticker, stop)
}

func (g *Gate) stopLoopLocked() {
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

func (g *Gate) run(ticker clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if g.tick(stop) {
				return
			}
		}
	}
}

// tick recomputes the countdown. It returns true when the loop is done.
func (g *Gate) tick(stop <-chan struct{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-stop:
		return true
	default:
	}

	remaining := g.remainingLocked()
	if remaining == 0 {
		g.clearLocked()
		return true
	}
	g.publishLocked(remaining)
	return false
}

func (g *Gate) publishLocked(remaining int) {
	for _, ch := range g.subs {
		select {
		case ch <- remaining:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- remaining:
			default:
			}
		}
	}
}
