package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/llm"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/pkg/clock"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
)

// DefaultCooldownWindow is the pause enforced after every send.
const DefaultCooldownWindow = 60 * time.Second

// RegistryConfig holds the collaborators shared by all sessions.
type RegistryConfig struct {
	LLM            llm.Client
	Generation     GenerationOptions
	CooldownStore  cooldown.Store
	CooldownWindow time.Duration
	CooldownTick   time.Duration
	Submitter      payment.Submitter
	Ledger         payment.Ledger
	SubmitTimeout  time.Duration
	// Publisher is optional.
	Publisher Publisher
	// IdleTTL evicts controllers unused for this long; 0 disables eviction.
	IdleTTL time.Duration
	Clock   clock.Clock
	Logger  *logger.Logger
}

// Registry owns the live session controllers.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.LLM == nil {
		return nil, errors.New("registry: LLM client is required")
	}
	if cfg.CooldownStore == nil {
		cfg.CooldownStore = cooldown.NewMemoryStore()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = payment.NewMemoryLedger()
	}
	if cfg.Submitter == nil {
		cfg.Submitter = payment.Unconfigured{}
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultCooldownWindow
	}
	if cfg.CooldownTick <= 0 {
		cfg.CooldownTick = cooldown.DefaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}

	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Controller),
	}, nil
}

// Ledger returns the shared payment thread ledger.
func (r *Registry) Ledger() payment.Ledger { return r.cfg.Ledger }

// Get returns the controller for sessionID, creating it on first use. A new
// controller resumes any cooldown persisted by a previous process.
func (r *Registry) Get(sessionID string) (*Controller, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	now := r.cfg.Clock.Now()

	r.mu.RLock()
	c, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		c.touch(now)
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.sessions[sessionID]; ok {
		c.touch(now)
		return c, nil
	}

	c, err := r.newControllerLocked(sessionID)
	if err != nil {
		return nil, err
	}
	c.touch(now)
	r.sessions[sessionID] = c
	metrics.SessionsActive.Set(float64(len(r.sessions)))

	r.cfg.Logger.Info("session opened", zap.String("session_id", sessionID))
	return c, nil
}

// Lookup returns an existing controller without creating one.
func (r *Registry) Lookup(sessionID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) newControllerLocked(sessionID string) (*Controller, error) {
	log := r.cfg.Logger

	gate := cooldown.New(cooldown.Key(sessionID), r.cfg.CooldownStore,
		cooldown.WithClock(r.cfg.Clock),
		cooldown.WithTickInterval(r.cfg.CooldownTick),
		cooldown.WithLogger(log),
	)
	if err := gate.Init(); err != nil {
		return nil, fmt.Errorf("init cooldown for %s: %w", sessionID, err)
	}

	flowOpts := []payment.Option{
		payment.WithClock(r.cfg.Clock),
		payment.WithSubmitTimeout(r.cfg.SubmitTimeout),
		payment.WithLogger(log),
	}
	if pub := r.cfg.Publisher; pub != nil {
		flowOpts = append(flowOpts, payment.WithObserver(func(thread model.PaymentThread) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := pub.PublishThread(ctx, thread); err != nil {
				log.Warn("failed to publish payment thread", zap.String("thread_id", thread.ID), zap.Error(err))
			}
		}))
	}
	flow := payment.NewFlow(sessionID, r.cfg.Submitter, r.cfg.Ledger, flowOpts...)

	session := NewChatSession(sessionID, r.cfg.LLM, r.cfg.Generation, log)
	return newController(sessionID, session, flow, gate, r.cfg.CooldownWindow, r.cfg.Publisher, log), nil
}

// Evict closes controllers idle for longer than the configured TTL and
// returns how many were removed.
func (r *Registry) Evict() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.cfg.Clock.Now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, c := range r.sessions {
		if !c.idleSince(cutoff) {
			continue
		}
		c.Close()
		delete(r.sessions, id)
		evicted++
	}
	if evicted > 0 {
		metrics.SessionsActive.Set(float64(len(r.sessions)))
		r.cfg.Logger.Info("evicted idle sessions", zap.Int("count", evicted), zap.Int("remaining", len(r.sessions)))
	}
	return evicted
}

// Run evicts idle controllers periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTTL <= 0 {
		return
	}
	interval := r.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}

// Close closes every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.sessions {
		c.Close()
		delete(r.sessions, id)
	}
	metrics.SessionsActive.Set(0)
}
