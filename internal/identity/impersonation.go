package identity

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("identity: target store is required")

// ImpersonationContextConfig describes the dependencies of an impersonation context.
type ImpersonationContextConfig struct {
	Store       TargetStore
	Broadcaster *Broadcaster
	Logger      *zap.Logger
}

// ImpersonationContext is the in-process authority on the active impersonation target.
// It is mutated only through SetImpersonation and ClearImpersonation, each of which updates
// memory, persists, and then notifies subscribers.
type ImpersonationContext struct {
	store       TargetStore
	broadcaster *Broadcaster
	logger      *zap.Logger

	mu        sync.RWMutex
	target    *Target
	loaded    bool
	ready     chan struct{}
	readyOnce sync.Once
	initOnce  sync.Once
}

// NewImpersonationContext wires a context; call Init before relying on its state.
func NewImpersonationContext(cfg ImpersonationContextConfig) (*ImpersonationContext, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImpersonationContext{
		store:       cfg.Store,
		broadcaster: broadcaster,
		logger:      logger,
		ready:       make(chan struct{}),
	}, nil
}

// Init adopts the persisted target, if any. Only the first call reads the store.
// A read failure leaves the context loaded and not impersonating.
func (c *ImpersonationContext) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		stored, err := c.store.Load(ctx)
		if err != nil {
			c.logger.Warn("impersonation target load failed", zap.Error(err))
			stored = nil
		}

		c.mu.Lock()
		if !c.loaded {
			c.target = stored
			c.loaded = true
		}
		c.mu.Unlock()
		c.markReady()

		if stored != nil {
			c.logger.Info("impersonation target restored", zap.String("target_user_id", stored.UserID))
		}
	})
}

// WaitReady blocks until Init has completed or ctx ends.
func (c *ImpersonationContext) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current target and whether the initial load has finished.
// Before loading completes the answer is "not yet determined", not "not impersonating".
func (c *ImpersonationContext) Snapshot() (*Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.target == nil {
		return nil, c.loaded
	}
	copied := c.target.Clone()
	return &copied, c.loaded
}

// Target returns a copy of the current target or nil.
func (c *ImpersonationContext) Target() *Target {
	target, _ := c.Snapshot()
	return target
}

// IsImpersonating reports whether a target is set.
func (c *ImpersonationContext) IsImpersonating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target != nil
}

// SetImpersonation replaces the current target wholesale.
// Persistence failures are logged; the in-memory target still applies for this process.
func (c *ImpersonationContext) SetImpersonation(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	stored := target.Clone()

	c.mu.Lock()
	c.target = &stored
	c.markLoadedLocked()
	if err := c.store.Save(ctx, stored); err != nil {
		c.logger.Warn("impersonation target persist failed",
			zap.String("target_user_id", stored.UserID),
			zap.Error(err))
	}
	c.mu.Unlock()

	c.logger.Info("impersonation started", zap.String("target_user_id", stored.UserID))
	c.broadcaster.Notify()
	return nil
}

// ClearImpersonation removes the current target. Clearing twice is the same as clearing once.
func (c *ImpersonationContext) ClearImpersonation(ctx context.Context) {
	c.mu.Lock()
	wasImpersonating := c.target != nil
	c.target = nil
	c.markLoadedLocked()
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("impersonation target removal failed", zap.Error(err))
	}
	c.mu.Unlock()

	if wasImpersonating {
		c.logger.Info("impersonation cleared")
	}
	c.broadcaster.Notify()
}

// Subscribe registers a change handler and returns its unsubscribe function.
func (c *ImpersonationContext) Subscribe(handler func()) func() {
	return c.broadcaster.Subscribe(handler)
}

// SubscribeStream registers a channel subscriber; see Broadcaster.SubscribeStream.
func (c *ImpersonationContext) SubscribeStream(ctx context.Context) (<-chan struct{}, func()) {
	return c.broadcaster.SubscribeStream(ctx)
}

// Dispose drops every subscriber.
func (c *ImpersonationContext) Dispose() {
	c.broadcaster.Close()
}

// markLoadedLocked lets a mutation that races ahead of Init settle the state; Init then
// keeps the newer in-memory value instead of the stale stored one.
func (c *ImpersonationContext) markLoadedLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.markReady()
}

func (c *ImpersonationContext) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
}
