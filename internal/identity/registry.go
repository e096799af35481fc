package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingStoreFactory = errors.New("identity: store factory is required")
	errMissingPrincipal    = errors.New("identity: principal id is required")
)

// StoreFactory opens the durable slot for one slot key.
type StoreFactory func(slotKey string) (TargetStore, error)

// RegistryConfig describes how per-principal impersonation contexts are built.
type RegistryConfig struct {
	StoreFactory StoreFactory
	SlotPrefix   string
	Logger       *zap.Logger
}

// Registry owns one impersonation context per admin principal.
// Each principal gets its own slot and broadcaster, the server-side analogue of a browser profile.
// Contexts live for the life of the process; only admins are ever registered.
type Registry struct {
	storeFactory StoreFactory
	slotPrefix   string
	logger       *zap.Logger

	mu       sync.Mutex
	contexts map[string]*ImpersonationContext
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.StoreFactory == nil {
		return nil, errMissingStoreFactory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		storeFactory: cfg.StoreFactory,
		slotPrefix:   strings.TrimSpace(cfg.SlotPrefix),
		logger:       logger,
		contexts:     make(map[string]*ImpersonationContext),
	}, nil
}

// SlotKey returns the durable key used for the principal.
func (r *Registry) SlotKey(principalID string) string {
	if r.slotPrefix == "" {
		return principalID
	}
	return r.slotPrefix + ":" + principalID
}

// ContextFor returns the principal's initialized impersonation context, creating it on first use.
func (r *Registry) ContextFor(ctx context.Context, principalID string) (*ImpersonationContext, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, errMissingPrincipal
	}

	r.mu.Lock()
	impersonation, ok := r.contexts[principalID]
	if !ok {
		store, err := r.storeFactory(r.SlotKey(principalID))
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		impersonation, err = NewImpersonationContext(ImpersonationContextConfig{
			Store:  store,
			Logger: r.logger.With(zap.String("principal_id", principalID)),
		})
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.contexts[principalID] = impersonation
	}
	r.mu.Unlock()

	// a cancelled request must not settle the shared context as "not impersonating".
	impersonation.Init(context.WithoutCancel(ctx))
	return impersonation, nil
}

// Close disposes every context and forgets them.
func (r *Registry) Close() {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[string]*ImpersonationContext)
	r.mu.Unlock()
	for _, impersonation := range contexts {
		impersonation.Dispose()
	}
}
