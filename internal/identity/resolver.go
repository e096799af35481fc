package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingSessionProvider = errors.New("identity: session provider is required")
	errMissingProfileLookup   = errors.New("identity: profile lookup is required")
)

// SessionProvider reports the real authenticated user, nil when nobody is signed in.
type SessionProvider interface {
	CurrentSession(ctx context.Context) (*Session, error)
}

// ProfileLookup fetches profile attributes by user id, nil when no row exists.
type ProfileLookup interface {
	LookupProfile(ctx context.Context, userID string) (*Profile, error)
}

// ResolverConfig describes the collaborators of a Resolver.
// Impersonation may be nil for principals that can never impersonate.
type ResolverConfig struct {
	Impersonation *ImpersonationContext
	Sessions      SessionProvider
	Profiles      ProfileLookup
	Logger        *zap.Logger
}

// Resolver decides whose data should currently be fetched.
type Resolver struct {
	impersonation *ImpersonationContext
	sessions      SessionProvider
	profiles      ProfileLookup
	logger        *zap.Logger
}

// NewResolver validates collaborators and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessionProvider
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfileLookup
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		impersonation: cfg.Impersonation,
		sessions:      cfg.Sessions,
		profiles:      cfg.Profiles,
		logger:        logger,
	}, nil
}

// Resolve computes the effective identity once.
// It returns Unresolved only when ctx ends before the impersonation context has loaded.
func (r *Resolver) Resolve(ctx context.Context) EffectiveIdentity {
	return r.resolve(ctx, nil)
}

func (r *Resolver) resolve(ctx context.Context, onRealLookup func()) EffectiveIdentity {
	if r.impersonation != nil {
		if err := r.impersonation.WaitReady(ctx); err != nil {
			return Unresolved()
		}
		if target := r.impersonation.Target(); target != nil {
			return impersonatedIdentity(*target)
		}
	}

	if onRealLookup != nil {
		onRealLookup()
	}

	session, err := r.sessions.CurrentSession(ctx)
	if err != nil {
		r.logger.Warn("session lookup failed", zap.Error(err))
		return Anonymous()
	}
	if session == nil || strings.TrimSpace(session.UserID) == "" {
		return Anonymous()
	}

	resolved := EffectiveIdentity{
		Loaded: true,
		UserID: stringPtr(session.UserID),
		Email:  stringPtr(session.Email),
	}

	profile, err := r.profiles.LookupProfile(ctx, session.UserID)
	switch {
	case err != nil:
		r.logger.Warn("profile lookup failed",
			zap.String("user_id", session.UserID),
			zap.Error(err))
	case profile == nil:
		r.logger.Debug("profile not found", zap.String("user_id", session.UserID))
	default:
		resolved.Name = cloneString(profile.Name)
		resolved.RealmID = cloneString(profile.RealmID)
	}
	return resolved
}

// State describes where a watcher is in its resolution cycle.
type State int

const (
	// StateUnresolved means a resolution has been requested but has not progressed yet.
	StateUnresolved State = iota
	// StateResolving means the real-session path is waiting on session or profile lookups.
	StateResolving
	// StateResolvedImpersonated means the identity came from the impersonation target.
	StateResolvedImpersonated
	// StateResolvedReal means the identity came from the real session.
	StateResolvedReal
	// StateResolvedAnonymous means nobody is signed in.
	StateResolvedAnonymous
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateResolvedImpersonated:
		return "resolved_impersonated"
	case StateResolvedReal:
		return "resolved_real"
	case StateResolvedAnonymous:
		return "resolved_anonymous"
	default:
		return "unknown"
	}
}

func stateOf(resolved EffectiveIdentity) State {
	switch {
	case !resolved.Loaded:
		return StateUnresolved
	case resolved.IsImpersonating:
		return StateResolvedImpersonated
	case resolved.UserID == nil:
		return StateResolvedAnonymous
	default:
		return StateResolvedReal
	}
}

// Watcher keeps one consumer's effective identity current.
// Every resolution run is tagged with a generation; a run that finishes after a newer
// one has started is discarded instead of published.
type Watcher struct {
	resolver *Resolver
	ctx      context.Context
	onChange func(EffectiveIdentity)

	mu          sync.Mutex
	generation  uint64
	current     EffectiveIdentity
	state       State
	closed      bool
	unsubscribe func()
	stopOnDone  func() bool

	deliverMu sync.Mutex
	inflight  sync.WaitGroup
}

// Watch starts resolving for one consumer. onChange receives every published identity.
// The watcher is released when ctx ends or Close is called.
func (r *Resolver) Watch(ctx context.Context, onChange func(EffectiveIdentity)) *Watcher {
	watcher := &Watcher{
		resolver: r,
		ctx:      ctx,
		onChange: onChange,
		state:    StateUnresolved,
	}
	if r.impersonation != nil {
		watcher.unsubscribe = r.impersonation.Subscribe(watcher.trigger)
	}
	watcher.trigger()
	stop := context.AfterFunc(ctx, watcher.Close)
	watcher.mu.Lock()
	watcher.stopOnDone = stop
	watcher.mu.Unlock()
	return watcher
}

// Current returns the last published identity and the watcher state.
func (w *Watcher) Current() (EffectiveIdentity, State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.state
}

// SessionChanged re-enters resolution after the real session changed.
func (w *Watcher) SessionChanged() {
	w.trigger()
}

// Close stops reacting to changes. Runs already in flight finish into discarded results.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	stopOnDone := w.stopOnDone
	w.stopOnDone = nil
	w.mu.Unlock()
	if stopOnDone != nil {
		stopOnDone()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Wait blocks until every started resolution run has returned.
func (w *Watcher) Wait() {
	w.inflight.Wait()
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.generation++
	generation := w.generation
	w.state = StateUnresolved
	w.inflight.Add(1)
	w.mu.Unlock()

	go w.run(generation)
}

func (w *Watcher) run(generation uint64) {
	defer w.inflight.Done()
	resolved := w.resolver.resolve(w.ctx, func() {
		w.markResolving(generation)
	})
	w.publish(generation, resolved)
}

func (w *Watcher) markResolving(generation uint64) {
	w.mu.Lock()
	if generation == w.generation && !w.closed {
		w.state = StateResolving
	}
	w.mu.Unlock()
}

func (w *Watcher) publish(generation uint64, resolved EffectiveIdentity) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if generation != w.generation || w.closed || !resolved.Loaded {
		w.mu.Unlock()
		w.resolver.logger.Debug("discarding superseded identity resolution",
			zap.Uint64("generation", generation))
		return
	}
	w.current = resolved
	w.state = stateOf(resolved)
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(resolved)
	}
}
