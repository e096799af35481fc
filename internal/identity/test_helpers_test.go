package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "identity.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TargetSlot{}); err != nil {
		t.Fatalf("failed to migrate impersonation schema: %v", err)
	}
	return db
}

func mustTarget(t *testing.T, userID, email string, name, realmID *string) Target {
	t.Helper()
	target, err := NewTarget(userID, email, name, realmID)
	if err != nil {
		t.Fatalf("unexpected target error: %v", err)
	}
	return target
}

func mustImpersonationContext(t *testing.T, store TargetStore) *ImpersonationContext {
	t.Helper()
	impersonation, err := NewImpersonationContext(ImpersonationContextConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct impersonation context: %v", err)
	}
	return impersonation
}

func text(value string) *string {
	return &value
}

func derefOrEmpty(value *string) string {
	if value == nil {
		return "<nil>"
	}
	return *value
}

type stubSessions struct {
	session *Session
	err     error
}

func (s stubSessions) CurrentSession(context.Context) (*Session, error) {
	return s.session, s.err
}

// switchableSessions lets a test change the signed-in user mid-test.
type switchableSessions struct {
	mu      sync.Mutex
	session *Session
}

func (s *switchableSessions) set(session *Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

func (s *switchableSessions) CurrentSession(context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

// stubProfiles serves profiles from a map and can hold lookups until released.
type stubProfiles struct {
	mu       sync.Mutex
	profiles map[string]Profile
	err      error
	calls    int
	gate     chan struct{}
	entered  chan struct{}
}

func (s *stubProfiles) LookupProfile(ctx context.Context, userID string) (*Profile, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	entered := s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

func (s *stubProfiles) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// failingStore fails every operation to simulate unavailable storage.
type failingStore struct{}

var errStorageUnavailable = errors.New("storage unavailable")

func (failingStore) Load(context.Context) (*Target, error) { return nil, errStorageUnavailable }
func (failingStore) Save(context.Context, Target) error { return errStorageUnavailable }
func (failingStore) Clear(context.Context) error { return errStorageUnavailable }

// identityRecorder collects identities published to a consumer.
type identityRecorder struct {
	mu        sync.Mutex
	published []EffectiveIdentity
	signal    chan struct{}
}

func newIdentityRecorder() *identityRecorder {
	return &identityRecorder{signal: make(chan struct{}, 16)}
}

func (r *identityRecorder) record(resolved EffectiveIdentity) {
	r.mu.Lock()
	r.published = append(r.published, resolved)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *identityRecorder) snapshot() []EffectiveIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EffectiveIdentity(nil), r.published...)
}

func (r *identityRecorder) waitFor(t *testing.T, count int) []EffectiveIdentity {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if published := r.snapshot(); len(published) >= count {
			return published
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("expected %d published identities, got %d", count, len(r.snapshot()))
		}
	}
}
