package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestImpersonationContextReportsUndeterminedBeforeInit(t *testing.T) {
	store := NewMemoryTargetStore()
	if err := store.Save(context.Background(), mustTarget(t, "u1", "a@x.com", nil, nil)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	impersonation := mustImpersonationContext(t, store)

	target, loaded := impersonation.Snapshot()
	if loaded {
		t.Fatalf("expected state to be undetermined before init")
	}
	if target != nil {
		t.Fatalf("expected no target before init, got %+v", target)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := impersonation.WaitReady(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out before init, got %v", err)
	}

	impersonation.Init(context.Background())
	target, loaded = impersonation.Snapshot()
	if !loaded || target == nil || target.UserID != "u1" {
		t.Fatalf("expected restored target after init, got %+v loaded=%v", target, loaded)
	}
	if err := impersonation.WaitReady(context.Background()); err != nil {
		t.Fatalf("expected ready after init, got %v", err)
	}
}

func TestImpersonationContextMutualExclusivity(t *testing.T) {
	impersonation := mustImpersonationContext(t, NewMemoryTargetStore())
	impersonation.Init(context.Background())
	ctx := context.Background()

	steps := []struct {
		set      *Target
		expected bool
	}{
		{set: nil, expected: false},
		{set: &Target{UserID: "u1", Email: "a@x.com"}, expected: true},
		{set: &Target{UserID: "u2", Email: "b@x.com"}, expected: true},
		{set: nil, expected: false},
		{set: &Target{UserID: "u3"}, expected: true},
		{set: nil, expected: false},
	}
	for index, step := range steps {
		if step.set != nil {
			if err := impersonation.SetImpersonation(ctx, *step.set); err != nil {
				t.Fatalf("step %d: set failed: %v", index, err)
			}
		} else {
			impersonation.ClearImpersonation(ctx)
		}
		if impersonation.IsImpersonating() != step.expected {
			t.Fatalf("step %d: expected impersonating=%v", index, step.expected)
		}
		if step.set != nil {
			current := impersonation.Target()
			if current == nil || !current.Equal(*step.set) {
				t.Fatalf("step %d: expected target %+v, got %+v", index, step.set, current)
			}
		}
	}
}

func TestImpersonationContextReplacesTargetWholesale(t *testing.T) {
	impersonation := mustImpersonationContext(t, NewMemoryTargetStore())
	impersonation.Init(context.Background())
	ctx := context.Background()

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", text("Alice"), text("r1"))); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u2", "b@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	current := impersonation.Target()
	if current == nil || current.Name != nil || current.RealmID != nil {
		t.Fatalf("expected previous optional fields to be dropped, got %+v", current)
	}

	current.UserID = "mutated"
	if impersonation.Target().UserID != "u2" {
		t.Fatalf("expected callers to receive copies of the target")
	}
}

func TestImpersonationContextClearIsIdempotent(t *testing.T) {
	store := NewMemoryTargetStore()
	impersonation := mustImpersonationContext(t, store)
	impersonation.Init(context.Background())
	ctx := context.Background()

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	impersonation.ClearImpersonation(ctx)
	onceTarget, onceLoaded := impersonation.Snapshot()
	onceStored, _ := store.Load(ctx)

	impersonation.ClearImpersonation(ctx)
	twiceTarget, twiceLoaded := impersonation.Snapshot()
	twiceStored, _ := store.Load(ctx)

	if onceTarget != nil || twiceTarget != nil || onceStored != nil || twiceStored != nil {
		t.Fatalf("expected no target after clearing")
	}
	if onceLoaded != twiceLoaded {
		t.Fatalf("expected identical loaded state after repeated clears")
	}
}

func TestImpersonationContextRejectsInvalidTarget(t *testing.T) {
	store := NewMemoryTargetStore()
	impersonation := mustImpersonationContext(t, store)
	impersonation.Init(context.Background())
	ctx := context.Background()

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	notified := 0
	unsubscribe := impersonation.Subscribe(func() { notified++ })
	defer unsubscribe()

	err := impersonation.SetImpersonation(ctx, Target{UserID: "   ", Email: "broken@x.com"})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected invalid target error, got %v", err)
	}
	if current := impersonation.Target(); current == nil || current.UserID != "u1" {
		t.Fatalf("expected previous target to remain, got %+v", current)
	}
	stored, _ := store.Load(ctx)
	if stored == nil || stored.UserID != "u1" {
		t.Fatalf("expected stored target to remain, got %+v", stored)
	}
	if notified != 0 {
		t.Fatalf("expected rejected mutation not to notify, got %d", notified)
	}
}

func TestImpersonationContextPersistsAcrossInstances(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	newStore := func() TargetStore {
		store, err := NewGormTargetStore(GormTargetStoreConfig{Database: db, SlotKey: "slot:admin"})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		return store
	}

	first := mustImpersonationContext(t, newStore())
	first.Init(ctx)
	if err := first.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", text("Alice"), text("r1"))); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	second := mustImpersonationContext(t, newStore())
	second.Init(ctx)
	restored := second.Target()
	if restored == nil || restored.UserID != "u1" || derefOrEmpty(restored.RealmID) != "r1" {
		t.Fatalf("expected target to survive restart, got %+v", restored)
	}

	second.ClearImpersonation(ctx)
	third := mustImpersonationContext(t, newStore())
	third.Init(ctx)
	if third.IsImpersonating() {
		t.Fatalf("expected cleared target to stay cleared after restart")
	}
}

func TestImpersonationContextSwallowsStorageFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	impersonation, err := NewImpersonationContext(ImpersonationContextConfig{
		Store:  failingStore{},
		Logger: zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct context: %v", err)
	}
	ctx := context.Background()

	impersonation.Init(ctx)
	if target, loaded := impersonation.Snapshot(); !loaded || target != nil {
		t.Fatalf("expected failed load to settle as not impersonating, got %+v loaded=%v", target, loaded)
	}

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", nil, nil)); err != nil {
		t.Fatalf("expected persistence failure to be swallowed, got %v", err)
	}
	if !impersonation.IsImpersonating() {
		t.Fatalf("expected in-memory target to stay authoritative")
	}
	impersonation.ClearImpersonation(ctx)
	if impersonation.IsImpersonating() {
		t.Fatalf("expected clear to apply in memory")
	}

	expected := map[string]bool{
		"impersonation target load failed":    false,
		"impersonation target persist failed": false,
		"impersonation target removal failed": false,
	}
	for _, entry := range logs.All() {
		if _, ok := expected[entry.Message]; ok {
			if entry.Level != zapcore.WarnLevel {
				t.Fatalf("expected warn level for %q, got %s", entry.Message, entry.Level)
			}
			expected[entry.Message] = true
		}
	}
	for message, seen := range expected {
		if !seen {
			t.Fatalf("expected log entry %q", message)
		}
	}
}

func TestImpersonationContextNotifiesAfterWrite(t *testing.T) {
	store := NewMemoryTargetStore()
	impersonation := mustImpersonationContext(t, store)
	impersonation.Init(context.Background())
	ctx := context.Background()

	var observed []*Target
	var persisted []*Target
	unsubscribe := impersonation.Subscribe(func() {
		observed = append(observed, impersonation.Target())
		stored, _ := store.Load(ctx)
		persisted = append(persisted, stored)
	})

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u1", "a@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	impersonation.ClearImpersonation(ctx)
	unsubscribe()
	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "u2", "b@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if len(observed) != 2 {
		t.Fatalf("expected two notifications, got %d", len(observed))
	}
	if observed[0] == nil || observed[0].UserID != "u1" || persisted[0] == nil || persisted[0].UserID != "u1" {
		t.Fatalf("expected first notification to see the new target in memory and storage")
	}
	if observed[1] != nil || persisted[1] != nil {
		t.Fatalf("expected second notification to see the cleared state")
	}
}

func TestImpersonationContextMutationBeforeInitWins(t *testing.T) {
	store := NewMemoryTargetStore()
	ctx := context.Background()
	if err := store.Save(ctx, mustTarget(t, "stale", "stale@x.com", nil, nil)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	impersonation := mustImpersonationContext(t, store)

	if err := impersonation.SetImpersonation(ctx, mustTarget(t, "fresh", "fresh@x.com", nil, nil)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	impersonation.Init(ctx)

	if current := impersonation.Target(); current == nil || current.UserID != "fresh" {
		t.Fatalf("expected the newer in-memory target to win, got %+v", current)
	}
}
