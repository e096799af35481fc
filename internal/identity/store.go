package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("identity: database handle is required")
	errMissingSlotKey  = errors.New("identity: slot key is required")
	errCorruptRecord   = errors.New("identity: corrupt impersonation record")
)

// TargetStore persists at most one impersonation target.
type TargetStore interface {
	Load(ctx context.Context) (*Target, error)
	Save(ctx context.Context, target Target) error
	Clear(ctx context.Context) error
}

// TargetSlot is the durable row holding one serialized impersonation target.
type TargetSlot struct {
	SlotKey     string    `gorm:"column:slot_key;primaryKey;size:190;not null"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing impersonation slots.
func (TargetSlot) TableName() string {
	return "impersonation_slots"
}

// GormTargetStoreConfig describes the dependencies of a database-backed slot.
type GormTargetStoreConfig struct {
	Database *gorm.DB
	SlotKey  string
	Logger   *zap.Logger
}

// GormTargetStore keeps the target in a single row keyed by the slot key.
type GormTargetStore struct {
	db      *gorm.DB
	slotKey string
	logger  *zap.Logger
}

// NewGormTargetStore binds a store to one slot key.
func NewGormTargetStore(cfg GormTargetStoreConfig) (*GormTargetStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	slotKey := strings.TrimSpace(cfg.SlotKey)
	if slotKey == "" {
		return nil, errMissingSlotKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormTargetStore{db: cfg.Database, slotKey: slotKey, logger: logger}, nil
}

// SlotKey returns the key this store reads and writes.
func (s *GormTargetStore) SlotKey() string {
	return s.slotKey
}

// Load returns the stored target, nil when the slot is empty.
// A record that cannot be decoded is removed and reported as an empty slot.
func (s *GormTargetStore) Load(ctx context.Context) (*Target, error) {
	var slot TargetSlot
	err := s.db.WithContext(ctx).Where("slot_key = ?", s.slotKey).Take(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	target, err := decodeTarget(slot.PayloadJSON)
	if err != nil {
		s.logger.Warn("discarding corrupt impersonation record",
			zap.String("slot_key", s.slotKey),
			zap.Error(err))
		if clearErr := s.Clear(ctx); clearErr != nil {
			s.logger.Warn("failed to remove corrupt impersonation record",
				zap.String("slot_key", s.slotKey),
				zap.Error(clearErr))
		}
		return nil, nil
	}
	return &target, nil
}

// Save overwrites the slot with the full target.
func (s *GormTargetStore) Save(ctx context.Context, target Target) error {
	payload, err := encodeTarget(target)
	if err != nil {
		return err
	}
	slot := TargetSlot{SlotKey: s.slotKey, PayloadJSON: payload}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slot_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at"}),
		}).
		Create(&slot).Error
}

// Clear removes the slot. Clearing an empty slot succeeds.
func (s *GormTargetStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("slot_key = ?", s.slotKey).Delete(&TargetSlot{}).Error
}

// MemoryTargetStore keeps the serialized target in process memory.
type MemoryTargetStore struct {
	mu      sync.Mutex
	payload string
}

// NewMemoryTargetStore returns an empty in-memory slot.
func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{}
}

// Load decodes the stored payload; corrupt payloads are dropped.
func (s *MemoryTargetStore) Load(context.Context) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == "" {
		return nil, nil
	}
	target, err := decodeTarget(s.payload)
	if err != nil {
		s.payload = ""
		return nil, nil
	}
	return &target, nil
}

// Save replaces the stored payload.
func (s *MemoryTargetStore) Save(_ context.Context, target Target) error {
	payload, err := encodeTarget(target)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()
	return nil
}

// Clear empties the slot.
func (s *MemoryTargetStore) Clear(context.Context) error {
	s.mu.Lock()
	s.payload = ""
	s.mu.Unlock()
	return nil
}

func encodeTarget(target Target) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("identity: encode target: %w", err)
	}
	return string(encoded), nil
}

func decodeTarget(payload string) (Target, error) {
	var target Target
	if err := json.Unmarshal([]byte(payload), &target); err != nil {
		return Target{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if err := target.Validate(); err != nil {
		return Target{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return target, nil
}
