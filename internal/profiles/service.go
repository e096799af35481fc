package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ironbooks/internal/auth"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/identity"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCacheSize = 512

var (
	// ErrInvalidProfile indicates the profile or claims did not contain a usable user id.
	ErrInvalidProfile = errors.New("profiles: invalid profile")
	// ErrProfileNotFound indicates no profile row exists for the user id.
	ErrProfileNotFound = errors.New("profiles: profile not found")
)

// ServiceConfig describes the dependencies required for profile lookups.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	CacheSize int
	Logger    *zap.Logger
}

// Service reads and maintains user profiles.
// Lookups go through an LRU cache; concurrent misses for one user share a single query.
// A query only fills the cache when no write invalidated the cache after it started.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	cache  *lru.Cache[string, identity.Profile]
	group  singleflight.Group
	logger *zap.Logger

	cacheMu      sync.Mutex
	cacheVersion uint64
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, identity.Profile](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("profiles: create cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		cache:  cache,
		logger: logger,
	}, nil
}

// LookupProfile returns the name and realm for a user, nil when no row exists.
func (s *Service) LookupProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, ErrInvalidProfile
	}
	if cached, ok := s.cache.Get(userID); ok {
		return &cached, nil
	}

	version := s.currentCacheVersion()
	// the shared query must outlive any single caller; each caller still honours its own ctx.
	queryCtx := context.WithoutCancel(ctx)
	results := s.group.DoChan(userID, func() (interface{}, error) {
		profile, err := s.GetProfile(queryCtx, userID)
		if errors.Is(err, ErrProfileNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		resolved := identity.Profile{
			Name:    profile.DisplayName,
			RealmID: profile.RealmID,
		}
		s.cacheIfCurrent(version, userID, resolved)
		return &resolved, nil
	})

	var result singleflight.Result
	select {
	case result = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.Err != nil {
		return nil, result.Err
	}
	resolved, _ := result.Val.(*identity.Profile)
	if resolved == nil {
		return nil, nil
	}
	copied := *resolved
	return &copied, nil
}

// GetProfile loads a single profile row by user id.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// ListProfiles returns every profile an admin may choose to view as, ordered by email.
func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).Order("user_email ASC, user_id ASC").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// UpsertProfile stores the profile, replacing email, name and realm of an existing row.
func (s *Service) UpsertProfile(ctx context.Context, profile Profile) error {
	profile.UserID = normalize(profile.UserID)
	if profile.UserID == "" {
		return ErrInvalidProfile
	}
	profile.Email = normalize(profile.Email)
	profile.DisplayName = optional(profile.DisplayName)
	profile.RealmID = optional(profile.RealmID)
	if profile.LastSeenAt.IsZero() {
		profile.LastSeenAt = s.now().UTC()
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "realm_id", "updated_at"}),
		}).
		Create(&profile).Error
	if err != nil {
		return err
	}
	s.invalidate(profile.UserID)
	return nil
}

// RecordSignIn creates the profile of a first-time user and refreshes email, display name
// and last-seen time for returning ones. The realm is never touched here.
func (s *Service) RecordSignIn(ctx context.Context, claims auth.SessionClaims) error {
	userID := normalize(claims.UserID)
	if userID == "" {
		return ErrInvalidProfile
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		displayName := claims.UserDisplayName
		profile = Profile{
			UserID:      userID,
			Email:       normalize(claims.UserEmail),
			DisplayName: optional(&displayName),
			LastSeenAt:  s.now().UTC(),
		}
		return s.db.WithContext(ctx).Create(&profile).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
		updates["user_email"] = email
	}
	nameChanged := false
	if display := normalize(claims.UserDisplayName); display != "" && (profile.DisplayName == nil || display != *profile.DisplayName) {
		updates["user_display_name"] = display
		nameChanged = true
	}
	updates["last_seen_at"] = s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		s.logger.Warn("profile sign-in update failed", zap.String("user_id", userID), zap.Error(err))
	}
	if nameChanged {
		s.invalidate(userID)
	}
	return nil
}

func (s *Service) currentCacheVersion() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheVersion
}

// cacheIfCurrent stores a query result unless an invalidation happened since the query began.
func (s *Service) cacheIfCurrent(version uint64, userID string, profile identity.Profile) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if version != s.cacheVersion {
		return
	}
	s.cache.Add(userID, profile)
}

// invalidate runs after a write has committed. Queries already in flight are forgotten so
// later callers read the new row.
func (s *Service) invalidate(userID string) {
	s.cacheMu.Lock()
	s.cacheVersion++
	s.cache.Remove(userID)
	s.cacheMu.Unlock()
	s.group.Forget(userID)
}
