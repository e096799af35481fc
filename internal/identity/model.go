package identity

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTarget indicates an impersonation request without a usable user id.
	ErrInvalidTarget = errors.New("identity: invalid impersonation target")
)

// Target is the admin-selected user whose data is shown instead of the signed-in user's.
// A target is replaced wholesale on every change and never patched in place.
type Target struct {
	UserID  string  `json:"userId"`
	Email   string  `json:"email"`
	Name    *string `json:"name"`
	RealmID *string `json:"realmId"`
}

// NewTarget trims and validates raw target attributes.
func NewTarget(userID, email string, name, realmID *string) (Target, error) {
	target := Target{
		UserID:  strings.TrimSpace(userID),
		Email:   strings.TrimSpace(email),
		Name:    cloneString(name),
		RealmID: cloneString(realmID),
	}
	if err := target.Validate(); err != nil {
		return Target{}, err
	}
	return target, nil
}

// Validate reports whether the target can be stored.
func (t Target) Validate() error {
	userID := strings.TrimSpace(t.UserID)
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidTarget)
	}
	if len(userID) > maxIdentifierLength {
		return fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidTarget, maxIdentifierLength)
	}
	return nil
}

// Clone returns a deep copy so callers never share pointer fields with the context.
func (t Target) Clone() Target {
	return Target{
		UserID:  t.UserID,
		Email:   t.Email,
		Name:    cloneString(t.Name),
		RealmID: cloneString(t.RealmID),
	}
}

// Equal compares every field including nil-ness of the optional ones.
func (t Target) Equal(other Target) bool {
	return t.UserID == other.UserID &&
		t.Email == other.Email &&
		equalString(t.Name, other.Name) &&
		equalString(t.RealmID, other.RealmID)
}

// EffectiveIdentity is the identity consumers key their data fetches by.
type EffectiveIdentity struct {
	Loaded          bool    `json:"loaded"`
	UserID          *string `json:"userId"`
	Email           *string `json:"email"`
	Name            *string `json:"name"`
	RealmID         *string `json:"realmId"`
	IsImpersonating bool    `json:"isImpersonating"`
}

// Unresolved is the identity reported before the first resolution completes.
func Unresolved() EffectiveIdentity {
	return EffectiveIdentity{}
}

// Anonymous is the explicitly resolved "nobody is signed in" identity.
func Anonymous() EffectiveIdentity {
	return EffectiveIdentity{Loaded: true}
}

func impersonatedIdentity(target Target) EffectiveIdentity {
	return EffectiveIdentity{
		Loaded:          true,
		UserID:          stringPtr(target.UserID),
		Email:           stringPtr(target.Email),
		Name:            cloneString(target.Name),
		RealmID:         cloneString(target.RealmID),
		IsImpersonating: true,
	}
}

// Equal compares two identities field by field.
func (e EffectiveIdentity) Equal(other EffectiveIdentity) bool {
	return e.Loaded == other.Loaded &&
		e.IsImpersonating == other.IsImpersonating &&
		equalString(e.UserID, other.UserID) &&
		equalString(e.Email, other.Email) &&
		equalString(e.Name, other.Name) &&
		equalString(e.RealmID, other.RealmID)
}

// Session is the real, authenticated user as reported by the identity provider.
type Session struct {
	UserID string
	Email  string
}

// Profile holds the attributes looked up for a real user.
type Profile struct {
	Name    *string
	RealmID *string
}

func stringPtr(value string) *string {
	return &value
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func equalString(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}
