// Package credential defines the credential store the password change
// pipeline reads and writes, plus the hashing scheme and cache hooks around
// it.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned for unknown subjects.
var ErrNotFound = errors.New("credential: subject not found")

// Credential is the stored secret of one subject.
type Credential struct {
	SubjectID string
	Hash      []byte
	UpdatedAt time.Time
}

// Store looks up, verifies and replaces subject credentials.
type Store interface {
	FindByID(ctx context.Context, subjectID string) (Credential, error)
	// Verify reports whether secret matches the stored credential. It
	// returns ErrNotFound for unknown subjects.
	Verify(ctx context.Context, subjectID, secret string) (bool, error)
	// Persist replaces the stored hash. Unknown subjects yield ErrNotFound.
	Persist(ctx context.Context, subjectID string, hash []byte) error
}

// Hasher turns secrets into stored hashes and checks them.
type Hasher interface {
	Hash(secret string) ([]byte, error)
	Compare(hash []byte, secret string) (bool, error)
}

// BcryptHasher hashes with bcrypt at Cost. A zero Cost uses bcrypt.DefaultCost.
type BcryptHasher struct {
	Cost int
}

// Hash implements Hasher.
func (h BcryptHasher) Hash(secret string) ([]byte, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return nil, fmt.Errorf("credential: hash: %w", err)
	}
	return out, nil
}

// Compare implements Hasher. A mismatch is not an error.
func (BcryptHasher) Compare(hash []byte, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("credential: compare: %w", err)
	}
}

// ValidateCost rejects bcrypt costs outside the supported range. Zero is
// accepted and means the default.
func ValidateCost(cost int) error {
	if cost == 0 {
		return nil
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("credential: bcrypt cost %d outside [%d,%d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// CacheInvalidator drops cached copies of a subject after its credential
// changes.
type CacheInvalidator interface {
	Evict(ctx context.Context, subjectID string) error
}

// NopInvalidator does nothing.
type NopInvalidator struct{}

// Evict implements CacheInvalidator.
func (NopInvalidator) Evict(context.Context, string) error { return nil }
