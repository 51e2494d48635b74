// Package lockmgr provides per-subject, self-expiring exclusive locks on top
// of a sharedstore. A lock is nothing more than the presence of
// prefix+subjectID; its value only records which process took it.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/svcfields"
)

const (
	// DefaultPrefix namespaces lock keys in the shared store.
	DefaultPrefix = "password-change-lock:"
	// DefaultTTL bounds how long an unreleased lock survives a crashed holder.
	DefaultTTL = 5 * time.Minute
)

// ErrEmptySubject rejects lock operations without a subject.
var ErrEmptySubject = errors.New("lockmgr: empty subject id")

// Manager acquires and releases subject locks.
type Manager struct {
	store  sharedstore.Store
	prefix string
	owner  string
	logger pslog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		m.logger = svcfields.WithSubsystem(logger, "pwchange", "lock")
	}
}

// WithOwner overrides the generated owner token stored in lock values.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// New returns a Manager over store.
func New(store sharedstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		prefix: DefaultPrefix,
		owner:  xid.New().String(),
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the store key guarding subjectID.
func (m *Manager) Key(subjectID string) string {
	return m.prefix + subjectID
}

// Owner returns the token this Manager writes into the locks it takes.
func (m *Manager) Owner() string {
	return m.owner
}

// TryAcquire takes the lock for subjectID if nobody holds it. It never
// waits: false means another request for the subject is pending.
func (m *Manager) TryAcquire(ctx context.Context, subjectID string, ttl time.Duration) (bool, error) {
	if subjectID == "" {
		return false, ErrEmptySubject
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.store.SetIfAbsent(ctx, m.Key(subjectID), []byte(m.owner), ttl)
	if err != nil {
		return false, fmt.Errorf("lockmgr: acquire %s: %w", subjectID, err)
	}
	if ok {
		m.logger.Debug("lock.acquire.success", svcfields.SubjectKey, subjectID, "ttl", ttl)
	} else {
		m.logger.Debug("lock.acquire.held", svcfields.SubjectKey, subjectID)
	}
	return ok, nil
}

// Release drops the lock for subjectID. Releasing a lock that is absent,
// expired or already released is not an error.
func (m *Manager) Release(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrEmptySubject
	}
	if err := m.store.Delete(ctx, m.Key(subjectID)); err != nil {
		return fmt.Errorf("lockmgr: release %s: %w", subjectID, err)
	}
	m.logger.Debug("lock.release.success", svcfields.SubjectKey, subjectID)
	return nil
}
