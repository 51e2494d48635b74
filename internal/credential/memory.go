package credential

import (
	"context"
	"sync"

	"pkt.systems/pwchanged/internal/clock"
)

// Memory is an in-process Store, mostly for tests and single-node demos.
type Memory struct {
	mu     sync.RWMutex
	hasher Hasher
	clock  clock.Clock
	creds  map[string]Credential

	persists int
}

// NewMemory returns an empty Memory store. A nil hasher uses BcryptHasher at
// the minimum cost.
func NewMemory(hasher Hasher, clk clock.Clock) *Memory {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 4}
	}
	return &Memory{hasher: hasher, clock: clock.Or(clk), creds: make(map[string]Credential)}
}

// Set creates or replaces subjectID's credential from a plaintext secret.
func (m *Memory) Set(subjectID, secret string) error {
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.creds[subjectID] = Credential{SubjectID: subjectID, Hash: hash, UpdatedAt: m.clock.Now()}
	m.mu.Unlock()
	return nil
}

// Remove deletes subjectID.
func (m *Memory) Remove(subjectID string) {
	m.mu.Lock()
	delete(m.creds, subjectID)
	m.mu.Unlock()
}

// Persists counts successful Persist calls.
func (m *Memory) Persists() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persists
}

// FindByID implements Store.
func (m *Memory) FindByID(ctx context.Context, subjectID string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[subjectID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	c.Hash = append([]byte(nil), c.Hash...)
	return c, nil
}

// Verify implements Store.
func (m *Memory) Verify(ctx context.Context, subjectID, secret string) (bool, error) {
	c, err := m.FindByID(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return m.hasher.Compare(c.Hash, secret)
}

// Persist implements Store.
func (m *Memory) Persist(ctx context.Context, subjectID string, hash []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[subjectID]
	if !ok {
		return ErrNotFound
	}
	c.Hash = append([]byte(nil), hash...)
	c.UpdatedAt = m.clock.Now()
	m.creds[subjectID] = c
	m.persists++
	return nil
}
