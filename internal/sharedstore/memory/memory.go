// Package memory is an in-process sharedstore used by tests and single-node
// deployments. State does not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/sharedstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store keeps keys and lists in maps guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	keys   map[string]entry
	lists  map[string][][]byte
	closed bool
}

// Option customises a Store.
type Option func(*Store)

// WithClock sets the clock used for key expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = clock.Or(c)
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock: clock.Real{},
		keys:  make(map[string]entry),
		lists: make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := sharedstore.ValidateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, sharedstore.ErrClosed
	}
	if cur, ok := s.keys[key]; ok && !clock.Expired(s.clock, cur.expiresAt) {
		return false, nil
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.keys[key] = e
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := sharedstore.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sharedstore.ErrClosed
	}
	delete(s.keys, key)
	return nil
}

func (s *Store) PushTail(ctx context.Context, list string, item []byte) error {
	if err := sharedstore.ValidateKey(list); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sharedstore.ErrClosed
	}
	s.lists[list] = append(s.lists[list], append([]byte(nil), item...))
	return nil
}

func (s *Store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	if err := sharedstore.ValidateKey(list); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, sharedstore.ErrClosed
	}
	items := s.lists[list]
	if len(items) == 0 {
		return nil, false, nil
	}
	head := items[0]
	items[0] = nil
	if len(items) == 1 {
		delete(s.lists, list)
	} else {
		s.lists[list] = items[1:]
	}
	return head, true, nil
}

// Len returns the number of queued items in list.
func (s *Store) Len(list string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[list])
}

// Held reports whether key currently has a live entry.
func (s *Store) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key]
	return ok && !clock.Expired(s.clock, cur.expiresAt)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
