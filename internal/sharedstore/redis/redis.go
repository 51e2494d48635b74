// Package redis implements sharedstore on a Redis server. Locks are plain
// SET NX PX keys and the queue is a Redis list (RPUSH/LPOP), which gives
// strict FIFO across every process sharing the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/pwchanged/internal/sharedstore"
)

// Config describes how to reach Redis.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// KeyPrefix is prepended to every key and list name.
	KeyPrefix string
}

// Store is a sharedstore backed by go-redis.
type Store struct {
	client *goredis.Client
	prefix string
	owned  bool
}

// New dials Redis and verifies connectivity with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, sharedstore.Unavailable("ping", err)
	}
	return &Store{client: client, prefix: cfg.KeyPrefix, owned: true}, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client *goredis.Client, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix}
}

// Client exposes the underlying client so other components can share the
// connection pool.
func (s *Store) Client() *goredis.Client {
	return s.client
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := sharedstore.ValidateKey(key); err != nil {
		return false, err
	}
	if value == nil {
		value = []byte{}
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, classify("set_nx", err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := sharedstore.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return classify("del", err)
	}
	return nil
}

func (s *Store) PushTail(ctx context.Context, list string, item []byte) error {
	if err := sharedstore.ValidateKey(list); err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.prefix+list, item).Err(); err != nil {
		return classify("rpush", err)
	}
	return nil
}

func (s *Store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	if err := sharedstore.ValidateKey(list); err != nil {
		return nil, false, err
	}
	item, err := s.client.LPop(ctx, s.prefix+list).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("lpop", err)
	}
	return item, true, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// classify separates server replies (permanent) from transport failures
// (retryable, reported as unavailable).
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, goredis.ErrClosed) {
		return sharedstore.ErrClosed
	}
	var reply goredis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("redis: %s: %w", op, err)
	}
	return sharedstore.Unavailable("redis "+op, err)
}
