// Package natsjs implements sharedstore on NATS JetStream.
//
// Locks live in a KeyValue bucket. Each value records its own expiry, so an
// expired lock is reclaimed with a revision checked Update rather than a
// server side per-key TTL. Lists are WorkQueue streams drained through one
// durable pull consumer per list; a message leaves the stream once it is
// acknowledged.
package natsjs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/sharedstore"
)

const (
	DefaultBucket        = "pwchange-locks"
	DefaultStream        = "PWCHANGE"
	DefaultSubjectPrefix = "pwchange.queue"
	defaultAckWait       = 30 * time.Second
	createAttempts       = 3
)

// Config controls bucket, stream and subject naming.
type Config struct {
	URL           string
	Bucket        string
	Stream        string
	SubjectPrefix string
	// AckWait bounds how long a popped message may stay unacknowledged before
	// JetStream redelivers it.
	AckWait time.Duration
	// Memory selects in-memory JetStream storage instead of file storage.
	Memory bool
	Clock  clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	c.Clock = clock.Or(c.Clock)
}

// Store is a JetStream backed sharedstore.
type Store struct {
	cfg   Config
	nc    *nats.Conn
	owned bool
	js    jetstream.JetStream
	kv    jetstream.KeyValue

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

type lockRecord struct {
	Value     []byte `json:"v,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (r lockRecord) expired(c clock.Clock) bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return clock.Expired(c, time.Unix(0, r.ExpiresAt))
}

// New connects to cfg.URL and provisions the bucket and stream.
func New(ctx context.Context, cfg Config) (*Store, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pwchanged"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, sharedstore.Unavailable("nats connect", err)
	}
	s, err := NewWithConn(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithConn provisions the bucket and stream over an existing connection.
// Close leaves nc open.
func NewWithConn(ctx context.Context, nc *nats.Conn, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	kv, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
		Storage: storage,
	})
	if err != nil {
		return nil, classify("ensure bucket", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   storage,
	}); err != nil {
		return nil, classify("ensure stream", err)
	}
	return &Store{
		cfg:       cfg,
		nc:        nc,
		js:        js,
		kv:        kv,
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		kv, err := js.CreateKeyValue(ctx, cfg)
		if err == nil {
			return kv, nil
		}
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return kv, nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
	}
	return nil, lastErr
}

// kvKey maps arbitrary lock keys onto the KV key alphabet.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := sharedstore.ValidateKey(key); err != nil {
		return false, err
	}
	rec := lockRecord{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.cfg.Clock.Now().Add(ttl).UnixNano()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("natsjs: encode lock: %w", err)
	}
	k := kvKey(key)
	for attempt := 0; attempt < createAttempts; attempt++ {
		_, err := s.kv.Create(ctx, k, payload)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return false, classify("kv create", err)
		}
		entry, err := s.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return false, classify("kv get", err)
		}
		var cur lockRecord
		if err := json.Unmarshal(entry.Value(), &cur); err == nil && !cur.expired(s.cfg.Clock) {
			return false, nil
		}
		// Expired or unreadable: take it over if nobody else did first.
		_, err = s.kv.Update(ctx, k, payload, entry.Revision())
		if err == nil {
			return true, nil
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, classify("kv update", err)
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := sharedstore.ValidateKey(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, kvKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return classify("kv delete", err)
	}
	return nil
}

func (s *Store) subject(list string) (string, error) {
	if err := sharedstore.ValidateKey(list); err != nil {
		return "", err
	}
	if strings.ContainsAny(list, ".*> \t") {
		return "", fmt.Errorf("%w: %q is not a valid subject token", sharedstore.ErrInvalidKey, list)
	}
	return s.cfg.SubjectPrefix + "." + list, nil
}

func (s *Store) PushTail(ctx context.Context, list string, item []byte) error {
	subj, err := s.subject(list)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(ctx, subj, item); err != nil {
		return classify("publish", err)
	}
	return nil
}

func (s *Store) consumer(ctx context.Context, list, subj string) (jetstream.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[list]; ok {
		return c, nil
	}
	c, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       "pwchange-" + list,
		FilterSubject: subj,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, err
	}
	s.consumers[list] = c
	return c, nil
}

func (s *Store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	subj, err := s.subject(list)
	if err != nil {
		return nil, false, err
	}
	cons, err := s.consumer(ctx, list, subj)
	if err != nil {
		return nil, false, classify("consumer", err)
	}
	batch, err := cons.FetchNoWait(1)
	if err != nil {
		return nil, false, classify("fetch", err)
	}
	for msg := range batch.Messages() {
		data := append([]byte(nil), msg.Data()...)
		if err := msg.DoubleAck(ctx); err != nil {
			return nil, false, classify("ack", err)
		}
		return data, true, nil
	}
	if err := batch.Error(); err != nil {
		return nil, false, classify("fetch", err)
	}
	return nil, false, nil
}

func (s *Store) Close() error {
	if s.owned {
		s.nc.Close()
	}
	return nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectivity(err) {
		return sharedstore.Unavailable("nats "+op, err)
	}
	return fmt.Errorf("natsjs: %s: %w", op, err)
}

func isConnectivity(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}
