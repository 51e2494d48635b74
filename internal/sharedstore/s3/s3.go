// Package s3 implements sharedstore on S3 compatible object storage.
//
// Locks are single objects written with If-None-Match: * and reclaimed after
// expiry with If-Match on the observed ETag. Queue items are one object each,
// named by a UUIDv7 so that lexical listing order equals enqueue order. Pops
// assume a single consumer, which is how the change worker runs.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/sharedstore"
)

const casAttempts = 3

// Config describes the bucket and how to reach it.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Clock          clock.Clock
}

// Store is an object storage backed sharedstore.
type Store struct {
	client *minio.Client
	cfg    Config
}

type lockObject struct {
	Value     []byte `json:"v,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// New builds a minio client for cfg. Credentials come from cfg.CustomCreds or
// the usual AWS/MinIO environment, credentials file and IAM chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.Clock = clock.Or(cfg.Clock)
	return &Store{client: client, cfg: cfg}, nil
}

// Client exposes the minio client.
func (s *Store) Client() *minio.Client { return s.client }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Ready checks that the bucket is reachable and exists.
func (s *Store) Ready(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return classify("bucket exists", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

func (s *Store) object(parts ...string) string {
	if s.cfg.Prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.cfg.Prefix}, parts...)...)
}

func (s *Store) lockObjectName(key string) string {
	return s.object("locks", url.PathEscape(key))
}

func (s *Store) listPrefix(list string) string {
	return s.object("queues", url.PathEscape(list)) + "/"
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := sharedstore.ValidateKey(key); err != nil {
		return false, err
	}
	rec := lockObject{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.cfg.Clock.Now().Add(ttl).UnixNano()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("s3: encode lock: %w", err)
	}
	name := s.lockObjectName(key)
	for attempt := 0; attempt < casAttempts; attempt++ {
		opts := minio.PutObjectOptions{ContentType: "application/json"}
		opts.SetMatchETagExcept("*")
		_, err := s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(body), int64(len(body)), opts)
		if err == nil {
			return true, nil
		}
		if !isPreconditionFailed(err) {
			return false, classify("put lock", err)
		}
		cur, etag, err := s.readLock(ctx, name)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return false, classify("get lock", err)
		}
		if !cur.expired(s.cfg.Clock) {
			return false, nil
		}
		opts = minio.PutObjectOptions{ContentType: "application/json"}
		opts.SetMatchETag(etag)
		_, err = s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(body), int64(len(body)), opts)
		if err == nil {
			return true, nil
		}
		if isPreconditionFailed(err) {
			return false, nil
		}
		if isNotFound(err) {
			continue
		}
		return false, classify("reclaim lock", err)
	}
	return false, nil
}

func (l lockObject) expired(c clock.Clock) bool {
	if l.ExpiresAt == 0 {
		return false
	}
	return clock.Expired(c, time.Unix(0, l.ExpiresAt))
}

func (s *Store) readLock(ctx context.Context, name string) (lockObject, string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return lockObject{}, "", err
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return lockObject{}, "", err
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return lockObject{}, "", err
	}
	var rec lockObject
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable lock is treated as expired so it cannot wedge a subject.
		return lockObject{ExpiresAt: 1}, info.ETag, nil
	}
	return rec, info.ETag, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := sharedstore.ValidateKey(key); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.lockObjectName(key), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return classify("remove lock", err)
	}
	return nil
}

func (s *Store) PushTail(ctx context.Context, list string, item []byte) error {
	if err := sharedstore.ValidateKey(list); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("s3: item id: %w", err)
	}
	name := s.listPrefix(list) + id.String()
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	opts.SetMatchETagExcept("*")
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(item), int64(len(item)), opts); err != nil {
		return classify("put item", err)
	}
	return nil
}

func (s *Store) PopHead(ctx context.Context, list string) ([]byte, bool, error) {
	if err := sharedstore.ValidateKey(list); err != nil {
		return nil, false, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		name, ok, err := s.head(ctx, s.listPrefix(list))
		if err != nil || !ok {
			return nil, false, err
		}
		obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
		if err != nil {
			return nil, false, classify("get item", err)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, false, classify("read item", err)
		}
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, name, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return nil, false, classify("remove item", err)
		}
		return data, true, nil
	}
	return nil, false, nil
}

// head returns the lexically first object under prefix.
func (s *Store) head(ctx context.Context, prefix string) (string, bool, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for info := range s.client.ListObjects(listCtx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   1,
	}) {
		if info.Err != nil {
			return "", false, classify("list items", info.Err)
		}
		return info.Key, true, nil
	}
	return "", false, nil
}

// Close is a no-op; the minio client holds no long lived resources.
func (s *Store) Close() error { return nil }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isRetryable(err) {
		return sharedstore.Unavailable("s3 "+op, err)
	}
	return fmt.Errorf("s3: %s: %w", op, err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict &&
		(resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
