package pwchanged

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	goredis "github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged/internal/clock"
	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/credential/rediscache"
	"pkt.systems/pwchanged/internal/credential/sqlitestore"
	"pkt.systems/pwchanged/internal/sharedstore"
	"pkt.systems/pwchanged/internal/sharedstore/logging"
	"pkt.systems/pwchanged/internal/sharedstore/memory"
	"pkt.systems/pwchanged/internal/sharedstore/natsjs"
	redisstore "pkt.systems/pwchanged/internal/sharedstore/redis"
	"pkt.systems/pwchanged/internal/sharedstore/retry"
	"pkt.systems/pwchanged/internal/sharedstore/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openSharedStore dials the backend named by cfg.Store and decorates it with
// retries and logging. The returned name labels the backend in logs.
func openSharedStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (sharedstore.Store, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	var (
		backend sharedstore.Store
		name    string
	)
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory", "":
		backend, name = memory.New(memory.WithClock(clk)), "mem"
	case "redis", "rediss":
		rcfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		store, err := redisstore.New(ctx, rcfg)
		if err != nil {
			return nil, "", err
		}
		backend, name = store, "redis"
	case "nats":
		ncfg, err := BuildNATSConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		ncfg.Clock = clk
		store, err := natsjs.New(ctx, ncfg)
		if err != nil {
			return nil, "", err
		}
		backend, name = store, "nats"
	case "s3":
		s3cfg, _, err := BuildS3Config(cfg)
		if err != nil {
			return nil, "", err
		}
		s3cfg.Clock = clk
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.Ready(readyCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, "", fmt.Errorf("object store connectivity check failed: %w", err)
		}
		backend, name = store, "s3"
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	wrapped := retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(wrapped, logger, name), name, nil
}

// BuildRedisConfig parses redis:// and rediss:// URLs. The key-prefix query
// parameter is consumed here; everything else goes to go-redis.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	query := u.Query()
	prefix := query.Get("key-prefix")
	query.Del("key-prefix")
	u.RawQuery = query.Encode()
	return redisstore.Config{URL: u.String(), KeyPrefix: prefix}, nil
}

// BuildNATSConfig parses nats://host[:port]?bucket=&stream=&subject=&memory=&ack-wait=.
func BuildNATSConfig(cfg Config) (natsjs.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return natsjs.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "nats" {
		return natsjs.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return natsjs.Config{}, fmt.Errorf("nats store missing host (expected nats://host[:port])")
	}
	query := u.Query()
	out := natsjs.Config{
		Bucket:        query.Get("bucket"),
		Stream:        query.Get("stream"),
		SubjectPrefix: query.Get("subject"),
	}
	if v := query.Get("memory"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return natsjs.Config{}, fmt.Errorf("nats store: memory: %w", err)
		}
		out.Memory = ok
	}
	if v := query.Get("ack-wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return natsjs.Config{}, fmt.Errorf("nats store: ack-wait: %w", err)
		}
		out.AckWait = d
	}
	u.RawQuery = ""
	out.URL = u.String()
	return out, nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs for S3 compatible
// services.
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := cfg.S3Region
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// resolveS3Credentials prefers explicit config, then PWCHANGED_S3_* variables.
// With neither, credentials come from the AWS/MinIO chain.
func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("PWCHANGED_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("PWCHANGED_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("PWCHANGED_S3_SESSION_TOKEN")
		source = "env:PWCHANGED_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// openCredentialStore opens the store named by cfg.Credentials. The closer is
// nil for stores without resources.
func openCredentialStore(ctx context.Context, cfg Config, hasher credential.Hasher, clk clock.Clock) (credential.Store, io.Closer, error) {
	u, err := url.Parse(cfg.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("parse credentials URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem", "memory", "":
		return credential.NewMemory(hasher, clk), nil, nil
	case "sqlite":
		path, err := sqlitePath(u)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlitestore.Open(ctx, path, hasher, clk)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("credentials scheme %q not supported", u.Scheme)
	}
}

// OpenSQLiteCredentials opens the sqlite credential store named by rawURL.
// It serves provisioning commands that bypass the change pipeline.
func OpenSQLiteCredentials(ctx context.Context, rawURL string, bcryptCost int) (*sqlitestore.Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse credentials URL: %w", err)
	}
	if u.Scheme != "sqlite" {
		return nil, fmt.Errorf("credentials scheme %q is not sqlite", u.Scheme)
	}
	path, err := sqlitePath(u)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return sqlitestore.Open(ctx, path, credential.BcryptHasher{Cost: bcryptCost}, nil)
}

func sqlitePath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("sqlite credentials path required (e.g. sqlite:///var/lib/pwchanged/credentials.db)")
	}
	return filepath.Clean(pathPart), nil
}

// openCacheInvalidator returns the redis evictor for cfg.CacheEvictURL, or a
// no-op when eviction is disabled.
func openCacheInvalidator(ctx context.Context, cfg Config) (credential.CacheInvalidator, io.Closer, error) {
	if cfg.CacheEvictURL == "" {
		return credential.NopInvalidator{}, nil, nil
	}
	opts, err := goredis.ParseURL(cfg.CacheEvictURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cache-evict URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("cache-evict ping: %w", err)
	}
	return rediscache.New(client, cfg.CacheName), client, nil
}
