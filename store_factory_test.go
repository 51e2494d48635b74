package pwchanged

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/credential/sqlitestore"
)

func TestBuildRedisConfigStripsKeyPrefix(t *testing.T) {
	cfg := Config{Store: "rediss://user:pw@cache.local:6380/2?key-prefix=pw:&dial_timeout=3s"}
	rcfg, err := BuildRedisConfig(cfg)
	if err != nil {
		t.Fatalf("BuildRedisConfig: %v", err)
	}
	if rcfg.KeyPrefix != "pw:" {
		t.Fatalf("unexpected key prefix %q", rcfg.KeyPrefix)
	}
	u, err := url.Parse(rcfg.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Has("key-prefix") {
		t.Fatalf("key-prefix leaked into %q", rcfg.URL)
	}
	if u.Query().Get("dial_timeout") != "3s" || u.Host != "cache.local:6380" {
		t.Fatalf("unexpected url %q", rcfg.URL)
	}
	if _, err := BuildRedisConfig(Config{Store: "mem://"}); err == nil {
		t.Fatal("expected error for non-redis store")
	}
}

func TestBuildNATSConfig(t *testing.T) {
	cfg := Config{Store: "nats://127.0.0.1:4222?bucket=pwlocks&stream=PWQ&subject=pw.q&memory=true&ack-wait=45s"}
	ncfg, err := BuildNATSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildNATSConfig: %v", err)
	}
	if ncfg.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("unexpected url %q", ncfg.URL)
	}
	if ncfg.Bucket != "pwlocks" || ncfg.Stream != "PWQ" || ncfg.SubjectPrefix != "pw.q" {
		t.Fatalf("unexpected names: %+v", ncfg)
	}
	if !ncfg.Memory || ncfg.AckWait != 45*time.Second {
		t.Fatalf("unexpected options: %+v", ncfg)
	}
	if _, err := BuildNATSConfig(Config{Store: "nats://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, err := BuildNATSConfig(Config{Store: "nats://h?ack-wait=soon"}); err == nil {
		t.Fatal("expected error for bad ack-wait")
	}
}

func TestBuildS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&region=eu-north-1",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
	}
	s3cfg, summary, err := BuildS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s %s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config")
	}
	if s3cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected region %q", s3cfg.Region)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}
	if _, _, err := BuildS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, _, err := BuildS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatal("expected error for non-s3 store")
	}
}

func TestResolveS3CredentialsFromEnv(t *testing.T) {
	t.Setenv("PWCHANGED_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("PWCHANGED_S3_SECRET_ACCESS_KEY", "envsecret")
	t.Setenv("PWCHANGED_S3_SESSION_TOKEN", "")
	creds, summary, err := resolveS3Credentials(Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds == nil || summary.AccessKey != "envkey" || summary.Source != "env:PWCHANGED_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestResolveS3CredentialsChainAndIncomplete(t *testing.T) {
	t.Setenv("PWCHANGED_S3_ACCESS_KEY_ID", "")
	t.Setenv("PWCHANGED_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("PWCHANGED_S3_SESSION_TOKEN", "")
	creds, summary, err := resolveS3Credentials(Config{})
	if err != nil || creds != nil || summary.Source != "chain" {
		t.Fatalf("expected credential chain, got %v %+v %v", creds, summary, err)
	}
	if _, _, err := resolveS3Credentials(Config{S3AccessKeyID: "only-key"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/pwchanged/credentials.db": "/var/lib/pwchanged/credentials.db",
		"sqlite://var/lib/creds.db":                  "/var/lib/creds.db",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		got, err := sqlitePath(u)
		if err != nil {
			t.Fatalf("sqlitePath(%s): %v", raw, err)
		}
		if got != filepath.Clean(want) {
			t.Fatalf("sqlitePath(%s) = %q, want %q", raw, got, want)
		}
	}
	u, _ := url.Parse("sqlite://")
	if _, err := sqlitePath(u); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenCredentialStore(t *testing.T) {
	ctx := context.Background()
	hasher := credential.BcryptHasher{Cost: 4}
	store, closer, err := openCredentialStore(ctx, Config{Credentials: "mem://"}, hasher, nil)
	if err != nil {
		t.Fatalf("open mem: %v", err)
	}
	if _, ok := store.(*credential.Memory); !ok || closer != nil {
		t.Fatalf("expected memory store without closer, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "creds.db")
	store, closer, err = openCredentialStore(ctx, Config{Credentials: "sqlite://" + path}, hasher, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer closer.Close()
	if _, ok := store.(*sqlitestore.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if _, _, err := openCredentialStore(ctx, Config{Credentials: "ldap://x"}, hasher, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestOpenSQLiteCredentialsCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "creds.db")
	store, err := OpenSQLiteCredentials(context.Background(), "sqlite://"+path, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Set(context.Background(), "u-1", "hunter22"); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err := store.Verify(context.Background(), "u-1", "hunter22")
	if err != nil || !ok {
		t.Fatalf("verify: %v %v", ok, err)
	}
	if _, err := OpenSQLiteCredentials(context.Background(), "mem://", 4); err == nil {
		t.Fatal("expected error for non-sqlite url")
	}
}

func TestOpenCacheInvalidatorDisabled(t *testing.T) {
	cache, closer, err := openCacheInvalidator(context.Background(), Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := cache.(credential.NopInvalidator); !ok || closer != nil {
		t.Fatalf("expected no-op invalidator, got %T", cache)
	}
}
