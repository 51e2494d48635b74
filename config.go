package pwchanged

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/pwchanged/internal/credential"
	"pkt.systems/pwchanged/internal/lockmgr"
	"pkt.systems/pwchanged/internal/pwchange"
	"pkt.systems/pwchanged/internal/reqqueue"
)

const (
	// DefaultStore keeps locks and the queue in process memory.
	DefaultStore = "mem://"
	// DefaultCredentials keeps credentials in process memory.
	DefaultCredentials = "mem://"
	// DefaultQueueName is the shared list holding pending changes.
	DefaultQueueName = reqqueue.DefaultName
	// DefaultLockPrefix namespaces subject locks.
	DefaultLockPrefix = lockmgr.DefaultPrefix
	// DefaultLockTTL bounds how long a crashed holder blocks a subject.
	DefaultLockTTL = lockmgr.DefaultTTL
	// DefaultTickInterval is the pause between worker ticks.
	DefaultTickInterval = pwchange.DefaultInterval
	// DefaultTickTimeout bounds the store calls of one tick.
	DefaultTickTimeout = pwchange.DefaultTickTimeout
	// DefaultBcryptCost is the work factor for new hashes.
	DefaultBcryptCost = 10
	// DefaultMetricsListen is empty, which disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables pprof.
	DefaultPprofListen = ""
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultCacheName is the cache whose entries are evicted after a change.
	DefaultCacheName = "users"
)

const (
	// DefaultStorageRetryMaxAttempts caps attempts for transient store errors.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first backoff delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps backoff delays.
	DefaultStorageRetryMaxDelay = time.Second
	// DefaultStorageRetryMultiplier grows the delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures the tunables of a pwchanged server.
type Config struct {
	// Store selects the shared lock/queue backend: mem://, redis://,
	// rediss://, nats:// or s3://.
	Store string
	// Credentials selects the credential store: mem:// or sqlite:///path.
	Credentials string

	QueueName    string
	LockPrefix   string
	LockTTL      time.Duration
	TickInterval time.Duration
	TickTimeout  time.Duration
	BcryptCost   int
	// DisableWorker runs a producer-only instance. Exactly one instance per
	// shared store should run the worker.
	DisableWorker bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	DisablePayloadEncryption bool
	// PayloadKeyPath points at a PEM bundle created by 'pwchanged key gen'.
	PayloadKeyPath string
	// PayloadRootKey takes precedence over PayloadKeyPath when set.
	PayloadRootKey keymgmt.RootKey
	PayloadSnappy  bool

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// CacheEvictURL is a redis URL of the subject cache. Empty disables
	// eviction.
	CacheEvictURL string
	CacheName     string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3Region          string

	ShutdownTimeout time.Duration
}

// PayloadEncryptionEnabled reports whether queue bodies are sealed.
func (c Config) PayloadEncryptionEnabled() bool {
	return !c.DisablePayloadEncryption
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if err := checkURL("store", c.Store, "mem", "memory", "redis", "rediss", "nats", "s3"); err != nil {
		return err
	}
	if c.Credentials == "" {
		c.Credentials = DefaultCredentials
	}
	if err := checkURL("credentials", c.Credentials, "mem", "memory", "sqlite"); err != nil {
		return err
	}
	if c.QueueName == "" {
		c.QueueName = DefaultQueueName
	}
	if c.LockPrefix == "" {
		c.LockPrefix = DefaultLockPrefix
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be >= 0")
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	} else if c.TickInterval < 0 {
		return fmt.Errorf("config: tick interval must be >= 0")
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = DefaultBcryptCost
	}
	if err := credential.ValidateCost(c.BcryptCost); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.DisablePayloadEncryption {
		c.PayloadSnappy = false
	} else if c.PayloadRootKey == (keymgmt.RootKey{}) && strings.TrimSpace(c.PayloadKeyPath) == "" {
		path, err := DefaultPayloadKeyPath()
		if err != nil {
			return fmt.Errorf("config: resolve payload key path: %w", err)
		}
		c.PayloadKeyPath = path
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier == 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage retry multiplier must be >= 1")
	}
	if c.CacheEvictURL != "" {
		if err := checkURL("cache-evict", c.CacheEvictURL, "redis", "rediss"); err != nil {
			return err
		}
	}
	if c.CacheName == "" {
		c.CacheName = DefaultCacheName
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s URL: %w", name, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("config: %s scheme %q not supported (options: %s)", name, u.Scheme, strings.Join(schemes, ", "))
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.pwchanged, or $PWCHANGED_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PWCHANGED_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pwchanged"), nil
}

// DefaultPayloadKeyPath returns the default location of the payload key bundle.
func DefaultPayloadKeyPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "payload.pem"), nil
}

// DefaultCredentialsURL returns a sqlite URL inside the config directory.
func DefaultCredentialsURL() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return "sqlite://" + filepath.ToSlash(filepath.Join(dir, "credentials.db")), nil
}
