package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/pwchanged"
	"pkt.systems/pwchanged/internal/loggingutil"
	"pkt.systems/pwchanged/internal/svcfields"
)

// defaultConfigFileName is looked up inside pwchanged.DefaultConfigDir.
const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := loggingutil.New(context.Background(), os.Stderr, pslog.InfoLevel).With("app", "pwchanged")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged, subcommand failures go to
// stderr as plain text.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(arg)
			if flag == nil {
				for _, rest := range args[i+1:] {
					if isSubcommandToken(root, rest) {
						return false
					}
				}
				return true
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newRootCommandWithViper(baseLogger, viper.New())
}

func newRootCommandWithViper(baseLogger pslog.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pwchanged",
		Short:         "pwchanged serializes password changes per user through a shared lock and queue",
		SilenceErrors: true,
		Example: `
  # Single node, everything in memory (tests/dev only)
  pwchanged --store mem:// --disable-payload-encryption

  # Redis lock/queue store, sqlite credentials, subject cache eviction
  pwchanged --store redis://localhost:6379/0 \
    --credentials sqlite:///var/lib/pwchanged/credentials.db \
    --cache-evict-url redis://localhost:6379/1

  # Producer-only instance sharing the same store
  PWCHANGED_STORE=redis://localhost:6379/0 pwchanged --disable-worker
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to pwchanged",
				"app", "pwchanged",
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := pwchanged.NewServer(cfg, pwchanged.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.pwchanged/"+defaultConfigFileName+")")
	persistentFlags.String("store", pwchanged.DefaultStore, "shared lock/queue store URL (mem://, redis://host/db, nats://host?bucket=, s3://host/bucket)")
	persistentFlags.String("credentials", pwchanged.DefaultCredentials, "credential store URL (mem:// or sqlite:///path)")
	persistentFlags.String("queue-name", pwchanged.DefaultQueueName, "name of the shared change queue")
	persistentFlags.String("lock-prefix", pwchanged.DefaultLockPrefix, "key prefix of per-user change locks")
	persistentFlags.Duration("lock-ttl", pwchanged.DefaultLockTTL, "lifetime of a per-user change lock")
	persistentFlags.Int("bcrypt-cost", pwchanged.DefaultBcryptCost, "bcrypt work factor for new hashes")
	persistentFlags.Bool("disable-payload-encryption", false, "store queued requests in plaintext")
	persistentFlags.String("payload-key", "", "PEM key bundle sealing queued requests (defaults to $HOME/.pwchanged/payload.pem)")
	persistentFlags.Bool("payload-snappy", false, "compress queued requests before sealing")
	persistentFlags.Int("storage-retry-attempts", pwchanged.DefaultStorageRetryMaxAttempts, "maximum attempts for transient store errors")
	persistentFlags.Duration("storage-retry-base-delay", pwchanged.DefaultStorageRetryBaseDelay, "initial backoff for store retries")
	persistentFlags.Duration("storage-retry-max-delay", pwchanged.DefaultStorageRetryMaxDelay, "maximum backoff for store retries")
	persistentFlags.Float64("storage-retry-multiplier", pwchanged.DefaultStorageRetryMultiplier, "backoff multiplier for store retries")
	persistentFlags.String("s3-access-key-id", "", "S3 access key (or PWCHANGED_S3_ACCESS_KEY_ID)")
	persistentFlags.String("s3-secret-access-key", "", "S3 secret key (or PWCHANGED_S3_SECRET_ACCESS_KEY)")
	persistentFlags.String("s3-session-token", "", "S3 session token")
	persistentFlags.String("s3-region", "", "S3 region")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.Duration("tick-interval", pwchanged.DefaultTickInterval, "pause between worker ticks")
	flags.Duration("tick-timeout", pwchanged.DefaultTickTimeout, "deadline for the store calls of one tick")
	flags.Bool("disable-worker", false, "accept submissions only; another instance runs the worker")
	flags.String("metrics-listen", pwchanged.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", pwchanged.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("cache-evict-url", "", "redis URL of the user cache to evict after a change (empty disables)")
	flags.String("cache-name", pwchanged.DefaultCacheName, "cache name used in evicted keys (<name>::<user>)")
	flags.Duration("shutdown-timeout", pwchanged.DefaultShutdownTimeout, "time allowed for the in-flight tick on shutdown")

	v.SetEnvPrefix("PWCHANGED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, fs := range []*pflag.FlagSet{persistentFlags, flags} {
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil {
				panic(err)
			}
		})
	}

	cmd.AddCommand(newSubmitCommand(v, svcfields.WithSubsystem(baseLogger, "cli.submit")))
	cmd.AddCommand(newUserCommand(v))
	cmd.AddCommand(newKeyCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindConfig maps flags, environment and the config file onto a server
// config.
func bindConfig(v *viper.Viper) (pwchanged.Config, error) {
	cfg := pwchanged.Config{
		Store:                    v.GetString("store"),
		Credentials:              v.GetString("credentials"),
		QueueName:                v.GetString("queue-name"),
		LockPrefix:               v.GetString("lock-prefix"),
		LockTTL:                  v.GetDuration("lock-ttl"),
		TickInterval:             v.GetDuration("tick-interval"),
		TickTimeout:              v.GetDuration("tick-timeout"),
		BcryptCost:               v.GetInt("bcrypt-cost"),
		DisableWorker:            v.GetBool("disable-worker"),
		MetricsListen:            v.GetString("metrics-listen"),
		PprofListen:              v.GetString("pprof-listen"),
		EnableProfilingMetrics:   v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:             v.GetString("otlp-endpoint"),
		DisablePayloadEncryption: v.GetBool("disable-payload-encryption"),
		PayloadKeyPath:           v.GetString("payload-key"),
		PayloadSnappy:            v.GetBool("payload-snappy"),
		StorageRetryMaxAttempts:  v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:    v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:     v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:   v.GetFloat64("storage-retry-multiplier"),
		CacheEvictURL:            v.GetString("cache-evict-url"),
		CacheName:                v.GetString("cache-name"),
		S3AccessKeyID:            v.GetString("s3-access-key-id"),
		S3SecretAccessKey:        v.GetString("s3-secret-access-key"),
		S3SessionToken:           v.GetString("s3-session-token"),
		S3Region:                 v.GetString("s3-region"),
		ShutdownTimeout:          v.GetDuration("shutdown-timeout"),
	}
	if cfg.PayloadKeyPath != "" {
		expanded, err := expandPath(cfg.PayloadKeyPath)
		if err != nil {
			return cfg, fmt.Errorf("expand payload-key: %w", err)
		}
		cfg.PayloadKeyPath = expanded
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := pwchanged.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, defaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
