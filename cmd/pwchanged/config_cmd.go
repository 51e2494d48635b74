package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/pwchanged"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pwchanged configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.pwchanged/" + defaultConfigFileName
	if dir, err := pwchanged.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default pwchanged configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := pwchanged.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file back unchanged.
type configDefaults struct {
	Store                    string  `yaml:"store"`
	Credentials              string  `yaml:"credentials"`
	QueueName                string  `yaml:"queue-name"`
	LockPrefix               string  `yaml:"lock-prefix"`
	LockTTL                  string  `yaml:"lock-ttl"`
	TickInterval             string  `yaml:"tick-interval"`
	TickTimeout              string  `yaml:"tick-timeout"`
	BcryptCost               int     `yaml:"bcrypt-cost"`
	DisableWorker            bool    `yaml:"disable-worker"`
	MetricsListen            string  `yaml:"metrics-listen"`
	PprofListen              string  `yaml:"pprof-listen"`
	EnableProfilingMetrics   bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint             string  `yaml:"otlp-endpoint"`
	DisablePayloadEncryption bool    `yaml:"disable-payload-encryption"`
	PayloadKey               string  `yaml:"payload-key"`
	PayloadSnappy            bool    `yaml:"payload-snappy"`
	StorageRetryMaxAttempts  int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay    string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay     string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier   float64 `yaml:"storage-retry-multiplier"`
	CacheEvictURL            string  `yaml:"cache-evict-url"`
	CacheName                string  `yaml:"cache-name"`
	S3Region                 string  `yaml:"s3-region"`
	ShutdownTimeout          string  `yaml:"shutdown-timeout"`
	LogLevel                 string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	keyPath, _ := pwchanged.DefaultPayloadKeyPath()
	defaults := configDefaults{
		Store:                   pwchanged.DefaultStore,
		Credentials:             pwchanged.DefaultCredentials,
		QueueName:               pwchanged.DefaultQueueName,
		LockPrefix:              pwchanged.DefaultLockPrefix,
		LockTTL:                 pwchanged.DefaultLockTTL.String(),
		TickInterval:            pwchanged.DefaultTickInterval.String(),
		TickTimeout:             pwchanged.DefaultTickTimeout.String(),
		BcryptCost:              pwchanged.DefaultBcryptCost,
		MetricsListen:           pwchanged.DefaultMetricsListen,
		PprofListen:             pwchanged.DefaultPprofListen,
		PayloadKey:              keyPath,
		StorageRetryMaxAttempts: pwchanged.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   pwchanged.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    pwchanged.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  pwchanged.DefaultStorageRetryMultiplier,
		CacheName:               pwchanged.DefaultCacheName,
		ShutdownTimeout:         pwchanged.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
