package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultSlugAlphabet is the URL-safe alphabet used for generated share slugs
const DefaultSlugAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// slugAlphabetPattern keeps generated slugs within the characters custom
// slugs may use
var slugAlphabetPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config holds all configuration for UnPload
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	Storage StorageConfig `mapstructure:"storage"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Trash   TrashConfig   `mapstructure:"trash"`
	Share   ShareConfig   `mapstructure:"share"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig defines storage backend configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem, s3, memory

	// Filesystem backend
	Root string `mapstructure:"root"`

	// Spool directory for uploads before they are committed to the backend
	TempDir string `mapstructure:"temp_dir"`

	// How long a computed total usage is reused; 0 walks the backend on every request
	UsageCacheTTL time.Duration `mapstructure:"usage_cache_ttl"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config defines the S3-compatible backend connection
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// QuotaConfig defines per-user quota defaults
type QuotaConfig struct {
	Default      string `mapstructure:"default"` // human size, e.g. 5GiB
	DefaultBytes int64  `mapstructure:"-"`
}

// LimitsConfig defines upload limits
type LimitsConfig struct {
	MaxFileSize  string `mapstructure:"max_file_size"` // human size, e.g. 100MiB
	MaxFileBytes int64  `mapstructure:"-"`
}

// TrashConfig defines trash retention
type TrashConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 disables the sweeper
}

// Retention returns the retention window as a duration
func (t TrashConfig) Retention() time.Duration {
	return time.Duration(t.RetentionDays) * 24 * time.Hour
}

// ShareConfig defines share link generation
type ShareConfig struct {
	SlugLength          int    `mapstructure:"slug_length"`
	SlugAlphabet        string `mapstructure:"slug_alphabet"`
	CustomSlugMinLength int    `mapstructure:"custom_slug_min_length"`
	BcryptCost          int    `mapstructure:"bcrypt_cost"`

	// Public share requests allowed per client IP per minute; 0 disables the limit
	AccessRatePerMinute int `mapstructure:"access_rate_per_minute"`
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`

	// Set when no secret was configured and one was generated for this process
	EphemeralSecret bool `mapstructure:"-"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// UNPLOAD_STORAGE_S3_BUCKET maps to storage.s3.bucket
	v.SetEnvPrefix("UNPLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.root", "") // derived from data_dir
	v.SetDefault("storage.temp_dir", "")
	v.SetDefault("storage.usage_cache_ttl", "0s")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_path_style", true)

	v.SetDefault("quota.default", "5GiB")
	v.SetDefault("limits.max_file_size", "100MiB")

	v.SetDefault("trash.retention_days", 30)
	v.SetDefault("trash.sweep_interval", "0s")

	v.SetDefault("share.slug_length", 8)
	v.SetDefault("share.slug_alphabet", DefaultSlugAlphabet)
	v.SetDefault("share.custom_slug_min_length", 4)
	v.SetDefault("share.bcrypt_cost", 12)
	v.SetDefault("share.access_rate_per_minute", 60)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"storage-backend": "storage.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or UNPLOAD_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := validateStorage(cfg); err != nil {
		return err
	}

	defaultQuota, err := humanize.ParseBytes(cfg.Quota.Default)
	if err != nil {
		return fmt.Errorf("invalid quota.default %q: %w", cfg.Quota.Default, err)
	}
	cfg.Quota.DefaultBytes = int64(defaultQuota)

	maxFile, err := humanize.ParseBytes(cfg.Limits.MaxFileSize)
	if err != nil {
		return fmt.Errorf("invalid limits.max_file_size %q: %w", cfg.Limits.MaxFileSize, err)
	}
	cfg.Limits.MaxFileBytes = int64(maxFile)

	if cfg.Trash.RetentionDays <= 0 {
		return fmt.Errorf("trash.retention_days must be positive")
	}
	if cfg.Trash.SweepInterval < 0 {
		return fmt.Errorf("trash.sweep_interval cannot be negative")
	}

	if cfg.Share.SlugLength < 6 {
		return fmt.Errorf("share.slug_length must be at least 6")
	}
	if err := validateSlugAlphabet(cfg.Share.SlugAlphabet); err != nil {
		return err
	}
	if cfg.Share.CustomSlugMinLength < 1 {
		return fmt.Errorf("share.custom_slug_min_length must be positive")
	}
	if cfg.Share.AccessRatePerMinute < 0 {
		return fmt.Errorf("share.access_rate_per_minute cannot be negative")
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		cfg.Auth.EphemeralSecret = true
		logrus.Warn("auth.jwt_secret not set, generated an ephemeral secret; issued tokens will not survive a restart")
	}

	return nil
}

func validateStorage(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "filesystem", "":
		cfg.Storage.Backend = "filesystem"
		if cfg.Storage.Root == "" {
			cfg.Storage.Root = filepath.Join(cfg.DataDir, "objects")
		}
		if !filepath.IsAbs(cfg.Storage.Root) {
			if absRoot, err := filepath.Abs(cfg.Storage.Root); err == nil {
				cfg.Storage.Root = absRoot
			}
		}
		if err := os.MkdirAll(cfg.Storage.Root, 0755); err != nil {
			return fmt.Errorf("failed to create storage root: %w", err)
		}
	case "s3":
		s3 := cfg.Storage.S3
		if s3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if s3.AccessKey == "" || s3.SecretKey == "" {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key are required for the s3 backend")
		}
	case "memory":
		logrus.Warn("Using in-memory storage backend, stored files are lost on restart")
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = filepath.Join(cfg.DataDir, "tmp")
	}
	if err := os.MkdirAll(cfg.Storage.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if cfg.Storage.UsageCacheTTL < 0 {
		return fmt.Errorf("storage.usage_cache_ttl cannot be negative")
	}

	return nil
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateSlugAlphabet(alphabet string) error {
	if !slugAlphabetPattern.MatchString(alphabet) {
		return fmt.Errorf("share.slug_alphabet may only contain letters, digits, '-' and '_'")
	}
	seen := make(map[rune]bool, len(alphabet))
	for _, r := range alphabet {
		if seen[r] {
			return fmt.Errorf("share.slug_alphabet repeats %q", r)
		}
		seen[r] = true
	}
	if len(seen) < 16 {
		return fmt.Errorf("share.slug_alphabet must contain at least 16 characters")
	}
	return nil
}
