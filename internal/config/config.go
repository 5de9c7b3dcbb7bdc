package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".mirrorbox")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
)

const (
	EnvPrefix = "MIRRORBOX"

	StoreS3     = "s3"
	StoreMemory = "memory"

	DefaultHTTPAddr  = "127.0.0.1:7938"
	DefaultRateLimit = "300-M"
	DefaultBucket    = "lab-backups"
	DefaultRegion    = "us-east-1"
	DefaultEndpoint  = "ewr1.vultrobjects.com"
	DefaultCacheTTL  = 5 * time.Minute
	DefaultPageSize  = 1000
)

type Config struct {
	Path    string            `mapstructure:"-"`
	DataDir string            `mapstructure:"data_dir"`
	LogFile string            `mapstructure:"log_file"`
	Store   string            `mapstructure:"store"`
	HTTP    HTTPConfig        `mapstructure:"http"`
	S3      objstore.S3Config `mapstructure:"s3"`
	Backup  BackupConfig      `mapstructure:"backup"`
	Cache   CacheConfig       `mapstructure:"cache"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	RateLimit string `mapstructure:"rate_limit"`
}

type BackupConfig struct {
	Concurrency     int      `mapstructure:"concurrency"`
	ProgressEvery   int      `mapstructure:"progress_every"`
	CheckpointEvery int      `mapstructure:"checkpoint_every"`
	Exclude         []string `mapstructure:"exclude"`
	PrefixRoot      string   `mapstructure:"prefix_root"`
	SnapshotLabel   string   `mapstructure:"snapshot_label"`
	HostLabel       string   `mapstructure:"host_label"`
}

type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	PageSize int           `mapstructure:"page_size"`
	Prefix   string        `mapstructure:"prefix"`
	Persist  bool          `mapstructure:"persist"`
}

// SetDefaults registers every known key on v. Keys without a default are
// invisible to AutomaticEnv during Unmarshal, so each one gets a value here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_file", "")
	v.SetDefault("store", StoreS3)

	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.rate_limit", DefaultRateLimit)

	v.SetDefault("s3.bucket_name", DefaultBucket)
	v.SetDefault("s3.region", DefaultRegion)
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.endpoint", DefaultEndpoint)
	v.SetDefault("s3.use_path_style", false)

	v.SetDefault("backup.concurrency", 10)
	v.SetDefault("backup.progress_every", 5)
	v.SetDefault("backup.checkpoint_every", 50)
	v.SetDefault("backup.exclude", []string{})
	v.SetDefault("backup.prefix_root", "backups")
	v.SetDefault("backup.snapshot_label", "C_DRIVE")
	v.SetDefault("backup.host_label", "")

	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.page_size", DefaultPageSize)
	v.SetDefault("cache.prefix", "")
	v.SetDefault("cache.persist", true)
}

// BindEnv wires MIRRORBOX_* variables and the legacy VULTR_* names used by
// older deployments. The prefixed name wins when both are set.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	legacy := map[string]string{
		"s3.access_key":  "VULTR_ACCESS_KEY",
		"s3.secret_key":  "VULTR_SECRET_KEY",
		"s3.bucket_name": "VULTR_BUCKET_NAME",
		"s3.endpoint":    "VULTR_ENDPOINT",
		"s3.region":      "VULTR_REGION",
	}
	for key, env := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

// FromViper decodes v into a Config and fills derived values.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	cfg.S3.Endpoint = normalizeEndpoint(cfg.S3.Endpoint)
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "mirrorbox.log")
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir required")
	}
	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("data_dir: %w", err)
		}
		c.DataDir = abs
	}

	switch c.Store {
	case StoreS3:
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("s3: %w", err)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store)
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr required")
	}
	if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
		return fmt.Errorf("http.rate_limit: %w", err)
	}

	if c.Backup.Concurrency < 1 {
		return fmt.Errorf("backup.concurrency must be positive, got %d", c.Backup.Concurrency)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	return nil
}

func (c *Config) JobsPath() string {
	return filepath.Join(c.DataDir, "jobs.json")
}

func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// bare hosts such as "ewr1.vultrobjects.com" are served over https
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
