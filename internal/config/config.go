package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix       = "RANKWATCH"
	defaultTimezone = "Asia/Seoul"
	maxConcurrency  = 10
)

// Config holds every setting the CLI wires into the engine.
type Config struct {
	Timezone    string          `mapstructure:"timezone"`
	MetricsPort int             `mapstructure:"metrics_port"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Batch       BatchConfig     `mapstructure:"batch"`
	Browser     BrowserConfig   `mapstructure:"browser"`
	Collector   CollectorConfig `mapstructure:"collector"`
	Reviews     ReviewConfig    `mapstructure:"reviews"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Log         LogConfig       `mapstructure:"log"`
}

// StorageConfig selects the persistence backend. Driver is one of
// "postgres", "sqlite" or "json"; for json an empty DSN keeps data in memory.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type BatchConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	ChunkDelay      time.Duration `mapstructure:"chunk_delay"`
	PerGroupReviews bool          `mapstructure:"per_group_reviews"`
}

type BrowserConfig struct {
	ExecPath     string        `mapstructure:"exec_path"`
	Headless     bool          `mapstructure:"headless"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	UserAgents   []string      `mapstructure:"user_agents"`
	ProxyFile    string        `mapstructure:"proxy_file"`
}

type CollectorConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Longitude         string        `mapstructure:"longitude"`
	Latitude          string        `mapstructure:"latitude"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

type ReviewConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	PaceMin           time.Duration `mapstructure:"pace_min"`
	PaceMax           time.Duration `mapstructure:"pace_max"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", defaultTimezone)
	v.SetDefault("metrics_port", 0)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "rankwatch.db")

	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.chunk_delay", 3*time.Second)
	v.SetDefault("batch.per_group_reviews", false)

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.start_timeout", 30*time.Second)
	v.SetDefault("browser.user_agents", []string{})
	v.SetDefault("browser.proxy_file", "")

	v.SetDefault("collector.navigation_timeout", 30*time.Second)
	v.SetDefault("collector.longitude", "126.9783882")
	v.SetDefault("collector.latitude", "37.5666103")
	v.SetDefault("collector.max_attempts", 20)

	v.SetDefault("reviews.navigation_timeout", 15*time.Second)
	v.SetDefault("reviews.pace_min", 2*time.Second)
	v.SetDefault("reviews.pace_max", 3*time.Second)

	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 6*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, an optional .env file in the working directory, an
// optional config file and RANKWATCH_* environment overrides, in increasing
// precedence. Nested keys map to variables with dots replaced by
// underscores, e.g. RANKWATCH_STORAGE_DSN.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting the engine cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	case "json":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > maxConcurrency {
		return fmt.Errorf("batch.concurrency must be between 1 and %d, got %d", maxConcurrency, c.Batch.Concurrency)
	}
	if c.Batch.ChunkDelay < 0 {
		return fmt.Errorf("batch.chunk_delay must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		return fmt.Errorf("unknown timezone %q", c.Timezone)
	}
	if c.Reviews.PaceMin < 0 || c.Reviews.PaceMax < c.Reviews.PaceMin {
		return fmt.Errorf("reviews pacing must satisfy 0 <= pace_min <= pace_max, got %v..%v", c.Reviews.PaceMin, c.Reviews.PaceMax)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.MetricsPort)
	}
	return nil
}

// Location resolves the pinned timezone, falling back to Asia/Seoul.
func (c Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil && c.Timezone != "" {
		return loc
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
