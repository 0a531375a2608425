package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr        = ":8080"
	DefaultPollInterval    = 3 * time.Second
	DefaultStallTimeout    = 30 * time.Minute
	DefaultSweepSchedule   = "*/5 * * * *"
	DefaultAnalyzerWorkers = 4
	DefaultJobTimeout      = 10 * time.Minute
	DefaultCurrency        = "MRU"
	DefaultBlobBucket      = "recoveryflow-imports"
	DefaultBlobRegion      = "eu-west-3"
	DefaultBlobPrefix      = "imports/"
)

// Config is the runtime configuration for the api binary.
type Config struct {
	DatabaseURL string   `yaml:"database_url"`
	HTTPAddr    string   `yaml:"http_addr"`
	JWTSecret   string   `yaml:"jwt_secret"`
	AutoMigrate bool     `yaml:"auto_migrate"`
	Log         Log      `yaml:"log"`
	Blob        Blob     `yaml:"blob"`
	Analysis    Analysis `yaml:"analysis"`
	Review      Review   `yaml:"review"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Blob struct {
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	BaseURL string `yaml:"base_url"`
	Prefix  string `yaml:"prefix"`
}

type Analysis struct {
	Workers         int           `yaml:"workers"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	DefaultCurrency string        `yaml:"default_currency"`
}

type Review struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: DefaultHTTPAddr,
		Log:      Log{Level: "info", Format: "json"},
		Blob: Blob{
			Bucket: DefaultBlobBucket,
			Region: DefaultBlobRegion,
			Prefix: DefaultBlobPrefix,
		},
		Analysis: Analysis{
			Workers:         DefaultAnalyzerWorkers,
			JobTimeout:      DefaultJobTimeout,
			StallTimeout:    DefaultStallTimeout,
			SweepSchedule:   DefaultSweepSchedule,
			DefaultCurrency: DefaultCurrency,
		},
		Review: Review{PollInterval: DefaultPollInterval},
	}
}

// Load reads an optional .env file, then the YAML file at path (missing file is
// fine), then applies environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Blob.Bucket, "BLOB_BUCKET")
	setString(&cfg.Blob.Region, "BLOB_REGION")
	setString(&cfg.Blob.BaseURL, "BLOB_BASE_URL")
	setString(&cfg.Analysis.SweepSchedule, "ANALYSIS_SWEEP_SCHEDULE")

	if v := strings.TrimSpace(os.Getenv("AUTO_MIGRATE")); v != "" {
		cfg.AutoMigrate = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Analysis.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_STALL_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Analysis.StallTimeout = d
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate reports configuration that the api binary cannot start with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if c.Analysis.Workers <= 0 {
		return fmt.Errorf("config: analysis.workers must be positive")
	}
	if c.Analysis.StallTimeout <= 0 {
		return fmt.Errorf("config: analysis.stall_timeout must be positive")
	}
	if c.Review.PollInterval <= 0 {
		return fmt.Errorf("config: review.poll_interval must be positive")
	}
	return nil
}
