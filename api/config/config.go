package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrMissingOutputDir = errors.New("OUTPUT_DIR must be set")

// Config is read once at startup and never mutated afterwards.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// OutputDir is the durable output area root.
	OutputDir string
	// TempDir holds ticket-scoped working directories.
	TempDir     string
	WorkerCount int

	DatabaseURL    string
	RedisAddr      string
	StatusCacheTTL time.Duration

	KafkaBrokers    []string
	AccountingTopic string

	CORSOrigins     []string
	MaxUploadSize   int64
	ShutdownTimeout time.Duration
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TEMPDIR", filepath.Join(os.TempDir(), "geo-transform"))
	v.SetDefault("WORKER_COUNT", runtime.NumCPU())
	v.SetDefault("DATABASE_URL", "sqlite://"+filepath.Join("instance", "transform.sqlite"))
	v.SetDefault("STATUS_CACHE_TTL", 10*time.Minute)
	v.SetDefault("ACCOUNTING_TOPIC", "transform_accounting")
	v.SetDefault("MAX_UPLOAD_SIZE", int64(512<<20))
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
}

// Load reads the environment, plus the file named by CONFIG_FILE when
// set. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:            v.GetString("SERVICE_PORT"),
		Env:             v.GetString("ENV"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		OutputDir:       strings.TrimSpace(v.GetString("OUTPUT_DIR")),
		TempDir:         v.GetString("TEMPDIR"),
		WorkerCount:     v.GetInt("WORKER_COUNT"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		StatusCacheTTL:  v.GetDuration("STATUS_CACHE_TTL"),
		KafkaBrokers:    splitList(v.GetString("KAFKA_BROKERS")),
		AccountingTopic: v.GetString("ACCOUNTING_TOPIC"),
		MaxUploadSize:   v.GetInt64("MAX_UPLOAD_SIZE"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if cfg.OutputDir == "" {
		return nil, ErrMissingOutputDir
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", cfg.MaxUploadSize)
	}

	origins, err := parseOrigins(v.GetString("CORS"))
	if err != nil {
		return nil, err
	}
	cfg.CORSOrigins = origins
	return cfg, nil
}

// parseOrigins accepts a JSON array of origins or a single origin.
func parseOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "[") {
		return []string{raw}, nil
	}
	var origins []string
	if err := json.Unmarshal([]byte(raw), &origins); err != nil {
		return nil, fmt.Errorf("CORS: %w", err)
	}
	return origins, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
