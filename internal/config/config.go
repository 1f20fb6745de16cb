package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config captures the runtime knobs of the classification service.
type Config struct {
	Port string

	ModelDir     string
	BackboneFile string
	MetadataFile string
	WeightsFile  string

	OnnxLibPath    string
	IntraOpThreads int

	MaxBodyBytes   int64
	MaxImagePixels int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	RedisAddr   string
	CacheTTL    time.Duration
	DatabaseDSN string

	LogLevel string
	LogFile  string
	GinMode  string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and validates it.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:            p.str("PORT", "8080"),
		ModelDir:        p.str("MODEL_DIR", "models"),
		BackboneFile:    p.str("BACKBONE_MODEL", "backbone.onnx"),
		MetadataFile:    p.str("METADATA_FILE", "model_metadata.json"),
		WeightsFile:     p.str("WEIGHTS_FILE", "head.safetensors"),
		OnnxLibPath:     p.str("ONNX_LIB_PATH", ""),
		IntraOpThreads:  p.integer("INTRA_OP_THREADS", 0),
		MaxBodyBytes:    int64(p.integer("MAX_BODY_BYTES", 16<<20)),
		MaxImagePixels:  p.integer("MAX_IMAGE_PIXELS", 40_000_000),
		ReadTimeout:     p.duration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    p.duration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		RedisAddr:       p.str("REDIS_ADDR", ""),
		CacheTTL:        p.duration("CACHE_TTL", time.Hour),
		DatabaseDSN:     p.str("DATABASE_DSN", ""),
		LogLevel:        p.str("LOG_LEVEL", "info"),
		LogFile:         p.str("LOG_FILE", ""),
		GinMode:         p.str("GIN_MODE", "release"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if c.IntraOpThreads < 0 {
		return fmt.Errorf("INTRA_OP_THREADS must be >= 0 (got %d)", c.IntraOpThreads)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be > 0 (got %d)", c.MaxBodyBytes)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be > 0 (got %d)", c.MaxImagePixels)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %s)", c.ShutdownTimeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0 (got %s)", c.CacheTTL)
	}
	return nil
}

// BackbonePath is the ONNX graph of the truncated backbone.
func (c *Config) BackbonePath() string { return c.resolve(c.BackboneFile) }

// MetadataPath is the JSON file describing the model's tensors and classes.
func (c *Config) MetadataPath() string { return c.resolve(c.MetadataFile) }

// WeightsPath is the safetensors file holding the attention and dense weights.
func (c *Config) WeightsPath() string { return c.resolve(c.WeightsFile) }

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ModelDir, name)
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, fallback string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	v := p.getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
