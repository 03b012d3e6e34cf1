package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-cart/internal/handler"
	"github.com/xenking/kart-cart/internal/session"
)

const defaultAddr = "0.0.0.0:8080"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (CART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// CatalogFile is read when no database is configured. Empty means the
	// embedded seed catalog.
	CatalogFile string `usage:"Products JSON file used without a database" flag:"catalog-file"`
	Storage     StorageConfig
	Sessions    session.Config
	HTTP        handler.Config
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StorageConfig selects where carts are persisted.
type StorageConfig struct {
	Backend string `default:"memory" usage:"Cart storage backend: memory, file or postgres"`
	DataDir string `default:"data/carts" usage:"Directory of the file backend" flag:"data-dir"`
	// Compress gzips cart files.
	Compress bool `default:"false" usage:"Compress cart files"`
	// ListenRetry is the delay before re-subscribing to change
	// notifications after the connection drops.
	ListenRetry time.Duration `default:"2s" usage:"Delay before re-listening for cart changes" flag:"listen-retry"`
}

// RateLimitConfig controls the per-session token bucket.
type RateLimitConfig struct {
	Rate    float64 `default:"20" usage:"Sustained requests per second per session"`
	Burst   int     `default:"40" usage:"Burst size per session"`
	Clients int     `default:"10000" usage:"Maximum number of tracked sessions"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, flags, YAML
// config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "CART",
		Files:     []string{"config.yaml", "/etc/cart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres storage requires a database URL: set CART_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendFile && c.Storage.DataDir == "" {
		return errors.New("file storage requires a data directory")
	}
	if c.RateLimit.Rate <= 0 {
		return errors.Errorf("rate limit must be positive, got %v", c.RateLimit.Rate)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
