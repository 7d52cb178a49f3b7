package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

// tunables holds the settings that have sensible defaults in every environment
type tunables struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	TenantConfigDir    string        `env:"TENANT_CONFIG_DIR" envDefault:"./tenants"`
	WorkerPoolSize     int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	CachePollInterval  time.Duration `env:"CACHE_POLL_INTERVAL" envDefault:"100ms"`
	CacheWaitTimeout   time.Duration `env:"CACHE_WAIT_TIMEOUT" envDefault:"0s"`
	ClusterDatabaseURL string        `env:"CLUSTER_DATABASE_URL"`
	AllowedOrigins     []string      `env:"ALLOWED_ORIGIN_SUFFIXES" envSeparator:","`
}

type Config struct {
	sentryDSN string
	env       environment
	tunables  tunables
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) Port() string {
	return c.tunables.Port
}

func (c *Config) TenantConfigDir() string {
	return c.tunables.TenantConfigDir
}

func (c *Config) WorkerPoolSize() int {
	return c.tunables.WorkerPoolSize
}

func (c *Config) CachePollInterval() time.Duration {
	return c.tunables.CachePollInterval
}

// Zero means readers wait for a rebuild indefinitely
func (c *Config) CacheWaitTimeout() time.Duration {
	return c.tunables.CacheWaitTimeout
}

// Empty when cross-process event propagation is disabled
func (c *Config) ClusterDatabaseURL() string {
	return c.tunables.ClusterDatabaseURL
}

// Domain suffixes whose https origins may call the admin API from a browser
func (c *Config) AllowedOriginSuffixes() []string {
	return c.tunables.AllowedOrigins
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, tenantConfigDir: %s, workerPoolSize: %d, cachePollInterval: %s, cacheWaitTimeout: %s, cluster: %t, ...}",
		string(c.env),
		c.tunables.Port,
		c.tunables.TenantConfigDir,
		c.tunables.WorkerPoolSize,
		c.tunables.CachePollInterval,
		c.tunables.CacheWaitTimeout,
		c.tunables.ClusterDatabaseURL != "",
	)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("ASYNCREFRESH_ENVIRONMENT")
	if !ok {
		return missingKey("ASYNCREFRESH_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, fmt.Errorf("%w: ASYNCREFRESH_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if env == production || env == staging {
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	t, err := parseTunables()
	if err != nil {
		return Config{}, err
	}

	return Config{
		sentryDSN: sentryDSN,
		env:       env,
		tunables:  t,
	}, nil
}

func parseTunables() (tunables, error) {
	var t tunables
	if err := env.Parse(&t); err != nil {
		return tunables{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	if t.WorkerPoolSize < 1 {
		return tunables{}, fmt.Errorf("%w: WORKER_POOL_SIZE must be positive (%d)", ErrInvalidValue, t.WorkerPoolSize)
	}
	if t.CachePollInterval <= 0 {
		return tunables{}, fmt.Errorf("%w: CACHE_POLL_INTERVAL must be positive (%s)", ErrInvalidValue, t.CachePollInterval)
	}
	if t.CacheWaitTimeout < 0 {
		return tunables{}, fmt.Errorf("%w: CACHE_WAIT_TIMEOUT must not be negative (%s)", ErrInvalidValue, t.CacheWaitTimeout)
	}
	if t.Port == "" {
		return tunables{}, fmt.Errorf("%w: PORT is empty", ErrInvalidValue)
	}

	return t, nil
}
