package signup

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jedanetworks/go-signup/middleware/csrf"
)

// Storage backends understood by Config.Store.
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreRedis  = "redis"
)

// Config holds the service settings, read from SIGNUP_* variables.
type Config struct {
	Addr              string        `env:"SIGNUP_ADDR"               envDefault:":8080"`
	APIURL            string        `env:"SIGNUP_API_URL"            envDefault:"http://localhost:5000/api"`
	IdentityURL       string        `env:"SIGNUP_IDENTITY_URL"`
	RoutePrefix       string        `env:"SIGNUP_ROUTE_PREFIX"       envDefault:"/auth/google"`
	Store             string        `env:"SIGNUP_STORE"              envDefault:"memory"`
	DatabaseDSN       string        `env:"SIGNUP_DATABASE_DSN"       envDefault:"file:signup.db?cache=shared"`
	RedisAddr         string        `env:"SIGNUP_REDIS_ADDR"         envDefault:"localhost:6379"`
	RedisPrefix       string        `env:"SIGNUP_REDIS_PREFIX"       envDefault:"signup"`
	NATSURL           string        `env:"SIGNUP_NATS_URL"`
	NATSSubject       string        `env:"SIGNUP_NATS_SUBJECT"       envDefault:"signup.sessions"`
	PendingTTL        time.Duration `env:"SIGNUP_PENDING_TTL"        envDefault:"10m"`
	Watchdog          time.Duration `env:"SIGNUP_WATCHDOG"           envDefault:"10s"`
	CompletionTimeout time.Duration `env:"SIGNUP_COMPLETION_TIMEOUT" envDefault:"30s"`
	SettleDelay       time.Duration `env:"SIGNUP_SETTLE_DELAY"       envDefault:"500ms"`
	PhoneRegion       string        `env:"SIGNUP_PHONE_REGION"       envDefault:"TZ"`
	SecureCookies     bool          `env:"SIGNUP_SECURE_COOKIES"     envDefault:"true"`
	AuthCookie        string        `env:"SIGNUP_AUTH_COOKIE"        envDefault:"auth_token"`
	ViewsDir          string        `env:"SIGNUP_VIEWS_DIR"          envDefault:"./views"`
	MetricsEnabled    bool          `env:"SIGNUP_METRICS_ENABLED"    envDefault:"true"`
	MetricsAddr       string        `env:"SIGNUP_METRICS_ADDR"       envDefault:":9090"`
	SweepInterval     time.Duration `env:"SIGNUP_SWEEP_INTERVAL"     envDefault:"1m"`
	CSRFKey           string        `env:"SIGNUP_CSRF_KEY"`
	Debug             bool          `env:"SIGNUP_DEBUG"`
}

// LoadConfig reads the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.IdentityURL == "" && c.APIURL != "" {
		c.IdentityURL = c.APIURL + "/auth/google"
	}
	c.RoutePrefix = "/" + strings.Trim(c.RoutePrefix, "/")
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.PhoneRegion = strings.ToUpper(strings.TrimSpace(c.PhoneRegion))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.APIURL == "":
		return fmt.Errorf("SIGNUP_API_URL is required")
	case c.Store != StoreMemory && c.Store != StoreSQL && c.Store != StoreRedis:
		return fmt.Errorf("SIGNUP_STORE must be one of memory, sql, redis: got %q", c.Store)
	case c.PendingTTL <= 0:
		return fmt.Errorf("SIGNUP_PENDING_TTL must be positive")
	case c.Watchdog <= 0:
		return fmt.Errorf("SIGNUP_WATCHDOG must be positive")
	case c.CompletionTimeout <= 0:
		return fmt.Errorf("SIGNUP_COMPLETION_TIMEOUT must be positive")
	case c.SettleDelay < 0:
		return fmt.Errorf("SIGNUP_SETTLE_DELAY must not be negative")
	case c.SweepInterval <= 0:
		return fmt.Errorf("SIGNUP_SWEEP_INTERVAL must be positive")
	case c.CSRFKey != "" && len(c.CSRFKey) < csrf.MinKeyLength:
		return fmt.Errorf("SIGNUP_CSRF_KEY must be at least %d bytes", csrf.MinKeyLength)
	}
	return nil
}

// RegistrationURL is the public path of the registration page.
func (c Config) RegistrationURL() string {
	return c.RoutePrefix + "/register"
}
