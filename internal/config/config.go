// Package config provides configuration loading and management for the call-token service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the call-token service.
type Config struct {
	Env  string `validate:"oneof=dev test staging prod"` // Deployment environment
	Port string `validate:"required,numeric"`            // HTTP server port

	// Calling provider credentials. The certificate never leaves the process.
	AgoraAppID          string        `validate:"required"`
	AgoraAppCertificate string        `validate:"required"`
	TokenTTL            time.Duration `validate:"gt=0"` // Privilege lifetime

	// Rate limiting
	RateLimit  int           `validate:"gt=0"` // Admissions per window
	RateWindow time.Duration `validate:"gt=0"` // Window length
	RedisURL   string        `validate:"omitempty,url"`

	// Backends
	DatabaseDSN     string        // PostgreSQL connection string; in-memory store when empty
	DBInitSchema    bool          // Create tables on startup (dev databases only)
	NATSURL         string        // NATS server URL; audit events disabled when empty
	TraceToStdout   bool          // Export spans to stdout
	UpstreamTimeout time.Duration `validate:"gt=0"` // Identity, Redis and store call budget

	// Authentication sources; at least one is required
	JWTSecret          string // HS256 shared secret
	JWKSURL            string `validate:"omitempty,url"`
	JWTIssuer          string // Expected iss, unchecked when empty
	JWTAudience        string // Expected aud, unchecked when empty
	IdentityURL        string `validate:"omitempty,url"`
	IdentityServiceKey string // apikey header for IdentityURL

	// CORS configuration
	CORSAllowedOrigins []string `validate:"min=1,dive,required"`
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultEnv             = "dev"
	defaultTokenTTL        = 3600 * time.Second
	defaultRateLimit       = 10
	defaultRateWindow      = 60 * time.Second
	defaultUpstreamTimeout = 5 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads environment variables and produces a validated Config suitable for wiring the service.
// Any error is a deployment problem and should stop the process before it serves traffic.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("CALLTOKEN_ENV", defaultEnv),
		Port:                getEnv("CALLTOKEN_PORT", defaultPort),
		AgoraAppID:          os.Getenv("AGORA_APP_ID"),
		AgoraAppCertificate: os.Getenv("AGORA_APP_CERTIFICATE"),
		RedisURL:            os.Getenv("CALLTOKEN_REDIS_URL"),
		DatabaseDSN:         os.Getenv("CALLTOKEN_DB_DSN"),
		DBInitSchema:        parseBool(os.Getenv("CALLTOKEN_DB_INIT_SCHEMA")),
		NATSURL:             os.Getenv("CALLTOKEN_NATS_URL"),
		TraceToStdout:       parseBool(os.Getenv("CALLTOKEN_TRACE_STDOUT")),
		JWTSecret:           os.Getenv("CALLTOKEN_JWT_SECRET"),
		JWKSURL:             os.Getenv("CALLTOKEN_JWKS_URL"),
		JWTIssuer:           os.Getenv("CALLTOKEN_JWT_ISSUER"),
		JWTAudience:         os.Getenv("CALLTOKEN_JWT_AUDIENCE"),
		IdentityURL:         os.Getenv("IDENTITY_URL"),
		IdentityServiceKey:  os.Getenv("IDENTITY_SERVICE_KEY"),
		CORSAllowedOrigins:  splitList(getEnv("CALLTOKEN_CORS_ALLOWED_ORIGINS", "*")),
	}

	var errs []error
	var err error

	if cfg.TokenTTL, err = getSeconds("CALLTOKEN_TOKEN_TTL", defaultTokenTTL); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateWindow, err = getDuration("CALLTOKEN_RATE_WINDOW", defaultRateWindow); err != nil {
		errs = append(errs, err)
	}
	if cfg.UpstreamTimeout, err = getDuration("CALLTOKEN_UPSTREAM_TIMEOUT", defaultUpstreamTimeout); err != nil {
		errs = append(errs, err)
	}
	cfg.RateLimit = defaultRateLimit
	if v, ok := os.LookupEnv("CALLTOKEN_RATE_LIMIT"); ok && v != "" {
		if cfg.RateLimit, err = strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("CALLTOKEN_RATE_LIMIT: %w", err))
		}
	}
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}

	return cfg, cfg.Validate()
}

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			})
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.JWTSecret == "" && c.JWKSURL == "" && c.IdentityURL == "" {
		return errors.New("invalid configuration: one of CALLTOKEN_JWT_SECRET, CALLTOKEN_JWKS_URL or IDENTITY_URL is required")
	}
	return nil
}

// String renders the configuration for logs with secrets redacted.
func (c Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	return fmt.Sprintf(
		"env=%s port=%s appId=%s appCertificate=%s ttl=%s rateLimit=%d/%s redis=%t db=%t nats=%t jwtSecret=%s jwks=%s identity=%s identityKey=%s cors=%v",
		c.Env, c.Port, c.AgoraAppID, redact(c.AgoraAppCertificate), c.TokenTTL, c.RateLimit, c.RateWindow,
		c.RedisURL != "", c.DatabaseDSN != "", c.NATSURL != "",
		redact(c.JWTSecret), c.JWKSURL, c.IdentityURL, redact(c.IdentityServiceKey), c.CORSAllowedOrigins,
	)
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getDuration accepts Go durations ("90s") or whole seconds ("90").
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getSeconds reads a whole number of seconds.
func getSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(v string) []string {
	return lo.Compact(lo.Map(strings.Split(v, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
