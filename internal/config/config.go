// Package config provides configuration loading and management for the patchview service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always wins over the files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the patchview service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	PatchAPIURL string // Base URL of the remote Patch API
	DatabaseDSN string // Snapshot store connection string (PostgreSQL); empty means in-memory
	NATSURL     string // NATS server URL; empty disables remediation events
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket for remediation exports; empty disables exports
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint; defaults to the issuer's well-known path

	// View behaviour
	EnableRemediation bool          // Enables row selection, select-all and remediation
	FetchTimeout      time.Duration // Upper bound for one remote list request
	SessionTTL        time.Duration // How long an idle view snapshot is kept
	SelectAllLimit    int           // Page size of the select-all fetch

	// Tracing
	TraceSampleRatio float64 // Fraction of root spans recorded, 0..1

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultFetchTimeout   = 10 * time.Second
	defaultSessionTTL     = 8 * time.Hour
	defaultSelectAllLimit = 999999
	defaultTraceSample    = 1.0
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("PATCHVIEW_ENV", defaultEnv),
		Port:               getEnv("PATCHVIEW_PORT", defaultPort),
		PatchAPIURL:        os.Getenv("PATCHVIEW_PATCH_API_URL"),
		DatabaseDSN:        os.Getenv("PATCHVIEW_DB_DSN"),
		NATSURL:            os.Getenv("PATCHVIEW_NATS_URL"),
		S3Endpoint:         os.Getenv("PATCHVIEW_S3_ENDPOINT"),
		S3Region:           getEnv("PATCHVIEW_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("PATCHVIEW_S3_BUCKET"),
		S3AccessKey:        os.Getenv("PATCHVIEW_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("PATCHVIEW_S3_SECRET_KEY"),
		JWTIssuer:          os.Getenv("PATCHVIEW_JWT_ISSUER"),
		JWTAudience:        os.Getenv("PATCHVIEW_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("PATCHVIEW_JWKS_URL"),
		EnableRemediation:  parseBool(os.Getenv("PATCHVIEW_ENABLE_REMEDIATION")),
		CORSAllowedOrigins: splitList(os.Getenv("PATCHVIEW_CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.FetchTimeout, err = parseDuration("PATCHVIEW_FETCH_TIMEOUT", defaultFetchTimeout); err != nil {
		return cfg, err
	}
	if cfg.SessionTTL, err = parseDuration("PATCHVIEW_SESSION_TTL", defaultSessionTTL); err != nil {
		return cfg, err
	}

	cfg.SelectAllLimit = defaultSelectAllLimit
	if v, exists := os.LookupEnv("PATCHVIEW_SELECT_ALL_LIMIT"); exists && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("PATCHVIEW_SELECT_ALL_LIMIT must be a positive integer, got %q", v)
		}
		cfg.SelectAllLimit = n
	}

	cfg.TraceSampleRatio = defaultTraceSample
	if v, exists := os.LookupEnv("PATCHVIEW_TRACE_SAMPLE_RATIO"); exists && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return cfg, fmt.Errorf("PATCHVIEW_TRACE_SAMPLE_RATIO must be between 0 and 1, got %q", v)
		}
		cfg.TraceSampleRatio = f
	}

	// Validate required parameters
	if cfg.PatchAPIURL == "" {
		return cfg, fmt.Errorf("PATCHVIEW_PATCH_API_URL is required")
	}
	if u, err := url.Parse(cfg.PatchAPIURL); err != nil || !u.IsAbs() {
		return cfg, fmt.Errorf("PATCHVIEW_PATCH_API_URL must be an absolute URL, got %q", cfg.PatchAPIURL)
	}

	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("PATCHVIEW_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("PATCHVIEW_JWT_AUDIENCE is required")
	}

	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// ExportEnabled reports whether remediation payloads are uploaded to S3.
func (c Config) ExportEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma separated list, trimming whitespace and dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
