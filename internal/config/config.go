// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport modes for the MCP surface.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config holds all application configuration.
type Config struct {
	// Remote API settings.
	PowerBIBaseURL string // Base URL for workspace, dataset and query endpoints.
	FabricBaseURL  string // Base URL for semantic model definition endpoints.
	Token          string // Bearer token for both APIs. Never logged.
	TokenFile      string // Optional file holding the token; read once at load.
	RequestTimeout time.Duration
	RequestsPerSec float64 // Outbound pacing; 0 disables it.
	MaxErrorBody   int     // Characters of a rejected response body kept in errors.

	// Long-running operation settings.
	PollDefaultInterval time.Duration // Used when Retry-After is absent or invalid.
	PollMaxWait         time.Duration
	PollMaxAttempts     int

	// Model definition assembly.
	ContentSuffix string

	// MCP transport settings.
	Transport    string // "stdio" or "http"
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MCPToken     string  // Optional bearer token required by the HTTP transport.
	RateLimitRPS float64 // Inbound per-IP limit for the HTTP transport; 0 disables it.
	RateBurst    int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric, boolean or duration values are reported together rather
// than silently replaced by their defaults.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		PowerBIBaseURL:      envStr("POWERBI_API_URL", "https://api.powerbi.com/v1.0/myorg"),
		FabricBaseURL:       envStr("FABRIC_API_URL", "https://api.fabric.microsoft.com/v1"),
		Token:               envStr("POWERBI_TOKEN", ""),
		TokenFile:           envStr("POWERBI_TOKEN_FILE", ""),
		RequestTimeout:      durVar("SHIKI_REQUEST_TIMEOUT", 60*time.Second),
		RequestsPerSec:      floatVar("SHIKI_REQUESTS_PER_SEC", 0),
		MaxErrorBody:        intVar("SHIKI_MAX_ERROR_BODY", 200),
		PollDefaultInterval: durVar("SHIKI_POLL_DEFAULT_INTERVAL", 30*time.Second),
		PollMaxWait:         durVar("SHIKI_POLL_MAX_WAIT", 10*time.Minute),
		PollMaxAttempts:     intVar("SHIKI_POLL_MAX_ATTEMPTS", 60),
		ContentSuffix:       envStr("SHIKI_CONTENT_SUFFIX", ".tmdl"),
		Transport:           envStr("SHIKI_TRANSPORT", TransportStdio),
		Port:                intVar("SHIKI_PORT", 8080),
		ReadTimeout:         durVar("SHIKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("SHIKI_WRITE_TIMEOUT", 15*time.Minute),
		MCPToken:            envStr("SHIKI_MCP_TOKEN", ""),
		RateLimitRPS:        floatVar("SHIKI_RATE_LIMIT_RPS", 5),
		RateBurst:           intVar("SHIKI_RATE_LIMIT_BURST", 20),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "shiki"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.Token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read POWERBI_TOKEN_FILE: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(data))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
// A missing token is not an error: tools report it per call.
func (c Config) Validate() error {
	if c.PowerBIBaseURL == "" {
		return fmt.Errorf("config: POWERBI_API_URL is required")
	}
	if c.FabricBaseURL == "" {
		return fmt.Errorf("config: FABRIC_API_URL is required")
	}
	if c.Transport != TransportStdio && c.Transport != TransportHTTP {
		return fmt.Errorf("config: SHIKI_TRANSPORT must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport)
	}
	if c.PollDefaultInterval <= 0 {
		return fmt.Errorf("config: SHIKI_POLL_DEFAULT_INTERVAL must be positive")
	}
	if c.PollMaxWait <= 0 {
		return fmt.Errorf("config: SHIKI_POLL_MAX_WAIT must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("config: SHIKI_POLL_MAX_ATTEMPTS must be positive")
	}
	if c.MaxErrorBody <= 0 {
		return fmt.Errorf("config: SHIKI_MAX_ERROR_BODY must be positive")
	}
	if c.ContentSuffix == "" {
		return fmt.Errorf("config: SHIKI_CONTENT_SUFFIX is required")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
