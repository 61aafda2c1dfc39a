package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

const (
	developmentBaseURL    = "http://localhost:8080"
	defaultCacheTTL       = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

type Config struct {
	baseURL           string
	sentryDSN         string
	cacheTTL          time.Duration
	requestTimeout    time.Duration
	requestsPerSecond float64
	env               environment
}

func (c *Config) BaseURL() string {
	return c.baseURL
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

// CacheTTL is how long a loaded value is trusted before it is refetched
func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

func (c *Config) RequestTimeout() time.Duration {
	return c.requestTimeout
}

// RequestsPerSecond limits outgoing requests per endpoint. Zero means unlimited.
func (c *Config) RequestsPerSecond() float64 {
	return c.requestsPerSecond
}

func (c *Config) Environment() string {
	return string(c.env)
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
		"Config{env: %s, baseURL: %s, cacheTTL: %s, requestTimeout: %s, requestsPerSecond: %g, ...}",
		string(c.env), c.baseURL, c.cacheTTL, c.requestTimeout, c.requestsPerSecond,
	)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, raw)
	}
	return duration, nil
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("DATASOURCE_ENVIRONMENT")
	if !ok {
		return missingKey("DATASOURCE_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, fmt.Errorf("%w: DATASOURCE_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	baseURL := os.Getenv("DATASOURCE_BASE_URL")
	sentryDSN := os.Getenv("SENTRY_DSN")

	if env == production || env == staging {
		if baseURL == "" {
			return missingKey("DATASOURCE_BASE_URL")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}
	if baseURL == "" {
		baseURL = developmentBaseURL
	}
	if parsed, err := url.Parse(baseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Config{}, fmt.Errorf("%w: DATASOURCE_BASE_URL (%s)", ErrInvalidValue, baseURL)
	}

	cacheTTL, err := durationFromEnv("DATASOURCE_CACHE_TTL", defaultCacheTTL)
	if err != nil {
		return Config{}, err
	}

	requestTimeout, err := durationFromEnv("DATASOURCE_REQUEST_TIMEOUT", defaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}

	var requestsPerSecond float64
	if raw := os.Getenv("DATASOURCE_REQUESTS_PER_SECOND"); raw != "" {
		requestsPerSecond, err = strconv.ParseFloat(raw, 64)
		if err != nil || requestsPerSecond < 0 {
			return Config{}, fmt.Errorf("%w: DATASOURCE_REQUESTS_PER_SECOND (%s)", ErrInvalidValue, raw)
		}
	}

	return Config{
		baseURL:           baseURL,
		sentryDSN:         sentryDSN,
		cacheTTL:          cacheTTL,
		requestTimeout:    requestTimeout,
		requestsPerSecond: requestsPerSecond,
		env:               env,
	}, nil
}
