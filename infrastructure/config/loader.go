// Package config provides environment-based configuration loading with
// typed accessors, trimming whitespace and falling back to sane defaults
// the way a service entry point needs at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv retrieves an environment variable with an optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// RequireEnv retrieves a required environment variable. The caller
// decides how to react to an empty result; this package never exits
// the process on a missing value.
func RequireEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetEnvOrFile returns the value of key, or, when key is unset, the
// trimmed contents of the file named by fileKey. Secrets mounted as
// files (e.g. from a secret volume) are handed over this way.
func GetEnvOrFile(key, fileKey string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	path := strings.TrimSpace(os.Getenv(fileKey))
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// GetEnvBool retrieves a boolean environment variable with an optional
// default. Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with an optional
// default. Returns the default if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration parses a duration environment variable with an
// optional default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// Config is the orchestrator's process-wide configuration, loaded once
// at startup from the environment described in the external interfaces.
type Config struct {
	// APIToken authenticates inbound intake/status/retry requests.
	APIToken string

	// StoreEnabled selects the Redis-backed store; false falls back to
	// the in-memory store.
	StoreEnabled bool
	StoreURL     string

	// CredentialEncryptionKey decrypts stored portal credentials before
	// they are handed to a browser session.
	CredentialEncryptionKey string

	// ArtifactCredentialsPath is loaded from ARTIFACT_CREDENTIALS_PATH;
	// no other package in this module reads it.
	ArtifactCredentialsPath string

	// ScaleMin/ScaleMax/ScaleIdle bound the browser-fleet autoscaler.
	ScaleMin  int
	ScaleMax  int
	ScaleIdle time.Duration

	// HubURL is the browser fleet's control-plane endpoint.
	HubURL string

	// BusBootstrap is the event bus's bootstrap/broker address list;
	// empty selects the logging no-op publisher.
	BusBootstrap string

	// MaxRetries bounds how many times the retry sweeper relaunches a
	// failed run (default 3).
	MaxRetries int

	// RetrySweepCron is the cron schedule the retry sweeper runs on,
	// standard 5-field syntax (default: every minute).
	RetrySweepCron string

	// Addr is the HTTP listen address for cmd/orchestrator.
	Addr string
}

// Load reads Config from the environment, applying the defaults spec'd
// for each field.
func Load() Config {
	return Config{
		APIToken:                 GetEnvOrFile("API_TOKEN", "API_TOKEN_FILE"),
		StoreEnabled:             GetEnvBool("STORE_ENABLED", false),
		StoreURL:                 GetEnv("STORE_URL", "localhost:6379"),
		CredentialEncryptionKey:  RequireEnv("CREDENTIAL_ENCRYPTION_KEY"),
		ArtifactCredentialsPath:  GetEnv("ARTIFACT_CREDENTIALS_PATH", ""),
		ScaleMin:                 GetEnvInt("SCALE_MIN", 1),
		ScaleMax:                 GetEnvInt("SCALE_MAX", 10),
		ScaleIdle:                GetEnvDuration("SCALE_IDLE", 5*time.Minute),
		HubURL:                   GetEnv("HUB_URL", "http://localhost:4444"),
		BusBootstrap:             GetEnv("BUS_BOOTSTRAP", ""),
		MaxRetries:               GetEnvInt("MAX_RETRIES", 3),
		RetrySweepCron:           GetEnv("RETRY_SWEEP_CRON", "*/1 * * * *"),
		Addr:                     GetEnv("ADDR", ":8080"),
	}
}
