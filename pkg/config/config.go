// Package config loads the coordinator's process configuration from the
// environment, following the 12-factor convention used throughout the
// marketplace core: a Load() that returns safe defaults for everything
// except the handful of settings that have no safe default (the database
// DSN and, outside of explicitly-allowed ephemeral/dev environments, the
// policy-stamp signing key).
package config

import (
	"encoding/base64"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds coordinator process configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	PolicyVersion string

	// PolicyStampKey is the 32-byte HMAC-SHA256 key used by the policy
	// stamp signer (C2). Never logged.
	PolicyStampKey []byte

	ReputationDecayRate float64
	MaxRendezvousTTL    time.Duration

	AllowEphemeralKeys bool
}

const (
	defaultPort                = "8080"
	defaultLogLevel            = "INFO"
	defaultReputationDecayRate = 0.01
	defaultMaxRendezvousTTL    = 15 * time.Minute
	policyStampKeyBytes        = 32
)

// Load reads configuration from the environment. It returns an error
// when DATABASE_URL is unset, when POLICY_STAMP_KEY is unset and
// ALLOW_EPHEMERAL_KEYS is not "true", or for a malformed value the
// operator actually supplied (e.g. an unparseable POLICY_STAMP_KEY);
// other missing settings silently fall back to defaults.
func Load() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	cfg := &Config{
		Port:                getenvDefault("PORT", defaultPort),
		LogLevel:            getenvDefault("LOG_LEVEL", defaultLogLevel),
		DatabaseURL:         databaseURL,
		RedisAddr:           getenvDefault("REDIS_ADDR", ""),
		PolicyVersion:       getenvDefault("POLICY_VERSION", "v1"),
		ReputationDecayRate: defaultReputationDecayRate,
		MaxRendezvousTTL:    defaultMaxRendezvousTTL,
		AllowEphemeralKeys:  os.Getenv("ALLOW_EPHEMERAL_KEYS") == "true",
	}

	if v := os.Getenv("REPUTATION_DECAY_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid REPUTATION_DECAY_RATE %q: %w", v, err)
		}
		cfg.ReputationDecayRate = rate
	}

	if v := os.Getenv("MAX_RENDEZVOUS_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid MAX_RENDEZVOUS_TTL %q: %w", v, err)
		}
		cfg.MaxRendezvousTTL = ttl
	}

	key, err := loadPolicyStampKey(cfg.AllowEphemeralKeys)
	if err != nil {
		return nil, err
	}
	cfg.PolicyStampKey = key

	return cfg, nil
}

// loadPolicyStampKey loads the 32-byte MAC key from POLICY_STAMP_KEY
// (base64). With no key configured, it is fatal to start unless the
// operator has explicitly opted into an ephemeral generated key for
// non-production environments (per spec.md §7: "missing required key
// material at startup... refuse to start").
func loadPolicyStampKey(allowEphemeral bool) ([]byte, error) {
	encoded := os.Getenv("POLICY_STAMP_KEY")
	if encoded == "" {
		if !allowEphemeral {
			return nil, fmt.Errorf("config: POLICY_STAMP_KEY is required (set ALLOW_EPHEMERAL_KEYS=true for a generated dev-only key)")
		}
		key := make([]byte, policyStampKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("config: failed to generate ephemeral policy stamp key: %w", err)
		}
		slog.Warn("policy stamp key: generated ephemeral key, NOT suitable for production", "bytes", policyStampKeyBytes)
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("config: POLICY_STAMP_KEY is not valid base64: %w", err)
	}
	if len(key) != policyStampKeyBytes {
		return nil, fmt.Errorf("config: POLICY_STAMP_KEY must decode to %d bytes, got %d", policyStampKeyBytes, len(key))
	}
	return key, nil
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
