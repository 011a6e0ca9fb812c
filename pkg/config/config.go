// Copyright 2025 Certen Protocol
//
// Service Configuration
// Defaults <- optional YAML file (CONFIG_FILE) <- environment overrides.
// Invalid values are startup failures: the daemon exits nonzero rather than
// run with a half-understood configuration.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default endpoint and tuning values.
const (
	DefaultAPIURL          = "https://mainnet.accumulatenetwork.io/v3"
	DefaultNetwork         = "mainnet"
	DefaultPollIntervalSec = 600
	DefaultUserConcurrency = 8
	DefaultMaxRetries      = 3
	DefaultDelegationDepth = 10
	DefaultPendingPageSize = 100
	DefaultUsersCollection = "users"
	DefaultLogLevel        = "info"
)

// Config holds every runtime option of the discovery daemon.
type Config struct {
	FirebaseProjectID string `yaml:"firebaseProjectId"`
	CredentialsFile   string `yaml:"credentialsFile"`
	FirestoreEmulator string `yaml:"firestoreEmulator"`

	APIURL  string `yaml:"apiUrl"`
	Network string `yaml:"network"`

	PollIntervalSec int `yaml:"pollIntervalSec"`
	UserConcurrency int `yaml:"userConcurrency"`
	MaxRetries      int `yaml:"maxRetries"`
	DelegationDepth int `yaml:"delegationDepth"`
	PendingPageSize int `yaml:"pendingPageSize"`

	UsersCollection string `yaml:"usersCollection"`
	DryRun          bool   `yaml:"dryRun"`
	LogLevel        string `yaml:"logLevel"`

	// MetricsAddr enables the Prometheus listener when set (host:port).
	// Empty keeps the daemon free of any HTTP surface.
	MetricsAddr string `yaml:"metricsAddr"`
}

// Defaults returns a Config with every tunable at its documented default.
func Defaults() Config {
	return Config{
		APIURL:          DefaultAPIURL,
		Network:         DefaultNetwork,
		PollIntervalSec: DefaultPollIntervalSec,
		UserConcurrency: DefaultUserConcurrency,
		MaxRetries:      DefaultMaxRetries,
		DelegationDepth: DefaultDelegationDepth,
		PendingPageSize: DefaultPendingPageSize,
		UsersCollection: DefaultUsersCollection,
		LogLevel:        DefaultLogLevel,
	}
}

// Load assembles the effective configuration from the process environment,
// reading the optional YAML file named by CONFIG_FILE first.
func Load() (Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Defaults()

	if path := getenv("CONFIG_FILE"); path != "" {
		raw, err := readFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	setString(getenv, "FIREBASE_PROJECT_ID", &cfg.FirebaseProjectID)
	setString(getenv, "GOOGLE_APPLICATION_CREDENTIALS", &cfg.CredentialsFile)
	setString(getenv, "FIRESTORE_EMULATOR_HOST", &cfg.FirestoreEmulator)
	setString(getenv, "ACCUMULATE_API_URL", &cfg.APIURL)
	setString(getenv, "ACCUMULATE_NETWORK", &cfg.Network)
	setString(getenv, "USERS_COLLECTION", &cfg.UsersCollection)
	setString(getenv, "LOG_LEVEL", &cfg.LogLevel)
	setString(getenv, "METRICS_ADDR", &cfg.MetricsAddr)

	var err error
	if err = setInt(getenv, "POLL_INTERVAL_SEC", &cfg.PollIntervalSec); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "USER_CONCURRENCY", &cfg.UserConcurrency); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "DELEGATION_DEPTH", &cfg.DelegationDepth); err != nil {
		return cfg, err
	}
	if err = setInt(getenv, "PENDING_PAGE_SIZE", &cfg.PendingPageSize); err != nil {
		return cfg, err
	}
	if err = setBool(getenv, "DRY_RUN", &cfg.DryRun); err != nil {
		return cfg, err
	}

	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces required fields, enum domains and positive tunables.
func (c Config) Validate() error {
	if c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	switch c.Network {
	case "mainnet", "testnet", "devnet":
	default:
		return fmt.Errorf("ACCUMULATE_NETWORK must be mainnet, testnet or devnet, got %q", c.Network)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.APIURL == "" {
		return fmt.Errorf("ACCUMULATE_API_URL must not be empty")
	}
	for name, v := range map[string]int{
		"POLL_INTERVAL_SEC": c.PollIntervalSec,
		"USER_CONCURRENCY":  c.UserConcurrency,
		"MAX_RETRIES":       c.MaxRetries + 1, // zero retries is legal
		"DELEGATION_DEPTH":  c.DelegationDepth,
		"PENDING_PAGE_SIZE": c.PendingPageSize,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func setBool(getenv func(string) string, key string, dst *bool) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	*dst = b
	return nil
}
