// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, optionally layered under a YAML file (CODEXD_CONFIG_FILE) for
// values a deployment wants checked into a repo rather than set per
// process. Environment variables always win over the file so a shell
// override still works in a container that bakes in a config file.
//
// Configuration categories:
//   - Child process: binary path, working directory, api key, launcher kind
//   - HTTP: bind host/port
//   - Session Manager: max sessions, idle timeout, cleanup interval
//   - Identity: security method, user id override
//   - Turn: per-turn wall-clock timeout
//
// Load names the environment variable read for each field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SecurityMethod selects how the bridge establishes the caller's identity.
type SecurityMethod string

const (
	SecurityNone     SecurityMethod = "none"
	SecurityKeycloak SecurityMethod = "keycloak"
)

// LauncherKind selects how child processes are spawned.
type LauncherKind string

const (
	LauncherProcess   LauncherKind = "process"
	LauncherContainer LauncherKind = "container"
)

// Config holds all application configuration.
type Config struct {
	BindHost string
	BindPort string

	ChildBinaryPath string // if empty, resolved from PATH at startup
	ChildWorkingDir string
	ChildAPIKey     string
	Launcher        LauncherKind
	ContainerImage  string // image for LauncherContainer

	BaseDataDir string

	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	TurnTimeout     time.Duration

	AllowUserIDOverride bool
	SecurityMethod      SecurityMethod
	KeycloakIssuer      string
	KeycloakAudience    string
	KeycloakJWKSURL     string

	DBPath string

	AdminStreamEnabled bool

	MaxConnections int     // global listener cap (netutil.LimitListener)
	RateLimitRPS   float64 // per-client token bucket refill rate
	RateLimitBurst int     // per-client token bucket burst

	HistoryPreviewChars int
}

// fileConfig mirrors the subset of Config that may be set from a YAML
// file; env vars always take precedence over these when both are set.
type fileConfig struct {
	BindHost            string `yaml:"bind_host"`
	BindPort            string `yaml:"bind_port"`
	ChildBinaryPath     string `yaml:"child_binary_path"`
	ChildWorkingDir     string `yaml:"child_working_dir"`
	Launcher            string `yaml:"launcher"`
	ContainerImage      string `yaml:"container_image"`
	BaseDataDir         string `yaml:"base_data_dir"`
	MaxSessions         int    `yaml:"max_sessions"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	CleanupIntervalSecs int    `yaml:"cleanup_interval_seconds"`
	TurnTimeoutSeconds  int    `yaml:"turn_timeout_seconds"`
	AllowUserIDOverride bool   `yaml:"allow_user_id_override"`
	SecurityMethod      string `yaml:"security_method"`
	KeycloakIssuer      string `yaml:"keycloak_issuer"`
	KeycloakAudience    string `yaml:"keycloak_audience"`
	KeycloakJWKSURL     string `yaml:"keycloak_jwks_url"`
	DBPath              string `yaml:"db_path"`
	MaxConnections      int    `yaml:"max_connections"`
}

// Load reads configuration from an optional .env file, an optional YAML
// config file, then environment variables (highest precedence).
func Load() (*Config, error) {
	// A missing .env is not an error; it's the common case outside local dev.
	_ = godotenv.Load()

	fc := loadFileConfig(getEnv("CODEXD_CONFIG_FILE", ""))

	cfg := &Config{
		BindHost:            firstNonEmpty(os.Getenv("CODEXD_BIND_HOST"), fc.BindHost, "0.0.0.0"),
		BindPort:            firstNonEmpty(os.Getenv("CODEXD_BIND_PORT"), fc.BindPort, "8085"),
		ChildBinaryPath:     firstNonEmpty(os.Getenv("CODEXD_CHILD_BINARY"), fc.ChildBinaryPath, ""),
		ChildWorkingDir:     firstNonEmpty(os.Getenv("CODEXD_CHILD_WORKDIR"), fc.ChildWorkingDir, ""),
		ChildAPIKey:         getEnv("CODEXD_API_KEY", os.Getenv("OPENAI_API_KEY")),
		Launcher:            LauncherKind(firstNonEmpty(os.Getenv("CODEXD_LAUNCHER"), fc.Launcher, string(LauncherProcess))),
		ContainerImage:      firstNonEmpty(os.Getenv("CODEXD_CONTAINER_IMAGE"), fc.ContainerImage, "codexd-runtime:latest"),
		BaseDataDir:         firstNonEmpty(os.Getenv("CODEXD_DATA_DIR"), fc.BaseDataDir, "./data/sessions"),
		MaxSessions:         getEnvIntDefault("CODEXD_MAX_SESSIONS", fc.MaxSessions, 64),
		IdleTimeout:         getEnvDurationSeconds("CODEXD_IDLE_TIMEOUT_SECONDS", fc.IdleTimeoutSeconds, 30*time.Minute),
		CleanupInterval:     getEnvDurationSeconds("CODEXD_CLEANUP_INTERVAL_SECONDS", fc.CleanupIntervalSecs, time.Minute),
		TurnTimeout:         getEnvDurationSeconds("CODEXD_TURN_TIMEOUT_SECONDS", fc.TurnTimeoutSeconds, 5*time.Minute),
		AllowUserIDOverride: getEnvBoolDefault("CODEXD_ALLOW_USER_ID_OVERRIDE", fc.AllowUserIDOverride, true),
		SecurityMethod:      SecurityMethod(firstNonEmpty(os.Getenv("CODEXD_SECURITY_METHOD"), fc.SecurityMethod, string(SecurityNone))),
		KeycloakIssuer:      firstNonEmpty(os.Getenv("CODEXD_KEYCLOAK_ISSUER"), fc.KeycloakIssuer, ""),
		KeycloakAudience:    firstNonEmpty(os.Getenv("CODEXD_KEYCLOAK_AUDIENCE"), fc.KeycloakAudience, ""),
		KeycloakJWKSURL:     firstNonEmpty(os.Getenv("CODEXD_KEYCLOAK_JWKS_URL"), fc.KeycloakJWKSURL, ""),
		DBPath:              firstNonEmpty(os.Getenv("CODEXD_DB_PATH"), fc.DBPath, "./data/codexd.db"),
		AdminStreamEnabled:  getEnvBool("CODEXD_ADMIN_ENABLED", false),
		MaxConnections:      getEnvIntDefault("CODEXD_MAX_CONNECTIONS", fc.MaxConnections, 512),
		RateLimitRPS:        getEnvFloat("CODEXD_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      getEnvInt("CODEXD_RATE_LIMIT_BURST", 10),
		HistoryPreviewChars: getEnvInt("CODEXD_HISTORY_PREVIEW_CHARS", 200),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFileConfig(path string) fileConfig {
	var fc fileConfig
	if path == "" {
		return fc
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}
	}
	return fc
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BindPort == "" {
		return fmt.Errorf("bind port cannot be empty")
	}
	if c.BaseDataDir == "" {
		return fmt.Errorf("base data dir cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be > 0")
	}
	if c.Launcher != LauncherProcess && c.Launcher != LauncherContainer {
		return fmt.Errorf("launcher must be %q or %q, got %q", LauncherProcess, LauncherContainer, c.Launcher)
	}
	if c.SecurityMethod != SecurityNone && c.SecurityMethod != SecurityKeycloak {
		return fmt.Errorf("security method must be %q or %q, got %q", SecurityNone, SecurityKeycloak, c.SecurityMethod)
	}
	if c.SecurityMethod == SecurityKeycloak && c.KeycloakJWKSURL == "" {
		return fmt.Errorf("keycloak jwks url required when security method is keycloak")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvBoolDefault(key string, fileVal bool, fallback bool) bool {
	if _, ok := os.LookupEnv(key); ok {
		return getEnvBool(key, fallback)
	}
	if fileVal {
		return true
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvIntDefault(key string, fileVal int, fallback int) int {
	if _, ok := os.LookupEnv(key); ok {
		return getEnvInt(key, fallback)
	}
	if fileVal > 0 {
		return fileVal
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDurationSeconds(key string, fileSeconds int, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fallback
		}
		return time.Duration(n) * time.Second
	}
	if fileSeconds > 0 {
		return time.Duration(fileSeconds) * time.Second
	}
	return fallback
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
