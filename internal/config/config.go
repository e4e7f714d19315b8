// Package config loads the router's configuration from the process
// environment, matching the env-var-driven bootstrap of the original
// implementation rather than a config file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pht-router/trainrouter/internal/observability"
)

// BusConfig describes how to reach the message bus.
type BusConfig struct {
	URL         string
	Exchange    string
	InboundKey  string
	OutboundKey string
}

// RegistryConfig describes how to reach the container registry.
type RegistryConfig struct {
	URL      string
	User     string
	Password string
}

// InteropRegistryConfig describes the optional federated registry used
// for INTEROP hand-offs.
type InteropRegistryConfig struct {
	URL      string
	User     string
	Password string
}

// VaultConfig describes how to reach the RouteStore's Vault backend.
type VaultConfig struct {
	Address    string
	Token      string
	MountPoint string
}

// RedisConfig describes how to reach the JobStateStore's Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AdminConfig describes the optional admin HTTP+WebSocket surface.
type AdminConfig struct {
	Addr   string
	Secret string
}

// Config holds the fully resolved configuration for one router
// process. It is immutable once loaded: this domain has no hot-reload
// requirement, so there is no mutex guarding these fields the way the
// teacher's file-backed Config needs one for its trusted-peer list.
type Config struct {
	Bus     BusConfig
	Registry RegistryConfig
	Interop InteropRegistryConfig
	Vault   VaultConfig
	Redis   RedisConfig
	Admin   AdminConfig

	AutoStart          bool
	DemonstrationMode  bool
	LogLevel           string
}

// Load reads configuration from the process environment, applying
// defaults for optional values and returning an error naming every
// missing required variable at once.
func Load() (*Config, error) {
	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Bus: BusConfig{
			URL:         require("BUS_URL"),
			Exchange:    getenvDefault("BUS_EXCHANGE", "pht"),
			InboundKey:  getenvDefault("BUS_INBOUND_KEY", "tr"),
			OutboundKey: getenvDefault("BUS_OUTBOUND_KEY", "ui.tr.event"),
		},
		Registry: RegistryConfig{
			URL:      require("REGISTRY_URL"),
			User:     require("REGISTRY_USER"),
			Password: require("REGISTRY_PASSWORD"),
		},
		Interop: InteropRegistryConfig{
			URL:      os.Getenv("INTEROP_REGISTRY_URL"),
			User:     os.Getenv("INTEROP_REGISTRY_USER"),
			Password: os.Getenv("INTEROP_REGISTRY_PASSWORD"),
		},
		Vault: VaultConfig{
			Address:    require("VAULT_ADDR"),
			Token:      require("VAULT_TOKEN"),
			MountPoint: getenvDefault("VAULT_MOUNT_POINT", "routes"),
		},
		Redis: RedisConfig{
			Addr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvIntDefault("REDIS_DB", 0),
		},
		Admin: AdminConfig{
			Addr:   getenvDefault("ADMIN_ADDR", ":8090"),
			Secret: os.Getenv("ADMIN_SECRET"),
		},
		AutoStart:         getenvBoolDefault("AUTO_START", false),
		DemonstrationMode: getenvBoolDefault("DEMONSTRATION_MODE", false),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// Redact returns a copy of the configuration safe to log: every
// credential-bearing field is masked.
func (c *Config) Redact() map[string]interface{} {
	return map[string]interface{}{
		"bus_url":           observability.RedactString("url=" + c.Bus.URL),
		"bus_exchange":      c.Bus.Exchange,
		"bus_inbound_key":   c.Bus.InboundKey,
		"bus_outbound_key":  c.Bus.OutboundKey,
		"registry_url":      c.Registry.URL,
		"registry_user":     c.Registry.User,
		"registry_password": "***REDACTED***",
		"vault_addr":        c.Vault.Address,
		"vault_token":       "***REDACTED***",
		"redis_addr":        c.Redis.Addr,
		"redis_password":    "***REDACTED***",
		"admin_addr":        c.Admin.Addr,
		"admin_secret":      "***REDACTED***",
		"auto_start":        c.AutoStart,
		"demonstration_mode": c.DemonstrationMode,
		"log_level":         c.LogLevel,
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
