// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Dgraph DgraphConfig `yaml:"dgraph"`
	NATS   NATSConfig   `yaml:"nats"`
	Auth   AuthConfig   `yaml:"auth"`
	Search SearchConfig `yaml:"search"`
	Hub    HubConfig    `yaml:"hub"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig configures the credential and grant store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DgraphConfig configures graph persistence. Disabled keeps everything
// in memory, which is what tests and single-node demos want.
type DgraphConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NATSConfig configures the optional event relay.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// AuthConfig configures token issuing.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	TokenHours int    `yaml:"token_hours"`
}

// SearchConfig configures the concept index.
type SearchConfig struct {
	IndexPath string `yaml:"index_path"`
	InMemory  bool   `yaml:"in_memory"`
}

// HubConfig tunes broadcast buffering and session eviction.
type HubConfig struct {
	SendBuffer       int `yaml:"send_buffer"`
	RecentEvents     int `yaml:"recent_events"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           "9000",
			AllowedOrigins: []string{"*"},
		},
		Redis:  RedisConfig{Address: "localhost:6379"},
		Dgraph: DgraphConfig{Address: "localhost:9080"},
		NATS:   NATSConfig{URL: "nats://localhost:4222"},
		Auth:   AuthConfig{TokenHours: 12},
		Search: SearchConfig{IndexPath: "./data/concepts.bleve"},
		Hub: HubConfig{
			SendBuffer:       64,
			RecentEvents:     128,
			HeartbeatSeconds: 30,
		},
	}
}

// Load reads the YAML file at path, falling back to defaults when path is
// empty or the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Redis.Address = getEnv("REDIS_URL", c.Redis.Address)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Dgraph.Address = getEnv("DGRAPH_URL", c.Dgraph.Address)
	c.Dgraph.Enabled = getEnvBool("DGRAPH_ENABLED", c.Dgraph.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Enabled = getEnvBool("NATS_ENABLED", c.NATS.Enabled)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Search.IndexPath = getEnv("SEARCH_INDEX_PATH", c.Search.IndexPath)
	c.Search.InMemory = getEnvBool("SEARCH_IN_MEMORY", c.Search.InMemory)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
