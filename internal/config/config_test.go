package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("port = %s, want default %s", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Hub.SendBuffer != def.Hub.SendBuffer {
		t.Errorf("send buffer = %d, want default %d", cfg.Hub.SendBuffer, def.Hub.SendBuffer)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "8080"
  allowed_origins: ["https://app.example.com"]
dgraph:
  enabled: true
  address: "dgraph:9080"
hub:
  send_buffer: 32
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
	if !cfg.Dgraph.Enabled || cfg.Dgraph.Address != "dgraph:9080" {
		t.Errorf("dgraph = %+v", cfg.Dgraph)
	}
	if cfg.Hub.SendBuffer != 32 {
		t.Errorf("send buffer = %d", cfg.Hub.SendBuffer)
	}
	// Untouched sections keep their defaults.
	if cfg.Redis.Address != Default().Redis.Address {
		t.Errorf("redis address = %s", cfg.Redis.Address)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("REDIS_URL", "redis:6379")
	t.Setenv("DGRAPH_ENABLED", "true")
	t.Setenv("JWT_SECRET", "supersecret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Redis.Address != "redis:6379" {
		t.Errorf("redis = %s", cfg.Redis.Address)
	}
	if !cfg.Dgraph.Enabled {
		t.Error("dgraph not enabled by env")
	}
	if cfg.Auth.JWTSecret != "supersecret" {
		t.Errorf("jwt secret = %s", cfg.Auth.JWTSecret)
	}
}
