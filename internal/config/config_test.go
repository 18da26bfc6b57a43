package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("Expected maxWorkers %d, got %d", DefaultMaxWorkers, cfg.MaxWorkers)
	}
	if cfg.HardLimit != DefaultHardLimit {
		t.Errorf("Expected hardLimit %d, got %d", DefaultHardLimit, cfg.HardLimit)
	}
	if cfg.StorageBackend != "sqlite" {
		t.Errorf("Expected sqlite backend, got %s", cfg.StorageBackend)
	}
	if cfg.JWTSecret == "" {
		t.Error("Expected a generated JWT secret outside production")
	}
	if cfg.TokenTTL() != 24*time.Hour {
		t.Errorf("Expected default TTL 24h, got %v", cfg.TokenTTL())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := `
port: 8080
maxWorkers: 10
maxDepth: 2
jwtSecret: test-secret
corsOrigins:
  - http://localhost:5173
storageBackend: sqlite
dbPath: /tmp/test-fleet.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxWorkers != 10 {
		t.Errorf("Expected maxWorkers 10, got %d", cfg.MaxWorkers)
	}
	if cfg.MaxDepth != 2 {
		t.Errorf("Expected maxDepth 2, got %d", cfg.MaxDepth)
	}
	if cfg.JWTSecret != "test-secret" {
		t.Errorf("Expected configured secret, got %q", cfg.JWTSecret)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:5173" {
		t.Errorf("Unexpected CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	if err := os.WriteFile(path, []byte("port: 8080\nmaxWorkers: 10\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("PORT", "9090")
	t.Setenv("MAX_WORKERS", "25")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("FLEET_NATIVE_ONLY", "true")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Env PORT should win, got %d", cfg.Port)
	}
	if cfg.MaxWorkers != 25 {
		t.Errorf("Env MAX_WORKERS should win, got %d", cfg.MaxWorkers)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Errorf("CORS_ORIGINS not split correctly: %v", cfg.CORSOrigins)
	}
	if !cfg.NativeOnly {
		t.Error("FLEET_NATIVE_ONLY=true should set NativeOnly")
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("Env JWT_SECRET should win, got %q", cfg.JWTSecret)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("/nonexistent/fleet.yaml")
	if err != nil {
		t.Fatalf("Missing file should not fail Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Expected defaults, got port %d", cfg.Port)
	}
}

func TestTokenTTL_BadValueFallsBack(t *testing.T) {
	cfg := &Config{JWTExpiresIn: "not-a-duration"}
	if cfg.TokenTTL() != 24*time.Hour {
		t.Errorf("Bad duration should fall back to 24h, got %v", cfg.TokenTTL())
	}
	cfg.JWTExpiresIn = "1h"
	if cfg.TokenTTL() != time.Hour {
		t.Errorf("Expected 1h, got %v", cfg.TokenTTL())
	}
}
