// Package config loads fleetd's configuration from an optional YAML file
// with environment-variable overrides. Environment wins over file so a
// containerized deployment can tune a baked-in config without editing it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file nor environment specifies a value.
const (
	DefaultPort         = 3000
	DefaultMaxWorkers   = 50
	DefaultHardLimit    = 100
	DefaultMaxDepth     = 3
	DefaultTickInterval = time.Second
	DefaultDBPath       = "data/fleet.db"
	DefaultBackend      = "sqlite"
)

// Config is fleetd's full runtime configuration.
type Config struct {
	Port         int    `yaml:"port"`
	Environment  string `yaml:"environment"` // "production" tightens secret handling
	JWTSecret    string `yaml:"jwtSecret"`
	JWTExpiresIn string `yaml:"jwtExpiresIn"` // duration string, e.g. "24h"

	MaxWorkers int `yaml:"maxWorkers"` // spawn controller soft limit
	HardLimit  int `yaml:"hardLimit"`
	MaxDepth   int `yaml:"maxDepth"`

	TickIntervalMs int `yaml:"tickIntervalMs"`

	CORSOrigins []string `yaml:"corsOrigins"`
	NativeOnly  bool     `yaml:"nativeOnly"` // true disables worktree spawn modes

	StorageBackend string `yaml:"storageBackend"` // sqlite is the mature reference
	DBPath         string `yaml:"dbPath"`
	DatabaseURL    string `yaml:"databaseURL"` // postgresql backend

	NATSURL      string `yaml:"natsURL"`      // empty = embed a local server
	NATSPort     int    `yaml:"natsPort"`     // embedded server port
	DisableNATS  bool   `yaml:"disableNATS"`  // run with the in-process bus only
	SwarmChannel string `yaml:"swarmChannel"` // relay subject for cross-process events
}

// Load reads path (if it exists), applies environment overrides, fills
// defaults, and validates. A missing file is not an error; the zero
// config plus environment is a valid way to run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if cfg.JWTSecret == "" {
		if cfg.Environment == "production" {
			log.Fatal("[CONFIG] JWT_SECRET is required in production")
		}
		cfg.JWTSecret = randomSecret()
		log.Printf("[CONFIG] JWT_SECRET not set, generated a random secret for this run")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("GO_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRES_IN"); v != "" {
		c.JWTExpiresIn = v
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	if v := os.Getenv("FLEET_NATIVE_ONLY"); v != "" {
		c.NativeOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.StorageBackend = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
}

func (c *Config) fillDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.HardLimit == 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.TickIntervalMs == 0 {
		c.TickIntervalMs = int(DefaultTickInterval / time.Millisecond)
	}
	if c.StorageBackend == "" {
		c.StorageBackend = DefaultBackend
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.JWTExpiresIn == "" {
		c.JWTExpiresIn = "24h"
	}
	if c.SwarmChannel == "" {
		c.SwarmChannel = "default"
	}
}

// TokenTTL parses JWTExpiresIn, falling back to 24h on a bad value.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTExpiresIn)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// TickInterval returns the scheduler loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("[CONFIG] Failed to generate random secret: %v", err)
	}
	return hex.EncodeToString(buf)
}
