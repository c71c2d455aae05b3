// Package config loads the engine's Settings from a YAML file with
// environment-variable expansion and overrides, following the teacher's
// decode-into-struct idiom (internal/config/loader.go upstream).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/coderloop/engine/internal/store"
)

// Config is the process-level configuration: server bind address, model
// endpoint defaults, and logging.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Settings store.Settings `yaml:"settings"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Default returns a Config with the teacher's usual baked-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Settings: store.Settings{
			Mode:        store.ModeBuild,
			ModelName:   "gpt-4o",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// applyEnvOverrides applies the environment variables that override the
// loaded file, after YAML decode (ENGINE_ prefix, teacher's
// convention for secrets that should never live in a checked-in file).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_API_TOKEN"); v != "" {
		cfg.Settings.APIToken = v
	}
	if v := os.Getenv("ENGINE_ENDPOINT_URL"); v != "" {
		cfg.Settings.EndpointURL = v
	}
	if v := os.Getenv("ENGINE_MODEL_NAME"); v != "" {
		cfg.Settings.ModelName = v
	}
	if v := os.Getenv("ENGINE_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
