package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and decodes a Settings file at path, expanding ${VAR}/$VAR
// environment references before parsing (mirrors the teacher's
// os.ExpandEnv-then-decode loader), then applies ENGINE_* env overrides.
// A missing file yields Default() unchanged by the file but still subject
// to env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
			decoder.KnownFields(true)
			if err := decoder.Decode(cfg); err != nil && err != io.EOF {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}
