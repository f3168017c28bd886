// Package config provides configuration loading utilities, including an
// optional YAML file overlay applied before environment variables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadWithFile loads Config from environment variables, first overlaying
// values from an optional YAML file at path (if non-empty and present).
// Environment variables always win over the file, and so do envDefault
// values: a field with an envDefault tag takes its default whenever its
// variable is unset, so the file only supplies fields without a default.
func LoadWithFile(path string) (Config, error) {
	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("op=config.load_file: %w", err)
			}
		} else if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("op=config.parse_file: %w", err)
		}
	}
	if err := envOverlay(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.load: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.load_validate: %w", err)
	}
	return cfg, nil
}
