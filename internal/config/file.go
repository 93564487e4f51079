package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads config from a YAML or TOML file, chosen by extension.
// Fields the file leaves empty are filled from the environment and defaults.
func LoadFromFile(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := decodeFile(path, data)
	if err != nil {
		return nil, err
	}
	return fromEnv(ctx, c, envconfig.OsLookuper())
}

func decodeFile(path string, data []byte) (*Config, error) {
	var c Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", ext)
	}
	return &c, nil
}
