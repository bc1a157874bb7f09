// Package cliconfig loads the CLI's optional YAML defaults file. A missing
// file simply yields zero values; flags override whatever the file sets.
package cliconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the defaults a chunkvault.yaml can provide.
type Config struct {
	Index     string `yaml:"index"`
	Chunks    string `yaml:"chunks"`
	Container string `yaml:"container"`
}

// Load reads the YAML file at path. A missing file is not an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}
