// Package config reads the apksigner CLI's optional YAML defaults file, the
// way the teacher's own config package loads its token/key sections.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds CLI defaults that would otherwise have to be repeated as
// flags on every invocation.
type Config struct {
	// CertPath is the default --cert value: a PEM file holding a
	// certificate and private key.
	CertPath string `yaml:"certPath"`
	// LogLevel is the default --log-level value.
	LogLevel string `yaml:"logLevel"`
}

// ReadFile loads and parses a YAML config file. A missing file is not an
// error; callers get a zero-value Config and fall back to flag defaults.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "config: reading file")
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing YAML")
	}
	return cfg, nil
}
