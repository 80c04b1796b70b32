package cli

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig holds synctool's on-disk defaults, loaded via --config. Flags
// always win over a config file value (spec.md §6, "no environment-variable
// configuration in the core" binds the library, not this ambient CLI).
type FileConfig struct {
	Format  string `yaml:"format,omitempty"`
	Verbose bool   `yaml:"verbose,omitempty"`
}

// LoadFileConfig reads and parses a YAML config file. A missing or
// unreadable path is returned as an error.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFileConfig fills in any RootOptions field whose flag was not set
// explicitly on the command line with the config file's value.
func applyFileConfig(opts *RootOptions, cfg *FileConfig, formatSet, verboseSet bool) {
	if cfg == nil {
		return
	}
	if !formatSet && cfg.Format != "" {
		opts.Format = cfg.Format
	}
	if !verboseSet && cfg.Verbose {
		opts.Verbose = cfg.Verbose
	}
}
