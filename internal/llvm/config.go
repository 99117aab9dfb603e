package llvm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds optional toolchain settings loaded from a YAML file.
type Config struct {
	// LLC overrides PATH-based discovery of the static compiler.
	LLC string `yaml:"llc"`
	// OptLevel is the -O level passed to llc. Defaults to 2.
	OptLevel *int `yaml:"opt_level"`
	// CPU is the BPF CPU revision passed as -mcpu.
	CPU string `yaml:"cpu"`
}

// LoadConfig reads, parses, and validates a toolchain configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.LLC != "" {
		if err := ValidateBinary(cfg.LLC); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
	}
	if cfg.OptLevel != nil && (*cfg.OptLevel < 0 || *cfg.OptLevel > 3) {
		return nil, fmt.Errorf("config %q: opt_level must be between 0 and 3", path)
	}
	return &cfg, nil
}
