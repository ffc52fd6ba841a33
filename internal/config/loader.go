package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvConfigPath names the environment variable pointing at the optional
// YAML config file.
const EnvConfigPath = "DRIFT_CONFIG"

// Load builds a Config by layering, lowest precedence first:
//
//  1. Defaults()
//  2. the YAML file named by DRIFT_CONFIG, if set
//  3. DRIFT_-prefixed environment variables (DRIFT_ADDR, DRIFT_QUEUE_TICK, ...)
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// DRIFT_QUEUE_TICK -> queue_tick. Keys stay flat, so underscores in
	// variable names survive untouched.
	envProvider := env.Provider("DRIFT_", ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "drift_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := *Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
