// Package config loads the hub's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"wisp/internal/authority"
	"wisp/internal/directory"
)

// Duration accepts time.ParseDuration strings ("30s", "1m30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// ListenAddr is the TCP address the hub binds.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the SQLite file; empty means the in-memory store.
	DBPath string `yaml:"db_path"`
	// ReapInterval is how often the directory sweeps empty rooms.
	ReapInterval Duration `yaml:"reap_interval"`
	// OpTimeout bounds each authority operation.
	OpTimeout Duration `yaml:"op_timeout"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:7420",
		ReapInterval: Duration(directory.DefaultSweepInterval),
		OpTimeout:    Duration(authority.DefaultOpTimeout),
		LogLevel:     "info",
	}
}

// Load reads path over the defaults. A missing file is fine; the defaults
// stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = Default().ListenAddr
	}
	return cfg, nil
}
