// internal/config/config.go

// Package config loads the client's orchestration settings. Saved connections
// and key material live elsewhere; this file holds only tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sshdeck/internal/portscan"
	"sshdeck/internal/session"
	"sshdeck/internal/transport"
)

const (
	DefaultConfigFileName = "config.yaml"
	DefaultConfigDir      = ".config/sshdeck"
)

// Duration wraps time.Duration so YAML can carry values like "30s".
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

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds client-wide orchestration settings.
type Config struct {
	ConnectTimeout  Duration         `yaml:"connect_timeout"`
	IdleGrace       Duration         `yaml:"idle_grace"`
	Keepalive       Duration         `yaml:"keepalive"`
	Term            string           `yaml:"term"`
	ScrollbackBytes int              `yaml:"scrollback_bytes"`
	PortRanking     portscan.Ranking `yaml:"port_ranking"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ConnectTimeout:  Duration(transport.DefaultConnectTimeout),
		IdleGrace:       Duration(transport.DefaultIdleGrace),
		Keepalive:       Duration(transport.DefaultKeepalive),
		Term:            "xterm-256color",
		ScrollbackBytes: session.DefaultScrollbackBytes,
		PortRanking:     portscan.DefaultRanking(),
	}
}

// DefaultPath returns ~/.config/sshdeck/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFileName), nil
}

// Load reads the config file at path, filling unset fields with defaults.
// A missing file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = Duration(transport.DefaultConnectTimeout)
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = Duration(transport.DefaultIdleGrace)
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = session.DefaultScrollbackBytes
	}
	if len(cfg.PortRanking.PreferredPorts) == 0 && len(cfg.PortRanking.DevProcesses) == 0 {
		cfg.PortRanking = portscan.DefaultRanking()
	}
	return cfg, nil
}

// PoolOptions maps the config onto transport pool options.
func (c Config) PoolOptions() transport.Options {
	return transport.Options{
		ConnectTimeout: time.Duration(c.ConnectTimeout),
		IdleGrace:      time.Duration(c.IdleGrace),
		Keepalive:      time.Duration(c.Keepalive),
	}
}
