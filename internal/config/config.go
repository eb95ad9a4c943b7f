// Package config loads appdockd configuration: defaults overridden by
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration paths and execution settings.
type Config struct {
	ConfigPath     string
	BaseDir        string // read-only template tier
	LocalDir       string // operator-writable tier shadowing BaseDir
	DataDir        string
	DBPath         string
	SocketPath     string
	MetricsListen  string
	AgeKeyPath     string
	PctPath        string
	VEHost         string
	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	BaseDir               string `yaml:"base_dir"`
	LocalDir              string `yaml:"local_dir"`
	DataDir               string `yaml:"data_dir"`
	DBPath                string `yaml:"db_path"`
	SocketPath            string `yaml:"socket_path"`
	MetricsListen         string `yaml:"metrics_listen"`
	AgeKeyPath            string `yaml:"age_key_path"`
	PctPath               string `yaml:"pct_path"`
	VEHost                string `yaml:"ve_host"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
	ProbeTimeoutSeconds   int    `yaml:"probe_timeout_seconds"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	dataDir := "/var/lib/appdock"
	return Config{
		ConfigPath:     "/etc/appdock/config.yaml",
		BaseDir:        "/usr/share/appdock/json",
		LocalDir:       filepath.Join(dataDir, "local"),
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "appdock.db"),
		SocketPath:     "/run/appdock/appdockd.sock",
		MetricsListen:  "",
		AgeKeyPath:     "/etc/appdock/keys/age.key",
		VEHost:         "localhost",
		CommandTimeout: 10 * time.Minute,
		ProbeTimeout:   30 * time.Second,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
// A missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if explicit {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "appdock.db")
	}
	if fileCfg.DataDir != "" && fileCfg.LocalDir == "" {
		cfg.LocalDir = filepath.Join(cfg.DataDir, "local")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, file FileConfig) {
	if file.BaseDir != "" {
		cfg.BaseDir = file.BaseDir
	}
	if file.LocalDir != "" {
		cfg.LocalDir = file.LocalDir
	}
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.SocketPath != "" {
		cfg.SocketPath = file.SocketPath
	}
	if file.MetricsListen != "" {
		cfg.MetricsListen = file.MetricsListen
	}
	if file.AgeKeyPath != "" {
		cfg.AgeKeyPath = file.AgeKeyPath
	}
	if file.PctPath != "" {
		cfg.PctPath = file.PctPath
	}
	if file.VEHost != "" {
		cfg.VEHost = file.VEHost
	}
	if file.CommandTimeoutSeconds > 0 {
		cfg.CommandTimeout = time.Duration(file.CommandTimeoutSeconds) * time.Second
	}
	if file.ProbeTimeoutSeconds > 0 {
		cfg.ProbeTimeout = time.Duration(file.ProbeTimeoutSeconds) * time.Second
	}
}

// Validate checks the configuration for required fields.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base_dir is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	if c.VEHost == "" {
		return errors.New("ve_host is required")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	return nil
}
