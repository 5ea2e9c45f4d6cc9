package circ

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is the directory under the user's home for workstation
// state (config, database, log).
const DefaultConfigDir = ".offlinecirc"

// DefaultConfigFile is the config file name within the config directory.
const DefaultConfigFile = "config.yaml"

// Config is the workstation configuration.
type Config struct {
	ServerURL     string `yaml:"server_url"`
	Workstation   string `yaml:"workstation"`
	StaffUsername string `yaml:"staff_username"`
	DatabasePath  string `yaml:"database_path"`
	LogFile       string `yaml:"log_file,omitempty"`
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig reads the config at path, or the default location when path is
// empty. A missing file yields defaults rather than an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to path, or the default location when path
// is empty.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultConfig() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "workstation"
	}
	return &Config{
		ServerURL:    "http://localhost:9138",
		Workstation:  host,
		DatabasePath: filepath.Join(dir, "offline.db"),
		LogFile:      filepath.Join(dir, "offline.log"),
	}, nil
}
