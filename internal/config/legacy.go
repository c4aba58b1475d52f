package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// legacyConfig mirrors the flat YAML file written by older plugin releases.
type legacyConfig struct {
	APIKey        string `yaml:"api_key"`
	Endpoint      string `yaml:"endpoint"`
	AgentName     string `yaml:"agent_name"`
	Framework     string `yaml:"framework"`
	LogPath       string `yaml:"log_path"`
	PollInterval  int    `yaml:"poll_interval"`
	BatchInterval int    `yaml:"batch_interval"`
	ProxyEnabled  bool   `yaml:"proxy_enabled"`
	ProxyPort     int    `yaml:"proxy_port"`
	Model         string `yaml:"model"`
}

// LegacyPath returns the location of the older YAML config.
func LegacyPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw", "agentpulse.yaml")
}

// LoadLegacy reads a legacy YAML config on top of the defaults. found is
// false when the file does not exist.
func LoadLegacy(path string) (cfg Config, found bool, err error) {
	cfg = DefaultConfig()

	//nolint:gosec // legacy path is derived from the user's home directory
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("reading legacy config: %w", err)
	}

	var lc legacyConfig
	if err := yaml.Unmarshal(data, &lc); err != nil {
		return cfg, false, fmt.Errorf("parsing legacy config: %w", err)
	}

	if lc.APIKey != "" {
		cfg.Collector.APIKey = lc.APIKey
	}
	if lc.Endpoint != "" {
		cfg.Collector.Endpoint = lc.Endpoint
	}
	if lc.AgentName != "" {
		cfg.Collector.AgentName = lc.AgentName
	}
	if lc.Framework != "" {
		cfg.Collector.Framework = lc.Framework
	}
	cfg.Daemon.LogPath = lc.LogPath
	if lc.PollInterval > 0 {
		cfg.Daemon.PollIntervalSecs = lc.PollInterval
	}
	if lc.BatchInterval > 0 {
		cfg.Daemon.BatchIntervalSec = lc.BatchInterval
	}
	cfg.Proxy.Enabled = lc.ProxyEnabled
	if lc.ProxyPort > 0 {
		cfg.Proxy.Port = lc.ProxyPort
	}
	if lc.Model != "" {
		cfg.Model.Default = lc.Model
	}
	return cfg, true, nil
}
