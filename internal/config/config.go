// Package config loads agentpulse settings and the model pricing table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults shared by the CLI and the daemon.
const (
	DefaultEndpoint     = "https://agentpulses.com/api/events"
	DefaultAgentName    = "default"
	DefaultFramework    = "openclaw"
	DefaultModel        = "MiniMax-M2.5"
	DefaultProxyPort    = 8787
	DefaultDaemonAddr   = "127.0.0.1:8789"
	DefaultPIDFile      = "/tmp/agentpulse.pid"
	DefaultPollInterval = 5
	DefaultBatchSecs    = 30
	DefaultBatchSize    = 50
)

// Config holds all agentpulse configuration.
type Config struct {
	Collector CollectorConfig  `toml:"collector"`
	Daemon    DaemonConfig     `toml:"daemon"`
	Proxy     ProxyConfig      `toml:"proxy"`
	Model     ModelConfig      `toml:"model"`
	Logging   LoggingConfig    `toml:"logging"`
	Tracing   TracingConfig    `toml:"tracing"`
	Pricing   PricingOverrides `toml:"pricing"`
}

// CollectorConfig identifies this agent to the remote collector.
type CollectorConfig struct {
	APIKey    string `toml:"api_key,omitempty"`
	Endpoint  string `toml:"endpoint"`
	AgentName string `toml:"agent_name"`
	Framework string `toml:"framework"`
}

// DaemonConfig controls log tailing and batching.
type DaemonConfig struct {
	LogPath          string `toml:"log_path,omitempty"`
	PollIntervalSecs int    `toml:"poll_interval"`
	BatchIntervalSec int    `toml:"batch_interval"`
	BatchSize        int    `toml:"batch_size"`
	Addr             string `toml:"addr"`
	PIDFile          string `toml:"pid_file"`
	LogFile          string `toml:"log_file,omitempty"`
	IdleRunTTL       string `toml:"idle_run_ttl"`
	CaptureRetries   int    `toml:"capture_retries"`
	CaptureDelayMs   int    `toml:"capture_delay_ms"`
}

// ProxyConfig controls the local capture proxy.
type ProxyConfig struct {
	Enabled   bool              `toml:"enabled"`
	Port      int               `toml:"port"`
	Upstreams map[string]string `toml:"upstreams,omitempty"`
}

// ModelConfig holds model fallbacks.
type ModelConfig struct {
	Default string `toml:"default"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TracingConfig selects the span exporter: "none", "stdout" or "otlp".
type TracingConfig struct {
	Exporter string `toml:"exporter"`
	Endpoint string `toml:"endpoint,omitempty"`
}

// PricingOverrides allows user-defined pricing for specific models.
type PricingOverrides struct {
	Overrides map[string]ModelPricingOverride `toml:"overrides,omitempty"`
}

// ModelPricingOverride holds per-model pricing overrides.
type ModelPricingOverride struct {
	InputPerMTok  *float64 `toml:"input_per_mtok,omitempty"`
	OutputPerMTok *float64 `toml:"output_per_mtok,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Collector: CollectorConfig{
			Endpoint:  DefaultEndpoint,
			AgentName: DefaultAgentName,
			Framework: DefaultFramework,
		},
		Daemon: DaemonConfig{
			PollIntervalSecs: DefaultPollInterval,
			BatchIntervalSec: DefaultBatchSecs,
			BatchSize:        DefaultBatchSize,
			Addr:             DefaultDaemonAddr,
			PIDFile:          DefaultPIDFile,
			IdleRunTTL:       "1h",
			CaptureRetries:   4,
			CaptureDelayMs:   300,
		},
		Proxy: ProxyConfig{
			Port: DefaultProxyPort,
		},
		Model: ModelConfig{
			Default: DefaultModel,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentpulse")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentpulse")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config file, returning defaults if it doesn't exist.
// A legacy YAML file is imported when no TOML file is present. Environment
// overrides (including a .env file next to the config) are applied last, and
// an empty log path is auto-detected.
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom is Load with an explicit config path.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec // config path is chosen by the local user
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	case os.IsNotExist(err):
		legacy, found, lerr := LoadLegacy(LegacyPath())
		if lerr != nil {
			return cfg, lerr
		}
		if found {
			cfg = legacy
		}
	default:
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnv(&cfg)

	if cfg.Daemon.LogPath == "" {
		cfg.Daemon.LogPath = DetectLogPath()
	}
	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	return SaveTo(Path(), cfg)
}

// SaveTo writes the config to an explicit path.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	//nolint:gosec // config path is chosen by the local user
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTPULSE_API_KEY"); v != "" {
		cfg.Collector.APIKey = v
	}
	if v := os.Getenv("AGENTPULSE_ENDPOINT"); v != "" {
		cfg.Collector.Endpoint = v
	}
	if v := os.Getenv("AGENTPULSE_AGENT_NAME"); v != "" {
		cfg.Collector.AgentName = v
	}
	if v := os.Getenv("AGENTPULSE_LOG_PATH"); v != "" {
		cfg.Daemon.LogPath = v
	}
}

// PollInterval returns the tail poll interval.
func (c Config) PollInterval() time.Duration {
	return secondsOr(c.Daemon.PollIntervalSecs, DefaultPollInterval)
}

// BatchInterval returns the maximum time records wait before a flush.
func (c Config) BatchInterval() time.Duration {
	return secondsOr(c.Daemon.BatchIntervalSec, DefaultBatchSecs)
}

// IdleRunTTL returns how long a run may stay silent before it is evicted.
func (c Config) IdleRunTTL() time.Duration {
	d, err := time.ParseDuration(c.Daemon.IdleRunTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// CaptureDelay returns the wait between capture claim attempts.
func (c Config) CaptureDelay() time.Duration {
	if c.Daemon.CaptureDelayMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.Daemon.CaptureDelayMs) * time.Millisecond
}

// PricingTable returns the built-in pricing merged with overrides.
func (c Config) PricingTable() *PricingTable {
	return NewPricingTable(c.Pricing.Overrides)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
