package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration for TOML string parsing.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the complete usbmon configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	System  SystemConfig  `toml:"system"`
	Monitor MonitorConfig `toml:"monitor"`
	Journal JournalConfig `toml:"journal"`
	Policy  PolicyConfig  `toml:"policy"`
	Inspect InspectConfig `toml:"inspect"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SystemConfig points at the kernel interfaces. Overridable for tests and containers.
type SystemConfig struct {
	SysRoot   string `toml:"sys_root"`
	DevRoot   string `toml:"dev_root"`
	MountInfo string `toml:"mount_info"`
}

// MonitorConfig tunes the notifier and dispatcher.
type MonitorConfig struct {
	QueueDepth        int      `toml:"queue_depth"`
	MountPollInterval Duration `toml:"mount_poll_interval"`
	RearmInitial      Duration `toml:"rearm_initial"`
	RearmMax          Duration `toml:"rearm_max"`
	RearmAttempts     int      `toml:"rearm_attempts"`
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// PolicyConfig controls block list enforcement.
type PolicyConfig struct {
	Enforce      bool `toml:"enforce"`
	BlockSuspect bool `toml:"block_suspect"`
}

// InspectConfig controls masquerade scanning of newly mounted volumes.
type InspectConfig struct {
	Enabled  bool `toml:"enabled"`
	MaxFiles int  `toml:"max_files"`
}

// DefaultPath returns the default config file path following XDG conventions.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "usbmon", "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "usbmon", "config.toml"), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a config file from the given path.
// If path is empty, it uses the default XDG path; a missing default file
// yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.System.SysRoot == "" {
		cfg.System.SysRoot = DefaultSysRoot
	}
	if cfg.System.DevRoot == "" {
		cfg.System.DevRoot = DefaultDevRoot
	}
	if cfg.System.MountInfo == "" {
		cfg.System.MountInfo = DefaultMountInfo
	}
	if cfg.Monitor.QueueDepth == 0 {
		cfg.Monitor.QueueDepth = DefaultQueueDepth
	}
	if cfg.Monitor.MountPollInterval == 0 {
		cfg.Monitor.MountPollInterval = DefaultMountPollInterval
	}
	if cfg.Monitor.RearmInitial == 0 {
		cfg.Monitor.RearmInitial = DefaultRearmInitial
	}
	if cfg.Monitor.RearmMax == 0 {
		cfg.Monitor.RearmMax = DefaultRearmMax
	}
	if cfg.Monitor.RearmAttempts == 0 {
		cfg.Monitor.RearmAttempts = DefaultRearmAttempts
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath
	}
	if cfg.Inspect.MaxFiles == 0 {
		cfg.Inspect.MaxFiles = DefaultInspectMaxFiles
	}
}

// validate checks value ranges.
func validate(cfg *Config) error {
	var errs []error

	switch cfg.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", cfg.Log.Format))
	}
	if cfg.Monitor.QueueDepth < 1 {
		errs = append(errs, errors.New("monitor.queue_depth must be positive"))
	}
	if cfg.Monitor.RearmAttempts < 1 {
		errs = append(errs, errors.New("monitor.rearm_attempts must be positive"))
	}
	if cfg.Monitor.RearmInitial < 0 || cfg.Monitor.RearmMax < 0 || cfg.Monitor.MountPollInterval < 0 {
		errs = append(errs, errors.New("monitor durations must not be negative"))
	}
	if cfg.Monitor.RearmMax < cfg.Monitor.RearmInitial {
		errs = append(errs, errors.New("monitor.rearm_max must not be below monitor.rearm_initial"))
	}
	if cfg.Policy.Enforce && !cfg.Journal.Enabled {
		errs = append(errs, errors.New("policy.enforce needs journal.enabled for the block list"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
