// Package config handles configuration loading and management for vigil.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// ProjectConfigName is the per-repository config file name.
const ProjectConfigName = ".vigil.yaml"

// Config holds all configuration for vigil.
type Config struct {
	Mode      ModeConfig            `mapstructure:"mode"`
	Executor  ExecutorConfig        `mapstructure:"executor"`
	Launch    LaunchConfig          `mapstructure:"launch"`
	Gate      GateConfig            `mapstructure:"gate"`
	Reaper    ReaperConfig          `mapstructure:"reaper"`
	Retention RetentionConfig       `mapstructure:"retention"`
	Store     StoreConfig           `mapstructure:"store"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Tools     map[string]ToolConfig `mapstructure:"tools"`
}

// ModeConfig selects how the gate treats the current run.
type ModeConfig struct {
	// NonBlocking returns from the hook without waiting for the current run.
	NonBlocking bool `mapstructure:"non_blocking"`
}

// ExecutorConfig holds worker pool settings.
type ExecutorConfig struct {
	// Workers is the pool size (0 = number of CPUs).
	Workers int `mapstructure:"workers"`
	// QueueDepth bounds pending invocations before submitters block.
	QueueDepth int `mapstructure:"queue_depth"`
	// ExcerptBytes bounds the stored output excerpt per tool.
	ExcerptBytes int `mapstructure:"excerpt_bytes"`
	// DefaultTimeout applies to tools without their own timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// RunTimeout aborts the whole run after this long (0 = none).
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// ClassLimits caps concurrent invocations per concurrency class.
	ClassLimits map[string]int `mapstructure:"class_limits"`
}

// LaunchConfig holds background runner settings.
type LaunchConfig struct {
	// Policy is "join" or "refuse" for a changeset that already has a live run.
	Policy string `mapstructure:"policy"`
}

// GateConfig holds commit gate settings.
type GateConfig struct {
	// Prompt asks before committing over a failed run; false always aborts.
	Prompt bool `mapstructure:"prompt"`
	// PollInterval is the store polling period in blocking mode.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ReaperConfig holds orphan detection settings.
type ReaperConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// RetentionConfig holds pruning bounds.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	KeepLast int           `mapstructure:"keep_last"`
}

// StoreConfig locates the run store.
type StoreConfig struct {
	// Dir is the store directory, relative paths resolve against the repository root.
	Dir string `mapstructure:"dir"`
	// Driver is the database/sql driver: "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ToolConfig describes one validator as written in config files.
// Unset booleans default to true.
type ToolConfig struct {
	Command          string        `mapstructure:"command"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Required         *bool         `mapstructure:"required"`
	Enabled          *bool         `mapstructure:"enabled"`
	ConcurrencyClass string        `mapstructure:"concurrency_class"`
	Patterns         []string      `mapstructure:"patterns"`
	ErrorExitCodes   []int         `mapstructure:"error_exit_codes"`
	// MaxWarnings fails the tool above this many warnings (nil = no limit).
	MaxWarnings *int         `mapstructure:"max_warnings"`
	Output      OutputConfig `mapstructure:"output"`
}

// OutputConfig describes how to count findings in a tool's output.
type OutputConfig struct {
	// Format is "none", "json" or "regex".
	Format string `mapstructure:"format"`
	// Errors is a gjson path (json) or regular expression (regex).
	Errors string `mapstructure:"errors"`
	// Warnings is a gjson path (json) or regular expression (regex).
	Warnings string `mapstructure:"warnings"`
}

// IsRequired reports the effective required flag.
func (t ToolConfig) IsRequired() bool {
	return t.Required == nil || *t.Required
}

// IsEnabled reports the effective enabled flag.
func (t ToolConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Launch policies.
const (
	PolicyJoin   = "join"
	PolicyRefuse = "refuse"
)

// LoadFrom loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (VIGIL_EXECUTOR_WORKERS, VIGIL_WORKERS, ...)
// 2. Project config (.vigil.yaml in startDir or a parent)
// 3. User config (~/.config/vigil/config.yaml)
// 4. Built-in defaults
func LoadFrom(startDir string) (*Config, error) {
	v, err := newViper(startDir)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// EffectiveYAML renders the merged configuration as YAML.
func EffectiveYAML(startDir string) ([]byte, error) {
	v, err := newViper(startDir)
	if err != nil {
		return nil, err
	}
	if _, err := decode(v); err != nil {
		return nil, err
	}
	return yaml.Marshal(v.AllSettings())
}

func newViper(startDir string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config takes precedence over the user config
	if projectConfig := findProjectConfig(startDir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases
	_ = v.BindEnv("executor.workers", "VIGIL_EXECUTOR_WORKERS", "VIGIL_WORKERS")
	_ = v.BindEnv("logging.level", "VIGIL_LOGGING_LEVEL", "VIGIL_LOG_LEVEL")
	_ = v.BindEnv("store.dir", "VIGIL_STORE_DIR", "VIGIL_DIR")
	_ = v.BindEnv("mode.non_blocking", "VIGIL_MODE_NON_BLOCKING", "VIGIL_NON_BLOCKING")

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Launch.Policy {
	case PolicyJoin, PolicyRefuse:
	default:
		return fmt.Errorf("launch.policy: unknown value %q (want join or refuse)", c.Launch.Policy)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown value %q (want sqlite or sqlite3)", c.Store.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown value %q (want text or json)", c.Logging.Format)
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers: must not be negative")
	}
	for name, limit := range c.Executor.ClassLimits {
		if limit < 1 {
			return fmt.Errorf("executor.class_limits.%s: must be at least 1", name)
		}
	}
	for _, name := range c.ToolNames() {
		switch c.Tools[name].Output.Format {
		case "", "none", "json", "regex":
		default:
			return fmt.Errorf("tools.%s.output.format: unknown value %q", name, c.Tools[name].Output.Format)
		}
	}
	return nil
}

// WorkerCount resolves the effective worker pool size.
func (c *Config) WorkerCount() int {
	if c.Executor.Workers > 0 {
		return c.Executor.Workers
	}
	return runtime.NumCPU()
}

// StoreDir resolves the store directory against the repository root.
func (c *Config) StoreDir(repoRoot string) string {
	dir := c.Store.Dir
	if dir == "" {
		dir = ".vigil"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(repoRoot, dir)
}

// ToolNames returns the configured tool names in sorted order.
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath(startDir string) string {
	return findProjectConfig(startDir)
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("mode.non_blocking", d.Mode.NonBlocking)

	v.SetDefault("executor.workers", d.Executor.Workers)
	v.SetDefault("executor.queue_depth", d.Executor.QueueDepth)
	v.SetDefault("executor.excerpt_bytes", d.Executor.ExcerptBytes)
	v.SetDefault("executor.default_timeout", d.Executor.DefaultTimeout.String())
	v.SetDefault("executor.run_timeout", "0s")

	v.SetDefault("launch.policy", d.Launch.Policy)

	v.SetDefault("gate.prompt", d.Gate.Prompt)
	v.SetDefault("gate.poll_interval", d.Gate.PollInterval.String())

	v.SetDefault("reaper.grace_period", d.Reaper.GracePeriod.String())

	v.SetDefault("retention.max_age", d.Retention.MaxAge.String())
	v.SetDefault("retention.keep_last", d.Retention.KeepLast)

	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// getUserConfigDir returns the XDG config directory for vigil.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vigil")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "vigil")
	}
	return filepath.Join(home, ".config", "vigil")
}

// findProjectConfig searches for .vigil.yaml in startDir and its parents.
func findProjectConfig(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Default returns a Config with default values and no tools.
func Default() *Config {
	return &Config{
		Mode: ModeConfig{NonBlocking: true},
		Executor: ExecutorConfig{
			Workers:        0,
			QueueDepth:     64,
			ExcerptBytes:   4096,
			DefaultTimeout: 5 * time.Minute,
		},
		Launch: LaunchConfig{Policy: PolicyJoin},
		Gate: GateConfig{
			Prompt:       true,
			PollInterval: 250 * time.Millisecond,
		},
		Reaper: ReaperConfig{GracePeriod: 30 * time.Second},
		Retention: RetentionConfig{
			MaxAge:   720 * time.Hour,
			KeepLast: 50,
		},
		Store: StoreConfig{
			Dir:    ".vigil",
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
