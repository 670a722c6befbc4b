package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/rtledit/internal/extension"
	"github.com/dshills/rtledit/internal/registry"
)

// Config is the runtime configuration.
type Config struct {
	// ExtensionsDir holds one folder per installed extension.
	ExtensionsDir string `toml:"extensions_dir" yaml:"extensions_dir"`
	// SettingsFile is the editor settings document with the extensions subsection.
	SettingsFile string `toml:"settings_file" yaml:"settings_file"`
	// CacheFile is the registry cache database. Empty disables persistence.
	CacheFile string `toml:"cache_file" yaml:"cache_file"`

	// HostVersion is the editor version extensions are checked against.
	HostVersion string `toml:"host_version" yaml:"host_version"`
	// HostPlatform overrides the detected platform. Empty uses runtime.GOOS.
	HostPlatform string `toml:"host_platform" yaml:"host_platform"`

	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogPretty bool   `toml:"log_pretty" yaml:"log_pretty"`

	// Watch reloads extensions when files under ExtensionsDir change.
	Watch         bool     `toml:"watch" yaml:"watch"`
	WatchDebounce Duration `toml:"watch_debounce" yaml:"watch_debounce"`

	// ExecutionTimeout bounds each call into extension code.
	ExecutionTimeout Duration `toml:"execution_timeout" yaml:"execution_timeout"`

	Registry RegistryConfig `toml:"registry" yaml:"registry"`
}

// RegistryConfig is the [registry] section.
type RegistryConfig struct {
	Owner      string   `toml:"owner" yaml:"owner"`
	Repo       string   `toml:"repo" yaml:"repo"`
	Branch     string   `toml:"branch" yaml:"branch"`
	Path       string   `toml:"path" yaml:"path"`
	APIURL     string   `toml:"api_url" yaml:"api_url"`
	RawURL     string   `toml:"raw_url" yaml:"raw_url"`
	Token      string   `toml:"token" yaml:"token"`
	BatchSize  int      `toml:"batch_size" yaml:"batch_size"`
	BatchDelay Duration `toml:"batch_delay" yaml:"batch_delay"`
	CacheTTL   Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	Timeout    Duration `toml:"timeout" yaml:"timeout"`
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	RetryDelay Duration `toml:"retry_delay" yaml:"retry_delay"`
}

// DefaultHostVersion is used when no host version is configured.
const DefaultHostVersion = "1.5.0"

// Default returns the built-in configuration with home paths expanded.
func Default() Config {
	reg := registry.DefaultConfig()
	cfg := Config{
		ExtensionsDir:    "~/.config/rtledit/extensions",
		SettingsFile:     "~/.config/rtledit/settings.json",
		CacheFile:        "~/.cache/rtledit/registry.db",
		HostVersion:      DefaultHostVersion,
		LogLevel:         "info",
		Watch:            true,
		WatchDebounce:    Duration(250 * time.Millisecond),
		ExecutionTimeout: Duration(5 * time.Second),
		Registry: RegistryConfig{
			Owner:      reg.Owner,
			Repo:       reg.Repo,
			Branch:     reg.Branch,
			Path:       reg.Path,
			APIURL:     reg.APIURL,
			RawURL:     reg.RawURL,
			BatchSize:  reg.BatchSize,
			BatchDelay: Duration(reg.BatchDelay),
			CacheTTL:   Duration(reg.CacheTTL),
			Timeout:    Duration(reg.Timeout),
			MaxRetries: reg.MaxRetries,
			RetryDelay: Duration(reg.RetryDelay),
		},
	}
	cfg.expandPaths()
	return cfg
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return ExpandHome("~/.config/rtledit/runtime.toml")
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ExtensionsDir) == "" {
		return fmt.Errorf("%w: extensions_dir is required", ErrValidationFailed)
	}
	if strings.TrimSpace(c.SettingsFile) == "" {
		return fmt.Errorf("%w: settings_file is required", ErrValidationFailed)
	}
	if _, err := c.Host(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("%w: log_level %q", ErrValidationFailed, c.LogLevel)
		}
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("%w: watch_debounce must not be negative", ErrValidationFailed)
	}
	if c.ExecutionTimeout < 0 {
		return fmt.Errorf("%w: execution_timeout must not be negative", ErrValidationFailed)
	}
	if err := c.RegistryConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

// Host returns the host identity extensions are checked against.
func (c Config) Host() (extension.Host, error) {
	return extension.NewHost(c.HostPlatform, c.HostVersion)
}

// RegistryConfig converts the [registry] section for registry.New.
func (c Config) RegistryConfig() registry.Config {
	r := c.Registry
	return registry.Config{
		Owner:      r.Owner,
		Repo:       r.Repo,
		Branch:     r.Branch,
		Path:       r.Path,
		APIURL:     r.APIURL,
		RawURL:     r.RawURL,
		Token:      r.Token,
		BatchSize:  r.BatchSize,
		BatchDelay: r.BatchDelay.Std(),
		CacheTTL:   r.CacheTTL.Std(),
		Timeout:    r.Timeout.Std(),
		MaxRetries: r.MaxRetries,
		RetryDelay: r.RetryDelay.Std(),
	}
}

func (c *Config) expandPaths() {
	c.ExtensionsDir = ExpandHome(c.ExtensionsDir)
	c.SettingsFile = ExpandHome(c.SettingsFile)
	c.CacheFile = ExpandHome(c.CacheFile)
}

// ExpandHome replaces a leading "~" with the user's home directory. The
// path is returned unchanged when the home directory is unknown.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
