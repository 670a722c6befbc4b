package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of every runtime environment variable.
const EnvPrefix = "RTLEDIT_"

// envSetter applies one environment value to a Config.
type envSetter func(c *Config, value string) error

// envMapping returns the environment variable mappings.
func envMapping() map[string]envSetter {
	str := func(field func(*Config) *string) envSetter {
		return func(c *Config, v string) error {
			*field(c) = v
			return nil
		}
	}
	return map[string]envSetter{
		EnvPrefix + "EXTENSIONS_DIR": str(func(c *Config) *string { return &c.ExtensionsDir }),
		EnvPrefix + "SETTINGS_FILE":  str(func(c *Config) *string { return &c.SettingsFile }),
		EnvPrefix + "CACHE_FILE":     str(func(c *Config) *string { return &c.CacheFile }),
		EnvPrefix + "HOST_VERSION":   str(func(c *Config) *string { return &c.HostVersion }),
		EnvPrefix + "HOST_PLATFORM":  str(func(c *Config) *string { return &c.HostPlatform }),
		EnvPrefix + "LOG_LEVEL":      str(func(c *Config) *string { return &c.LogLevel }),
		EnvPrefix + "REGISTRY_TOKEN": str(func(c *Config) *string { return &c.Registry.Token }),
		EnvPrefix + "WATCH": func(c *Config, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.Watch = b
			return nil
		},
		EnvPrefix + "REGISTRY_BATCH_SIZE": func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Registry.BatchSize = n
			return nil
		},
		EnvPrefix + "REGISTRY_CACHE_TTL": func(c *Config, v string) error {
			return c.Registry.CacheTTL.UnmarshalText([]byte(v))
		},
	}
}

// ApplyEnv overrides cfg from the environment. Empty values are treated as
// set. GITHUB_TOKEN is used when no registry token is configured.
func ApplyEnv(cfg *Config) error {
	for name, set := range envMapping() {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return &EnvError{Name: name, Value: v, Err: err}
		}
	}
	if cfg.Registry.Token == "" {
		cfg.Registry.Token = os.Getenv("GITHUB_TOKEN")
	}
	return nil
}

// parseBool accepts the same spellings as the editor's other settings.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	}
	return strconv.ParseBool(s)
}
