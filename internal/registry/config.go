package registry

import (
	"fmt"
	"time"
)

// Batch size bounds.
const (
	MinBatchSize = 5
	MaxBatchSize = 10
)

// Config describes the GitHub-backed registry and the client's limits.
type Config struct {
	Owner  string
	Repo   string
	Branch string
	// Path is the folder holding one subfolder per extension.
	Path string

	APIURL string
	RawURL string

	// Token, when set, is sent as a bearer token on every request.
	Token string

	BatchSize  int
	BatchDelay time.Duration
	CacheTTL   time.Duration
	Timeout    time.Duration

	// MaxRetries bounds attempts for transient failures.
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the public rtledit registry.
func DefaultConfig() Config {
	return Config{
		Owner:      "rtledit",
		Repo:       "extensions",
		Branch:     "main",
		Path:       "extensions",
		APIURL:     "https://api.github.com",
		RawURL:     "https://raw.githubusercontent.com",
		BatchSize:  8,
		BatchDelay: 500 * time.Millisecond,
		CacheTTL:   time.Hour,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Owner == "" || c.Repo == "":
		return fmt.Errorf("%w: owner and repo are required", ErrInvalidConfig)
	case c.APIURL == "" || c.RawURL == "":
		return fmt.Errorf("%w: api and raw urls are required", ErrInvalidConfig)
	case c.BatchSize < MinBatchSize || c.BatchSize > MaxBatchSize:
		return fmt.Errorf("%w: batch size %d outside [%d, %d]", ErrInvalidConfig, c.BatchSize, MinBatchSize, MaxBatchSize)
	case c.BatchDelay < 0:
		return fmt.Errorf("%w: negative batch delay", ErrInvalidConfig)
	case c.CacheTTL <= 0:
		return fmt.Errorf("%w: cache ttl must be positive", ErrInvalidConfig)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidConfig)
	case c.RetryDelay <= 0:
		return fmt.Errorf("%w: retry delay must be positive", ErrInvalidConfig)
	}
	return nil
}
