package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/openmined/mirrorbox/internal/backend"
	"github.com/openmined/mirrorbox/internal/channel"
	"github.com/openmined/mirrorbox/internal/mirror/filter"
)

const (
	DefaultConcurrency = 32
	DefaultMaxRetries  = 3
)

// S3Config carries independently configurable S3 settings per side.
type S3Config struct {
	Source      *backend.S3Settings `mapstructure:"source"`
	Destination *backend.S3Settings `mapstructure:"destination"`
}

// Config is the fully merged run configuration (flags > env > config file).
type Config struct {
	Source      string        `mapstructure:"source"`
	Destination string        `mapstructure:"destination"`
	Subdirs     []string      `mapstructure:"subdirs"`
	Include     []filter.Rule `mapstructure:"include"`
	Exclude     []filter.Rule `mapstructure:"exclude"`
	Prune       bool          `mapstructure:"prune"`
	DryRun      bool          `mapstructure:"dry_run"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	S3          S3Config      `mapstructure:"s3"`
}

// Validate checks the configuration and applies defaults. Any violation is a
// configuration error: the run aborts before any transfer.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.Destination == "" {
		return errors.New("destination is required")
	}

	if err := validateLocation("source", c.Source); err != nil {
		return err
	}
	if err := validateLocation("destination", c.Destination); err != nil {
		return err
	}

	du, _ := url.Parse(c.Destination)
	if du != nil && (du.Scheme == "http" || du.Scheme == "https") {
		return fmt.Errorf("destination %q: http locations are read-only", c.Destination)
	}

	for _, subdir := range c.Subdirs {
		if !slices.Contains(channel.KnownSubdirs, subdir) {
			return fmt.Errorf("unknown subdir %q", subdir)
		}
	}

	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}

	if needsS3(c.Source) && c.S3.Source == nil {
		c.S3.Source = &backend.S3Settings{}
	}
	if needsS3(c.Destination) && c.S3.Destination == nil {
		c.S3.Destination = &backend.S3Settings{}
	}

	return nil
}

func validateLocation(side, location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("%s %q: %w", side, location, err)
	}
	switch u.Scheme {
	case "", "file", "http", "https":
		return nil
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("%s %q: missing bucket", side, location)
		}
		return nil
	default:
		return fmt.Errorf("%s %q: unsupported scheme %q", side, location, u.Scheme)
	}
}

func needsS3(location string) bool {
	u, err := url.Parse(location)
	return err == nil && u.Scheme == "s3"
}
