// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the log receiver's configuration
// file: the listening endpoint, connection/resource limits, and the nested
// auth block consumed by the authentication context.
//
// The file format is YAML, parsed with gopkg.in/yaml.v3.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidListenAddress reports that listenOn is empty or otherwise
	// unusable.
	ErrInvalidListenAddress = errors.New("config: invalid listenOn address")

	// ErrServerIDUnset reports that id was not set in the configuration
	// file. The server id is required: it is announced in the first ack of
	// every connection.
	ErrServerIDUnset = errors.New("config: id is required and must be set")
)

const (
	minReadAhead = 512
	maxReadAhead = 64 << 20
)

// Auth holds the nested auth.* parameters consumed by the auth context.
// The receiver itself never inspects these beyond loading them;
// they are handed to whatever authsession.Context implementation the
// deployment constructs.
type Auth struct {
	Required bool   `yaml:"required"`
	Method   string `yaml:"method"`
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`
}

// Config is the receiver's top-level configuration, loaded from YAML.
type Config struct {
	ListenOn           string        `yaml:"listenOn"`
	ReAuthTimeout      int           `yaml:"reAuthTimeout"`
	IPV6OnlyFlag       bool          `yaml:"ipV6OnlyFlag"`
	MaxReadAhead       int           `yaml:"maxReadAhead"`
	MaxConnectionCount int           `yaml:"maxConnectionCount"`
	Timeout            int           `yaml:"timeout"`
	ID                 *uint32       `yaml:"id"`
	Auth               Auth          `yaml:"auth"`
}

// defaults supplies the zero-config values, applied before clamping.
func defaults() Config {
	return Config{
		ReAuthTimeout:      3600,
		MaxReadAhead:       4 << 20,
		MaxConnectionCount: 256,
		Timeout:            60,
	}
}

// Load reads and parses the YAML configuration file at path, applying
// defaults for anything unset and clamping MaxReadAhead to [512, 64<<20].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) clamp() {
	if c.MaxReadAhead < minReadAhead {
		c.MaxReadAhead = minReadAhead
	}
	if c.MaxReadAhead > maxReadAhead {
		c.MaxReadAhead = maxReadAhead
	}
}

// Validate checks the fields the receiver cannot start without: listenOn
// must be a host:port address and id must be present.
func (c *Config) Validate() error {
	if c.ListenOn == "" {
		return ErrInvalidListenAddress
	}
	if _, _, err := net.SplitHostPort(c.ListenOn); err != nil {
		return ErrInvalidListenAddress
	}
	if c.ID == nil {
		return ErrServerIDUnset
	}
	return nil
}

// ReAuthTimeoutDuration converts the configured seconds into a
// time.Duration for use by the auth session's needs_reauth decision.
func (c *Config) ReAuthTimeoutDuration() time.Duration {
	return time.Duration(c.ReAuthTimeout) * time.Second
}

// TimeoutDuration converts the configured inactivity timeout seconds into a
// time.Duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
