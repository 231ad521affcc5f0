// Package config loads the gateway's YAML configuration: the server,
// logging, alert-retention, and per-stream sections described in spec.md
// §6. Loading follows the teacher's LoadConfig shape (open, decode,
// validate, reject duplicates) generalized from JSON supervisor config to
// YAML gateway config, decoded with go.yaml.in/yaml/v2.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// ErrConfigInvalid wraps every validation failure Load can produce. The
// caller (cmd/hls2dvb) treats any error from Load as fatal at startup, per
// spec.md §7's ConfigInvalid kind.
var ErrConfigInvalid = fmt.Errorf("config invalid")

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Config is the root of the YAML document.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Logging LoggingConfig  `yaml:"logging"`
	Alerts  AlertsConfig   `yaml:"alerts"`
	Streams []StreamConfig `yaml:"streams"`
}

// ServerConfig controls the control-plane HTTP listener (an external
// collaborator per spec.md §1; the gateway only needs to know where to
// bind it).
type ServerConfig struct {
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	WorkerThreads int    `yaml:"worker_threads"`
}

// LoggingConfig controls the collaborator's log sink configuration.
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    FileLogging `yaml:"file"`
}

// FileLogging configures optional file-based log rotation.
type FileLogging struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RotationBytes int64  `yaml:"rotation_bytes"`
	MaxFiles      int    `yaml:"max_files"`
}

// AlertsConfig controls how long the alert sink retains resolved alerts by
// severity, per spec.md §6.
type AlertsConfig struct {
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds per-level retention windows in seconds.
type RetentionConfig struct {
	InfoSeconds    int `yaml:"info_s"`
	WarningSeconds int `yaml:"warning_s"`
	ErrorSeconds   int `yaml:"error_s"`
}

// StreamConfig describes one channel's pipeline, matching spec.md §3's
// StreamConfig data model.
type StreamConfig struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	HLSInputURL      string `yaml:"hls_input"`
	MulticastGroupIP string `yaml:"multicast_output"`
	MulticastPort    int    `yaml:"multicast_port"`
	Interface        string `yaml:"interface"`
	BufferSize       int    `yaml:"buffer_size"`
	Enabled          bool   `yaml:"enabled"`
}

// defaults mirrors the teacher's pattern of filling in sane values for an
// otherwise-zero struct before env overrides and validation run.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       "0.0.0.0",
			Port:          8080,
			WorkerThreads: 4,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Alerts: AlertsConfig{
			Retention: RetentionConfig{
				InfoSeconds:    3600,
				WarningSeconds: 86400,
				ErrorSeconds:   604800,
			},
		},
	}
}

// Load reads and validates the YAML config at path, applying
// HLS2DVB_-prefixed environment overrides via applyEnvOverrides, the
// same getEnv family idiom the teacher uses for PLEX_TUNER_-prefixed vars.
// Any problem (malformed YAML, bad slug, multicast address out of range,
// duplicate stream ID) is returned wrapped in ErrConfigInvalid: the caller
// must refuse to start streaming rather than run with a partial config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides uses internal/config/env.go's getEnv/getEnvInt/
// getEnvBool helpers, renamed from the teacher's PLEX_TUNER_ prefix to
// HLS2DVB_.
func (c *Config) applyEnvOverrides() {
	c.Server.Address = getEnv("HLS2DVB_SERVER_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("HLS2DVB_SERVER_PORT", c.Server.Port)
	c.Server.WorkerThreads = getEnvInt("HLS2DVB_SERVER_WORKER_THREADS", c.Server.WorkerThreads)
	c.Logging.Level = getEnv("HLS2DVB_LOG_LEVEL", c.Logging.Level)
	c.Logging.Console = getEnvBool("HLS2DVB_LOG_CONSOLE", c.Logging.Console)
}

// Validate enforces spec.md §6's shape rules: slug IDs, multicast range,
// no duplicate stream IDs, buffer_size >= 1 (defaulted to 3 per spec.md §3
// when unset).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrConfigInvalid, c.Server.Port)
	}
	seen := make(map[string]struct{}, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.BufferSize <= 0 {
			s.BufferSize = 3
		}
		if err := ValidateStreamConfig(*s); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate stream id %q", ErrConfigInvalid, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ValidateStreamConfig checks one stream's shape in isolation, used both
// by Config.Validate at load time and by the Stream Manager when accepting
// a config added at runtime (spec.md §6 add_stream).
func ValidateStreamConfig(s StreamConfig) error {
	if s.ID == "" || !slugPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: stream id %q must match [a-z0-9_-]+", ErrConfigInvalid, s.ID)
	}
	if strings.TrimSpace(s.HLSInputURL) == "" {
		return fmt.Errorf("%w: stream %q: hls_input required", ErrConfigInvalid, s.ID)
	}
	if err := ValidateMulticastAddress(s.MulticastGroupIP); err != nil {
		return fmt.Errorf("%w: stream %q: %v", ErrConfigInvalid, s.ID, err)
	}
	if s.MulticastPort <= 0 || s.MulticastPort > 65535 {
		return fmt.Errorf("%w: stream %q: multicast_port %d out of range", ErrConfigInvalid, s.ID, s.MulticastPort)
	}
	return nil
}

// ValidateMulticastAddress enforces spec.md §6: multicast output must be
// an IPv4 address in 224.0.0.0/4.
func ValidateMulticastAddress(addr string) error {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return fmt.Errorf("%q is not a valid IP address", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("%q is not an IPv4 address (IPv6 multicast is a non-goal)", addr)
	}
	if v4[0] < 224 || v4[0] > 239 {
		return fmt.Errorf("%q is not in the multicast range 224.0.0.0/4", addr)
	}
	return nil
}

// RetentionFor returns the configured retention window for an alert level
// string ("info", "warning", "error"), falling back to the error-level
// window (the most conservative) for an unrecognized level.
func (a AlertsConfig) RetentionFor(level string) time.Duration {
	switch strings.ToLower(level) {
	case "info":
		return time.Duration(a.Retention.InfoSeconds) * time.Second
	case "warning":
		return time.Duration(a.Retention.WarningSeconds) * time.Second
	default:
		return time.Duration(a.Retention.ErrorSeconds) * time.Second
	}
}
