// Package config loads the client configuration from a YAML file with an
// optional .env overlay for the server URL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig locates the realtime backend.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// AudioConfig shapes the capture and playback pipeline.
type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	OutputEncoding  string `yaml:"output_encoding"`
	Transport       string `yaml:"transport"`
	BlockSize       int    `yaml:"block_size"`        // samples per capture block
	FlushBlocks     int    `yaml:"flush_blocks"`      // blocks per batch
	FlushIntervalMS int    `yaml:"flush_interval_ms"` // max time between flushes
	NormalizeBlocks bool   `yaml:"normalize_blocks"`
	DumpDir         string `yaml:"dump_dir"` // when set, each committed recording is written there as WAV
}

// ReconnectConfig tunes recovery from non-normal socket closure.
type ReconnectConfig struct {
	BaseMS      int `yaml:"base_ms"`
	CapMS       int `yaml:"cap_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// TimeoutConfig bounds the waits for negotiation and turn completion.
type TimeoutConfig struct {
	NegotiationSeconds int `yaml:"negotiation_seconds"`
	TurnSeconds        int `yaml:"turn_seconds"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "ws://localhost:8080/realtime"},
		Audio: AudioConfig{
			SampleRate:      24000,
			Channels:        1,
			OutputEncoding:  "pcm16",
			Transport:       "base64_json",
			BlockSize:       4096,
			FlushBlocks:     12,
			FlushIntervalMS: 500,
		},
		Reconnect: ReconnectConfig{
			BaseMS:      500,
			CapMS:       10000,
			MaxAttempts: 5,
		},
		Timeouts: TimeoutConfig{
			NegotiationSeconds: 10,
			TurnSeconds:        60,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: "localhost:9091"},
	}
}

// Load reads the YAML file at path over the defaults, overlays VOICERAG_*
// environment variables (including a .env file when present), and
// validates the result. An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// .env is optional; only the explicit environment wins over YAML.
	_ = godotenv.Load()
	if url := strings.TrimSpace(os.Getenv("VOICERAG_SERVER_URL")); url != "" {
		config.Server.URL = url
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	url := strings.TrimSpace(s.URL)
	if url == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("url must use ws:// or wss://, got %q", url)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	switch a.OutputEncoding {
	case "pcm16", "mp3":
	default:
		return fmt.Errorf("output_encoding must be 'pcm16' or 'mp3', got %q", a.OutputEncoding)
	}
	switch a.Transport {
	case "base64_json", "binary":
	default:
		return fmt.Errorf("transport must be 'base64_json' or 'binary', got %q", a.Transport)
	}
	if a.BlockSize < 64 {
		return fmt.Errorf("block_size must be at least 64 samples, got %d", a.BlockSize)
	}
	if a.FlushBlocks < 1 {
		return fmt.Errorf("flush_blocks must be at least 1, got %d", a.FlushBlocks)
	}
	if a.FlushIntervalMS < 20 {
		return fmt.Errorf("flush_interval_ms must be at least 20, got %d", a.FlushIntervalMS)
	}
	return nil
}

func (r *ReconnectConfig) Validate() error {
	if r.BaseMS < 1 {
		return fmt.Errorf("base_ms must be at least 1, got %d", r.BaseMS)
	}
	if r.CapMS < r.BaseMS {
		return fmt.Errorf("cap_ms (%d) must be at least base_ms (%d)", r.CapMS, r.BaseMS)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	return nil
}

func (t *TimeoutConfig) Validate() error {
	if t.NegotiationSeconds < 1 {
		return fmt.Errorf("negotiation_seconds must be at least 1, got %d", t.NegotiationSeconds)
	}
	if t.TurnSeconds < 1 {
		return fmt.Errorf("turn_seconds must be at least 1, got %d", t.TurnSeconds)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be 'text' or 'json', got %q", l.Format)
	}
	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && strings.TrimSpace(m.Address) == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}
	return nil
}

// FlushInterval returns the flush window as a time.Duration.
func (a *AudioConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMS) * time.Millisecond
}

// Base returns the reconnect base delay as a time.Duration.
func (r *ReconnectConfig) Base() time.Duration {
	return time.Duration(r.BaseMS) * time.Millisecond
}

// Cap returns the reconnect delay ceiling as a time.Duration.
func (r *ReconnectConfig) Cap() time.Duration {
	return time.Duration(r.CapMS) * time.Millisecond
}

// NegotiationTimeout returns the negotiation bound as a time.Duration.
func (t *TimeoutConfig) NegotiationTimeout() time.Duration {
	return time.Duration(t.NegotiationSeconds) * time.Second
}

// TurnTimeout returns the turn completion bound as a time.Duration.
func (t *TimeoutConfig) TurnTimeout() time.Duration {
	return time.Duration(t.TurnSeconds) * time.Second
}
