package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

// Environment variables that override the config file
const (
	EnvEngineAPIKey   = "TRANSCRIBER_ENGINE_API_KEY"
	EnvEngineEndpoint = "TRANSCRIBER_ENGINE_ENDPOINT"
	EnvMaxSessions    = "TRANSCRIBER_MAX_SESSIONS"
	EnvLogLevel       = "TRANSCRIBER_LOG_LEVEL"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	Sessions SessionsConfig `yaml:"sessions"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Engine   EngineConfig   `yaml:"engine"`
	VAD      VADConfig      `yaml:"vad"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the streaming WebSocket listener configuration
type ServerConfig struct {
	BindAddress  string `yaml:"bind_address"`
	Port         int    `yaml:"port"`
	Path         string `yaml:"path"`
	ReadLimit    int64  `yaml:"read_limit"`    // bytes per frame
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	PingInterval int    `yaml:"ping_interval"` // seconds, 0 disables keepalive
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port          int    `yaml:"port"`
	Address       string `yaml:"address"`
	Enabled       bool   `yaml:"enabled"`
	MaxUploadSize int64  `yaml:"max_upload_size"` // bytes
}

// AudioConfig describes the PCM clients stream and the window length
type AudioConfig struct {
	SampleRate       int `yaml:"sample_rate"`
	SampleWidth      int `yaml:"sample_width"` // bytes per sample
	Channels         int `yaml:"channels"`
	WindowDurationMs int `yaml:"window_duration_ms"`
}

// SessionsConfig contains admission and idle expiry configuration
type SessionsConfig struct {
	MaxSessions   int `yaml:"max_sessions"`
	IdleTimeout   int `yaml:"idle_timeout"`   // seconds
	SweepInterval int `yaml:"sweep_interval"` // seconds
}

// GatewayConfig contains engine queue configuration
type GatewayConfig struct {
	QueueDepth      int `yaml:"queue_depth"`
	Workers         int `yaml:"workers"`
	SubmitTimeoutMs int `yaml:"submit_timeout_ms"`
}

// EngineConfig contains transcription engine configuration
type EngineConfig struct {
	Endpoint       string `yaml:"endpoint"`
	HealthURL      string `yaml:"health_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	Timeout        int    `yaml:"timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries"`
	Reentrant      bool   `yaml:"reentrant"`
	ResponseFormat string `yaml:"response_format"`
}

// VADConfig contains silence gate configuration
type VADConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float32 `yaml:"threshold"`
	FrameSize int     `yaml:"frame_size"` // samples
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a field is not set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  "0.0.0.0",
			Port:         8765,
			Path:         "/",
			ReadLimit:    1 << 20,
			WriteTimeout: 10,
			PingInterval: 60,
		},
		HTTP: HTTPConfig{
			Port:          5000,
			Address:       "0.0.0.0",
			Enabled:       true,
			MaxUploadSize: 32 << 20,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			SampleWidth:      2,
			Channels:         1,
			WindowDurationMs: 1000,
		},
		Sessions: SessionsConfig{
			MaxSessions:   5,
			IdleTimeout:   300,
			SweepInterval: 60,
		},
		Gateway: GatewayConfig{
			QueueDepth:      16,
			Workers:         1,
			SubmitTimeoutMs: 0,
		},
		Engine: EngineConfig{
			Endpoint:       "http://localhost:8000/v1/audio/transcriptions",
			Model:          "base",
			Timeout:        30,
			MaxRetries:     2,
			ResponseFormat: "verbose_json",
		},
		VAD: VADConfig{
			Enabled:   false,
			Threshold: 0.02,
			FrameSize: 320,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; with no arguments ./.env is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file over the defaults, applies
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from TRANSCRIBER_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvEngineAPIKey); v != "" {
		c.Engine.APIKey = v
	}

	if v := os.Getenv(EnvEngineEndpoint); v != "" {
		c.Engine.Endpoint = v
	}

	if v := os.Getenv(EnvMaxSessions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvMaxSessions, v)
		}
		c.Sessions.MaxSessions = n
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if c.HTTP.Enabled && c.HTTP.Port == c.Server.Port && c.HTTP.Address == c.Server.BindAddress {
		return fmt.Errorf("http and streaming listeners cannot share %s:%d", c.HTTP.Address, c.HTTP.Port)
	}

	return nil
}

// Validate validates streaming listener configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %d", s.PingInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.MaxUploadSize < 1024 {
			return fmt.Errorf("max_upload_size must be at least 1024 bytes, got %d", h.MaxUploadSize)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.SampleWidth != 2 {
		return fmt.Errorf("sample_width must be 2 (16-bit PCM), got %d", a.SampleWidth)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.WindowDurationMs < 100 || a.WindowDurationMs > 30000 {
		return fmt.Errorf("window_duration_ms must be between 100 and 30000, got %d", a.WindowDurationMs)
	}

	// A window that splits a sample shifts every later window by a byte
	frame := a.SampleWidth * a.Channels
	if raw := a.SampleRate * frame * a.WindowDurationMs / 1000; raw%frame != 0 {
		return fmt.Errorf("window_duration_ms %d at %d Hz gives %d bytes, not a whole number of %d-byte samples",
			a.WindowDurationMs, a.SampleRate, raw, frame)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionsConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}

	return nil
}

// Validate validates gateway configuration
func (g *GatewayConfig) Validate() error {
	if g.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", g.QueueDepth)
	}

	if g.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", g.Workers)
	}

	if g.SubmitTimeoutMs < 0 {
		return fmt.Errorf("submit_timeout_ms cannot be negative, got %d", g.SubmitTimeoutMs)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	validFormats := map[string]bool{"json": true, "verbose_json": true}
	if !validFormats[e.ResponseFormat] {
		return fmt.Errorf("response_format must be 'json' or 'verbose_json', got '%s'", e.ResponseFormat)
	}

	return nil
}

// Validate validates silence gate configuration
func (v *VADConfig) Validate() error {
	if !v.Enabled {
		return nil
	}

	if v.Threshold <= 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", v.Threshold)
	}

	if v.FrameSize < 80 || v.FrameSize > 4096 {
		return fmt.Errorf("frame_size must be between 80 and 4096 samples, got %d", v.FrameSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetPingIntervalDuration returns the keepalive interval as a time.Duration
func (s *ServerConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// WindowBytes returns the number of PCM bytes in one window
func (a *AudioConfig) WindowBytes() int {
	return audio.WindowBytes(a.SampleRate, a.SampleWidth, a.Channels, a.WindowDurationMs)
}

// GetWindowDuration returns the window length as a time.Duration
func (a *AudioConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowDurationMs) * time.Millisecond
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *SessionsConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSweepIntervalDuration returns the reaper interval as a time.Duration
func (s *SessionsConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// GetSubmitTimeoutDuration returns the gateway submit timeout as a time.Duration
func (g *GatewayConfig) GetSubmitTimeoutDuration() time.Duration {
	return time.Duration(g.SubmitTimeoutMs) * time.Millisecond
}

// GetTimeoutDuration returns the engine request timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
