package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for an endpoint binary.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds listener and HTTP/2 tuning.
type ServerConfig struct {
	ListenAddress string        `toml:"listen_address"`
	HTTP2         HTTP2Settings `toml:"http2"`
}

// HTTP2Settings mirrors the SETTINGS parameters we advertise to peers
// (RFC 7540 Section 6.5.2). Zero numeric values are replaced with
// defaults by ApplyDefaults; EnablePush is left as given, so it is false
// unless the file sets it.
type HTTP2Settings struct {
	HeaderTableSize      uint32 `toml:"header_table_size"`
	EnablePush           bool   `toml:"enable_push"`
	MaxConcurrentStreams uint32 `toml:"max_concurrent_streams"`
	InitialWindowSize    uint32 `toml:"initial_window_size"`
	MaxFrameSize         uint32 `toml:"max_frame_size"`
	MaxHeaderListSize    uint32 `toml:"max_header_list_size"`
}

// LoggingConfig selects log verbosity and destination.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
	Target   string `toml:"target"` // "stderr", "stdout", or a file path
}

const (
	defaultListenAddress        = "127.0.0.1:8443"
	defaultHeaderTableSize      = 4096
	defaultInitialWindowSize    = 65535
	defaultMaxFrameSize         = 16384
	defaultMaxConcurrentStreams = 100
	defaultMaxHeaderListSize    = 32 * 1024

	minMaxFrameSize = 16384
	maxMaxFrameSize = 1<<24 - 1
	maxWindowSize   = 1<<31 - 1
)

// ApplyDefaults fills unset fields with RFC 7540 defaults and our
// server-side limits.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = defaultListenAddress
	}
	h2 := &c.Server.HTTP2
	if h2.HeaderTableSize == 0 {
		h2.HeaderTableSize = defaultHeaderTableSize
	}
	if h2.InitialWindowSize == 0 {
		h2.InitialWindowSize = defaultInitialWindowSize
	}
	if h2.MaxFrameSize == 0 {
		h2.MaxFrameSize = defaultMaxFrameSize
	}
	if h2.MaxConcurrentStreams == 0 {
		h2.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if h2.MaxHeaderListSize == 0 {
		h2.MaxHeaderListSize = defaultMaxHeaderListSize
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "INFO"
	}
	if c.Logging.Target == "" {
		c.Logging.Target = "stderr"
	}
}

// Validate applies the same bounds the SETTINGS handler enforces on
// peers, so a bad config fails at startup rather than at the first
// handshake.
func (c *Config) Validate() error {
	h2 := c.Server.HTTP2
	if h2.MaxFrameSize < minMaxFrameSize || h2.MaxFrameSize > maxMaxFrameSize {
		return fmt.Errorf("config: max_frame_size %d outside [%d, %d]", h2.MaxFrameSize, minMaxFrameSize, maxMaxFrameSize)
	}
	if h2.InitialWindowSize > maxWindowSize {
		return fmt.Errorf("config: initial_window_size %d exceeds %d", h2.InitialWindowSize, maxWindowSize)
	}
	switch c.Logging.Target {
	case "stderr", "stdout":
	default:
		if c.Logging.Target == "" {
			return fmt.Errorf("config: empty log target")
		}
	}
	return nil
}

// Load reads a TOML config file, applies defaults, and validates it.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
