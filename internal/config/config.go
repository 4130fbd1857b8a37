// Package config loads and saves flit's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flitlink/flit/pkg/chunk"
	"github.com/flitlink/flit/pkg/session"
)

// Config is the full on-disk configuration.
type Config struct {
	P2P         P2PConfig         `toml:"p2p"`
	Compression CompressionConfig `toml:"compression"`
	Fallback    FallbackConfig    `toml:"fallback"`
	Receive     ReceiveConfig     `toml:"receive"`
	Log         LogConfig         `toml:"log"`
}

// P2PConfig tunes the direct transfer path.
type P2PConfig struct {
	// Port is the TCP port to listen and announce on. Zero picks a free
	// port.
	Port                int     `toml:"port"`
	Window              int     `toml:"window"`
	MaxAttempts         int     `toml:"max_attempts"`
	AckTimeoutMS        int     `toml:"ack_timeout_ms"`
	ConnectTimeoutMS    int     `toml:"connect_timeout_ms"`
	SessionTimeoutMS    int     `toml:"session_timeout_ms"`
	RetryInitialDelayMS int     `toml:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int     `toml:"retry_max_delay_ms"`
	BackoffFactor       float64 `toml:"backoff_factor"`
	JitterFraction      float64 `toml:"jitter_fraction"`
}

// CompressionConfig tunes the chunking pipeline.
type CompressionConfig struct {
	BlockSize int32 `toml:"block_size"`
	// Workers is the compression pool size. Zero means one per CPU.
	Workers int `toml:"workers"`
}

// FallbackConfig points at the HTTP storage server.
type FallbackConfig struct {
	Endpoint string `toml:"endpoint"`
	// ExpirySeconds is how long the server keeps uploads.
	ExpirySeconds int `toml:"expiry_seconds"`
	// StorageDir is where `flit serve` keeps uploaded blobs.
	StorageDir string `toml:"storage_dir"`
	// RequestTimeoutMS bounds individual client requests. Zero leaves
	// only the context deadline.
	RequestTimeoutMS int `toml:"request_timeout_ms"`
}

// ReceiveConfig controls where received files land.
type ReceiveConfig struct {
	OutputDir string `toml:"output_dir"`
}

// LogConfig controls logging output and rotation.
type LogConfig struct {
	Level string `toml:"level"`
	// File enables rotating file output when set; empty logs to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	sc := session.DefaultConfig()
	return Config{
		P2P: P2PConfig{
			Port:                9131,
			Window:              sc.Window,
			MaxAttempts:         sc.MaxAttempts,
			AckTimeoutMS:        int(sc.AckTimeout / time.Millisecond),
			ConnectTimeoutMS:    int(sc.ConnectTimeout / time.Millisecond),
			SessionTimeoutMS:    int(sc.SessionTimeout / time.Millisecond),
			RetryInitialDelayMS: int(sc.RetryInitialDelay / time.Millisecond),
			RetryMaxDelayMS:     int(sc.RetryMaxDelay / time.Millisecond),
			BackoffFactor:       sc.BackoffFactor,
			JitterFraction:      sc.JitterFraction,
		},
		Compression: CompressionConfig{
			BlockSize: chunk.DefaultBlockSize,
		},
		Fallback: FallbackConfig{
			Endpoint:      "http://localhost:8080",
			ExpirySeconds: 86400,
			StorageDir:    "",
		},
		Receive: ReceiveConfig{OutputDir: "."},
		Log:     LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "flit", "config.toml"), nil
}

// Load reads the configuration at path, filling unset fields with
// defaults. A missing file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if err := c.Session().Validate(); err != nil {
		return err
	}
	if c.Compression.BlockSize < chunk.MinBlockSize || c.Compression.BlockSize > chunk.MaxBlockSize {
		return fmt.Errorf("block size %d outside [%d, %d]",
			c.Compression.BlockSize, chunk.MinBlockSize, chunk.MaxBlockSize)
	}
	if c.Fallback.Endpoint == "" {
		return errors.New("fallback endpoint must be set")
	}
	if c.Fallback.ExpirySeconds <= 0 {
		return fmt.Errorf("expiry must be positive, got %d seconds", c.Fallback.ExpirySeconds)
	}
	if c.P2P.Port < 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.P2P.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Session converts the P2P section into session tuning.
func (c Config) Session() session.Config {
	return session.Config{
		Window:            c.P2P.Window,
		MaxAttempts:       c.P2P.MaxAttempts,
		AckTimeout:        time.Duration(c.P2P.AckTimeoutMS) * time.Millisecond,
		ConnectTimeout:    time.Duration(c.P2P.ConnectTimeoutMS) * time.Millisecond,
		SessionTimeout:    time.Duration(c.P2P.SessionTimeoutMS) * time.Millisecond,
		RetryInitialDelay: time.Duration(c.P2P.RetryInitialDelayMS) * time.Millisecond,
		RetryMaxDelay:     time.Duration(c.P2P.RetryMaxDelayMS) * time.Millisecond,
		BackoffFactor:     c.P2P.BackoffFactor,
		JitterFraction:    c.P2P.JitterFraction,
	}
}

// Source converts the compression section into chunking tuning.
func (c Config) Source() chunk.SourceConfig {
	return chunk.SourceConfig{
		BlockSize: c.Compression.BlockSize,
		Workers:   c.Compression.Workers,
	}
}

// Expiry returns the fallback retention window as a duration.
func (c Config) Expiry() time.Duration {
	return time.Duration(c.Fallback.ExpirySeconds) * time.Second
}
