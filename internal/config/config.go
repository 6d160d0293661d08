// Package config loads framecast settings from defaults, an optional YAML
// file and FRAMECAST_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrUnknownSource is returned by Validate for an unrecognized
// capture.source.
var ErrUnknownSource = errors.New("config: unknown capture source")

// Sources lists the accepted capture.source values.
var Sources = []string{"synthetic", "exec", "dir", "srt"}

// Config is the root application configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Capture CaptureConfig `mapstructure:"capture"`
	Session SessionConfig `mapstructure:"session"`
}

// HTTPConfig configures the listeners.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	H3Addr   string `mapstructure:"h3_addr"` // empty disables HTTP/3
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"cert_file"` // empty with TLS: self-signed
	KeyFile  string `mapstructure:"key_file"`
	WebDir   string `mapstructure:"web_dir"`
}

// AuthConfig guards the control endpoints. An empty secret disables auth.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text or json
	File       string `mapstructure:"file"`   // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// CaptureConfig selects and parameterizes the frame source.
type CaptureConfig struct {
	Source      string   `mapstructure:"source"`
	Width       int      `mapstructure:"width"`
	Height      int      `mapstructure:"height"`
	FPS         int      `mapstructure:"fps"`
	Rotation    int      `mapstructure:"rotation"`
	Quality     int      `mapstructure:"quality"`
	Command     []string `mapstructure:"command"` // exec source; empty uses libcamera-vid
	Dir         string   `mapstructure:"dir"`
	SRTAddress  string   `mapstructure:"srt_address"`
	SRTStreamID string   `mapstructure:"srt_stream_id"`
}

// SessionConfig bounds the broadcast session.
type SessionConfig struct {
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns a Config populated with the built-in defaults. The
// capture geometry matches a Raspberry Pi camera mounted upside down.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8000",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Capture: CaptureConfig{
			Source:   "synthetic",
			Width:    2560,
			Height:   1440,
			FPS:      15,
			Rotation: 180,
			Quality:  75,
		},
		Session: SessionConfig{
			SendTimeout:     2 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty, else $FRAMECAST_CONFIG,
// else ./framecast.yaml when present). Environment variables use the prefix
// FRAMECAST with `.` replaced by `_`, e.g. FRAMECAST_CAPTURE_SOURCE=exec.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FRAMECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("FRAMECAST_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("framecast")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds every key so env-only configurations are picked up by
// AutomaticEnv during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.h3_addr", cfg.HTTP.H3Addr)
	v.SetDefault("http.tls", cfg.HTTP.TLS)
	v.SetDefault("http.cert_file", cfg.HTTP.CertFile)
	v.SetDefault("http.key_file", cfg.HTTP.KeyFile)
	v.SetDefault("http.web_dir", cfg.HTTP.WebDir)

	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.token_ttl", cfg.Auth.TokenTTL)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	v.SetDefault("capture.source", cfg.Capture.Source)
	v.SetDefault("capture.width", cfg.Capture.Width)
	v.SetDefault("capture.height", cfg.Capture.Height)
	v.SetDefault("capture.fps", cfg.Capture.FPS)
	v.SetDefault("capture.rotation", cfg.Capture.Rotation)
	v.SetDefault("capture.quality", cfg.Capture.Quality)
	v.SetDefault("capture.command", cfg.Capture.Command)
	v.SetDefault("capture.dir", cfg.Capture.Dir)
	v.SetDefault("capture.srt_address", cfg.Capture.SRTAddress)
	v.SetDefault("capture.srt_stream_id", cfg.Capture.SRTStreamID)

	v.SetDefault("session.send_timeout", cfg.Session.SendTimeout)
	v.SetDefault("session.shutdown_timeout", cfg.Session.ShutdownTimeout)
}

// Validate normalizes c and rejects settings no component could run with.
func (c *Config) Validate() error {
	c.Capture.Source = strings.ToLower(strings.TrimSpace(c.Capture.Source))
	if !slices.Contains(Sources, c.Capture.Source) {
		return fmt.Errorf("%w: %q (want one of %s)", ErrUnknownSource, c.Capture.Source, strings.Join(Sources, ", "))
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("invalid capture size %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.FPS < 0 {
		return fmt.Errorf("invalid capture.fps: %d", c.Capture.FPS)
	}
	if c.Capture.Quality < 0 || c.Capture.Quality > 100 {
		return fmt.Errorf("invalid capture.quality: %d", c.Capture.Quality)
	}
	switch c.Capture.Rotation {
	case 0, 180:
	default:
		return fmt.Errorf("invalid capture.rotation: %d", c.Capture.Rotation)
	}
	switch c.Capture.Source {
	case "dir":
		if c.Capture.Dir == "" {
			return errors.New("capture.dir is required for the dir source")
		}
	case "srt":
		if c.Capture.SRTAddress == "" {
			return errors.New("capture.srt_address is required for the srt source")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return errors.New("http.cert_file and http.key_file must be set together")
	}
	if c.Session.SendTimeout <= 0 || c.Session.ShutdownTimeout <= 0 {
		return errors.New("session timeouts must be positive")
	}
	return nil
}
