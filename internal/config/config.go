// Package config loads relay configuration from a YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CALLRELAY_"

const (
	defaultListenAddr        = ":8080"
	defaultLogLevel          = "info"
	defaultLogFormat         = "console"
	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
	defaultSendQueue         = 64
	defaultWriteWait         = 5 * time.Second
	defaultPongWait          = 60 * time.Second
	defaultRingTimeout       = 45 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

type AuthMode string

const (
	AuthModeJWT    AuthMode = "jwt"
	AuthModeStatic AuthMode = "static"
)

type Config struct {
	ListenAddr      string          `yaml:"listen_addr"`
	StaticDir       string          `yaml:"static_dir"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Log             LogConfig       `yaml:"log"`
	Auth            AuthConfig      `yaml:"auth"`
	Signaling       SignalingConfig `yaml:"signaling"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type AuthConfig struct {
	Mode      AuthMode      `yaml:"mode"`
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Leeway    time.Duration `yaml:"leeway"`
	Tokens    []StaticToken `yaml:"tokens"`
}

type StaticToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

type SignalingConfig struct {
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	SendQueue         int           `yaml:"send_queue"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	// PingPeriod defaults to nine tenths of PongWait when unset.
	PingPeriod        time.Duration `yaml:"ping_period"`
	RingTimeout       time.Duration `yaml:"ring_timeout"`
}

func Default() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		ShutdownTimeout: defaultShutdownTimeout,
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Auth: AuthConfig{
			Mode: AuthModeJWT,
		},
		Signaling: SignalingConfig{
			MaxMessageBytes:   defaultMaxMessageBytes,
			MessagesPerSecond: defaultMessagesPerSecond,
			Burst:             defaultMessagesPerSecond,
			SendQueue:         defaultSendQueue,
			WriteWait:         defaultWriteWait,
			PongWait:          defaultPongWait,
			RingTimeout:       defaultRingTimeout,
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without reading the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	cfg.derive()
	return cfg, nil
}

// derive fills settings that default relative to others once all sources
// have been applied.
func (c *Config) derive() {
	if c.Signaling.PingPeriod == 0 {
		c.Signaling.PingPeriod = c.Signaling.PongWait * 9 / 10
	}
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required in jwt mode")
		}
	case AuthModeStatic:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.tokens must not be empty in static mode")
		}
		for i, t := range c.Auth.Tokens {
			if t.Token == "" || t.UserID == "" {
				return fmt.Errorf("auth.tokens[%d]: token and user_id are required", i)
			}
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Auth.Mode)
	}

	s := c.Signaling
	if s.MaxMessageBytes <= 0 {
		return errors.New("signaling.max_message_bytes must be > 0")
	}
	if s.MessagesPerSecond <= 0 {
		return errors.New("signaling.messages_per_second must be > 0")
	}
	if s.Burst <= 0 {
		return errors.New("signaling.burst must be > 0")
	}
	if s.SendQueue <= 0 {
		return errors.New("signaling.send_queue must be > 0")
	}
	if s.WriteWait <= 0 || s.PongWait <= 0 {
		return errors.New("signaling.write_wait and signaling.pong_wait must be > 0")
	}
	if s.PingPeriod < 0 || (s.PingPeriod > 0 && s.PingPeriod >= s.PongWait) {
		return errors.New("signaling.ping_period must be below pong_wait")
	}
	if s.RingTimeout < 0 {
		return errors.New("signaling.ring_timeout must be >= 0")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.StaticDir = envString("STATIC_DIR", cfg.StaticDir)
	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("LOG_FORMAT", cfg.Log.Format)
	cfg.Auth.Mode = AuthMode(envString("AUTH_MODE", string(cfg.Auth.Mode)))
	cfg.Auth.JWTSecret = envString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = envString("JWT_ISSUER", cfg.Auth.Issuer)

	var err error
	if cfg.Signaling.MaxMessageBytes, err = envInt64("MAX_MESSAGE_BYTES", cfg.Signaling.MaxMessageBytes); err != nil {
		return err
	}
	if cfg.Signaling.SendQueue, err = envInt("SEND_QUEUE", cfg.Signaling.SendQueue); err != nil {
		return err
	}
	if cfg.Signaling.RingTimeout, err = envDuration("RING_TIMEOUT", cfg.Signaling.RingTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be an integer: %w", envPrefix, key, err)
	}
	return v, nil
}

func envInt64(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be an integer: %w", envPrefix, key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a duration: %w", envPrefix, key, err)
	}
	return v, nil
}
