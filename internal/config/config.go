package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge       BridgeConfig       `yaml:"bridge"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Tmux         TmuxConfig         `yaml:"tmux"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	NATS         NATSConfig         `yaml:"nats"`
	Log          LogConfig          `yaml:"log"`
}

type BridgeConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	PermissionTimeoutSeconds int    `yaml:"permission_timeout_seconds"`
}

type TelegramConfig struct {
	BotToken           string `yaml:"bot_token"`
	ChatID             int64  `yaml:"chat_id"`
	APIURL             string `yaml:"api_url"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
	MessagesPerSecond  int    `yaml:"messages_per_second"`
}

type TmuxConfig struct {
	Bin             string `yaml:"bin"`
	Socket          string `yaml:"socket"`
	FallbackSession string `yaml:"fallback_session"`
}

type DispatchConfig struct {
	Strategies []string `yaml:"strategies"`
}

type ControlPlaneConfig struct {
	WSURL              string `yaml:"ws_url"`
	Token              string `yaml:"token"`
	ReconnectBackoffMs []int  `yaml:"reconnect_backoff_ms"`
	ReplayBufferMax    int    `yaml:"replay_buffer_max"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Listen returns the host:port the hook endpoint binds to.
func (c BridgeConfig) Listen() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c BridgeConfig) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// TelegramEnabled reports whether both the bot token and the approver chat are set.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != 0
}

// LoadConfig reads path, applies defaults and environment overrides.
// A missing file is not an error: defaults plus environment are used.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bridge.Host == "" {
		cfg.Bridge.Host = "127.0.0.1"
	}
	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = 8765
	}
	if cfg.Bridge.PermissionTimeoutSeconds == 0 {
		cfg.Bridge.PermissionTimeoutSeconds = 300
	}
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Telegram.PollTimeoutSeconds == 0 {
		cfg.Telegram.PollTimeoutSeconds = 30
	}
	if cfg.Telegram.MessagesPerSecond == 0 {
		cfg.Telegram.MessagesPerSecond = 20
	}
	if cfg.Tmux.FallbackSession == "" {
		cfg.Tmux.FallbackSession = "claude"
	}
	if len(cfg.Dispatch.Strategies) == 0 {
		cfg.Dispatch.Strategies = []string{"tmux", "iterm", "device"}
	}
	if len(cfg.ControlPlane.ReconnectBackoffMs) == 0 {
		cfg.ControlPlane.ReconnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}
	if cfg.ControlPlane.ReplayBufferMax == 0 {
		cfg.ControlPlane.ReplayBufferMax = 1000
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "approvald.events"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Environment overrides for secrets and the listen address.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		cfg.Bridge.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BRIDGE_PORT: %w", err)
		}
		cfg.Bridge.Port = port
	}
	if v := os.Getenv("PERMISSION_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PERMISSION_TIMEOUT: %w", err)
		}
		cfg.Bridge.PermissionTimeoutSeconds = secs
	}
	if v := os.Getenv("APPROVALD_CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port out of range: %d", c.Bridge.Port)
	}
	if c.Bridge.PermissionTimeoutSeconds < 0 {
		return fmt.Errorf("bridge.permission_timeout_seconds must be positive")
	}
	if c.Telegram.PollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout_seconds must not be negative")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	for _, name := range c.Dispatch.Strategies {
		switch name {
		case "tmux", "iterm", "device":
		default:
			return fmt.Errorf("dispatch.strategies: unknown strategy %q", name)
		}
	}
	return nil
}
