package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"

	logx "huniebot/pkg/logx"
)

type Config struct {
	// CommandPrefix marks a message as a command. One character, default ".".
	CommandPrefix string `json:"command_prefix"`

	// Owners are platform user IDs that hold the Owner level on every server.
	Owners []string `json:"owners,omitempty"`

	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Plugins   PluginsConfig   `json:"plugins"`
	Debug     DebugConfig     `json:"debug"`
}

type TransportConfig struct {
	// Driver is "discord" or "telegram".
	Driver string `json:"driver"`
	Token  string `json:"token"`
	// Status is the presence text shown after connecting, where supported.
	Status string `json:"status,omitempty"`
	// SendRatePerSec caps outbound messages. 0 uses the adapter default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into a channel on the platform.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration (sqlite)
	// Maintenance is a cron spec for compaction/checkpointing. Empty disables it.
	Maintenance string `json:"maintenance,omitempty"`
}

type DispatchConfig struct {
	// HandlerTimeout bounds every handler's context. "0s" or empty disables it.
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	// QueueSize buffers raw events between the adapter and the dispatcher.
	QueueSize int `json:"queue_size"`
}

type PluginsConfig struct {
	// Dir holds loadable module directories, each with a plugin.yaml.
	Dir string `json:"dir"`
	// Blacklist disables plugins by name. The core plugin ignores it.
	Blacklist map[string]bool `json:"blacklist,omitempty"`
	// Settings is free-form per-plugin configuration.
	Settings map[string]json.RawMessage `json:"settings,omitempty"`
}

// DebugConfig controls the pprof and status HTTP server.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token,omitempty"`
}

// Blacklisted matches plugin names case-insensitively.
func (p PluginsConfig) Blacklisted(name string) bool {
	for k, v := range p.Blacklist {
		if v && strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// SettingsOf returns the settings blob for a plugin, matched
// case-insensitively.
func (p PluginsConfig) SettingsOf(name string) json.RawMessage {
	for k, v := range p.Settings {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Default is the configuration written when no file exists.
func Default() *Config {
	return &Config{
		CommandPrefix: ".",
		Transport: TransportConfig{
			Driver: "discord",
			Status: "type .getcommands",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./huniebot.log"},
			Chat:    LoggingChat{MinLevel: "warn", RatePerSec: 1},
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/huniebot.db",
			BusyTimeout: "5s",
			Maintenance: "@every 1h",
		},
		Dispatch: DispatchConfig{QueueSize: 256},
		Plugins: PluginsConfig{
			Dir:       "./plugins",
			Blacklist: map[string]bool{},
		},
		Debug: DebugConfig{Addr: "127.0.0.1:6060"},
	}
}

// Validate checks values a running host depends on. It does not check the
// token; an empty token fails at connect time with a clearer message.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if utf8.RuneCountInString(c.CommandPrefix) != 1 || strings.TrimSpace(c.CommandPrefix) == "" {
		errs = append(errs, fmt.Errorf("command_prefix: must be a single non-space character, got %q", c.CommandPrefix))
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "discord", "telegram":
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver))
	}
	if c.Logging.Level != "" && !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Chat.MinLevel != "" && !logx.ValidLevel(c.Logging.Chat.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.chat.min_level: unknown level %q", c.Logging.Chat.MinLevel))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if spec := strings.TrimSpace(c.Storage.Maintenance); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("storage.maintenance: %w", err))
		}
	}
	if _, err := ParseDurationField("dispatch.handler_timeout", c.Dispatch.HandlerTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.QueueSize < 0 {
		errs = append(errs, errors.New("dispatch.queue_size: must be >= 0"))
	}
	return errors.Join(errs...)
}

// HandlerTimeout is the parsed dispatch.handler_timeout (0 when unset).
func (c *Config) HandlerTimeout() time.Duration {
	d, _ := ParseDurationField("dispatch.handler_timeout", c.Dispatch.HandlerTimeout)
	return d
}

// QueueSize falls back to 256.
func (c *Config) QueueSize() int {
	if c.Dispatch.QueueSize <= 0 {
		return 256
	}
	return c.Dispatch.QueueSize
}

// LogConfig converts the logging section for logx.Service.Apply.
func (c *Config) LogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChannelID:  l.Chat.ChannelID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
