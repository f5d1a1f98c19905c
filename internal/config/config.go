package config

import "time"

// Config holds client configuration values.
type Config struct {
	RelayURL     string `mapstructure:"relay_url" yaml:"relay_url"`
	APIBaseURL   string `mapstructure:"api_base_url" yaml:"api_base_url"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	UserID  string `mapstructure:"user_id" yaml:"user_id"`
	Token   string `mapstructure:"token" yaml:"token"`
	Channel string `mapstructure:"channel" yaml:"channel"`

	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	AutoReconnect        bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay" yaml:"reconnect_max_delay"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		RelayURL:           "ws://localhost:8080/ws",
		APIBaseURL:         "http://localhost:8080/api",
		DatabasePath:       "chatsync.db",
		Channel:            "live-chat",
		CacheTTL:           24 * time.Hour,
		RequestTimeout:     10 * time.Second,
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		LogLevel:           "info",
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.RelayURL != "" {
		c.RelayURL = other.RelayURL
	}
	if other.APIBaseURL != "" {
		c.APIBaseURL = other.APIBaseURL
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.UserID != "" {
		c.UserID = other.UserID
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.Channel != "" {
		c.Channel = other.Channel
	}
	if other.CacheTTL != 0 {
		c.CacheTTL = other.CacheTTL
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.MaxReconnectAttempts != 0 {
		c.MaxReconnectAttempts = other.MaxReconnectAttempts
	}
	if other.ReconnectBaseDelay != 0 {
		c.ReconnectBaseDelay = other.ReconnectBaseDelay
	}
	if other.ReconnectMaxDelay != 0 {
		c.ReconnectMaxDelay = other.ReconnectMaxDelay
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}
