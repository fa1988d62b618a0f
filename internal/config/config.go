// Package config loads application configuration from an optional YAML file
// and DOWNPOUR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Library   LibraryConfig   `mapstructure:"library"`
	Sync      SyncConfig      `mapstructure:"sync"`
	HLS       HLSConfig       `mapstructure:"hls"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds catalog database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LibraryConfig holds the destination root for each media kind.
type LibraryConfig struct {
	AnimeDir  string `mapstructure:"anime_dir"`
	SeriesDir string `mapstructure:"series_dir"`
	MoviesDir string `mapstructure:"movies_dir"`
}

// SyncConfig controls the periodic reconciliation tick and the download
// parallelism bound.
type SyncConfig struct {
	Cron        string `mapstructure:"cron"`
	Parallelism int    `mapstructure:"parallelism"`
}

// HLSConfig configures the playlist fetcher backends.
type HLSConfig struct {
	Backend               string `mapstructure:"backend"` // "auto", "segmented" or "ffmpeg"
	BinaryPath            string `mapstructure:"binary_path"`
	Threads               int    `mapstructure:"threads"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`         // whole-download cap
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"` // per segment fetch
	Retries               int    `mapstructure:"retries"`
	SpeedLimit            string `mapstructure:"speed_limit"` // e.g. "15M", empty for unlimited
	TempDir               string `mapstructure:"temp_dir"`
}

// ProvidersConfig holds per-adapter upstream settings. Empty base URLs
// fall back to each adapter's own discovery or default.
type ProvidersConfig struct {
	AnimeworldURL          string `mapstructure:"animeworld_url"`
	AnimeworldDirectoryURL string `mapstructure:"animeworld_directory_url"`
	StreamcommunityURL     string `mapstructure:"streamcommunity_url"`
	Language               string `mapstructure:"language"`
}

// TelegramConfig holds the chat presenter settings. ChatID doubles as the
// authorization identifier: status messages go only to that chat.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Enabled reports whether the Telegram presenter should be wired.
func (c *TelegramConfig) Enabled() bool {
	return c.BotToken != ""
}

// ValidationError describes a configuration field that failed validation.
// It is fatal at startup only.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.downpour")
	}

	v.SetEnvPrefix("DOWNPOUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks required settings and verifies the destination roots are
// usable directories, creating them when missing.
func (c *Config) Validate() error {
	roots := []struct {
		field string
		path  string
	}{
		{"library.anime_dir", c.Library.AnimeDir},
		{"library.series_dir", c.Library.SeriesDir},
		{"library.movies_dir", c.Library.MoviesDir},
	}
	for _, r := range roots {
		if r.path == "" {
			return &ValidationError{Field: r.field, Msg: "destination root is required"}
		}
		if err := os.MkdirAll(r.path, 0o755); err != nil {
			return &ValidationError{Field: r.field, Msg: fmt.Sprintf("destination root not writable: %v", err)}
		}
	}

	if c.Sync.Cron == "" {
		return &ValidationError{Field: "sync.cron", Msg: "sync interval is required"}
	}
	if c.Sync.Parallelism < 1 {
		return &ValidationError{Field: "sync.parallelism", Msg: "parallelism must be at least 1"}
	}

	if c.Telegram.Enabled() && c.Telegram.ChatID == "" {
		return &ValidationError{Field: "telegram.chat_id", Msg: "chat id is required when the bot token is set"}
	}

	switch c.HLS.Backend {
	case "auto", "segmented", "ffmpeg":
	default:
		return &ValidationError{Field: "hls.backend", Msg: "must be auto, segmented or ffmpeg"}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)

	v.SetDefault("database.path", "./data/downpour.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")

	v.SetDefault("library.anime_dir", "")
	v.SetDefault("library.series_dir", "")
	v.SetDefault("library.movies_dir", "")

	// Daily at midnight, two downloads at a time.
	v.SetDefault("sync.cron", "0 0 * * *")
	v.SetDefault("sync.parallelism", 2)

	v.SetDefault("hls.backend", "auto")
	v.SetDefault("hls.binary_path", "")
	v.SetDefault("hls.threads", 16)
	v.SetDefault("hls.timeout_seconds", 3600)
	v.SetDefault("hls.request_timeout_seconds", 100)
	v.SetDefault("hls.retries", 3)
	v.SetDefault("hls.speed_limit", "")
	v.SetDefault("hls.temp_dir", "")

	v.SetDefault("providers.animeworld_url", "")
	v.SetDefault("providers.animeworld_directory_url", "")
	v.SetDefault("providers.streamcommunity_url", "")
	v.SetDefault("providers.language", "it")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
}
