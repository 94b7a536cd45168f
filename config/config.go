package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

const dotEnvPath = ".env"

type Config struct {
	PlayerLink PlayerLinkConfig
}

type PlayerLinkConfig struct {
	DbPath               string `env:"PLAYERLINK_DB_PATH"`
	DisableColours       bool   `env:"PLAYERLINK_DISABLE_COLOURS"`
	HistoryRetentionDays int    `env:"PLAYERLINK_HISTORY_RETENTION_DAYS"`
	ListenAddr           string `env:"PLAYERLINK_LISTEN_ADDR"`
	LogLevel             string `env:"LOG_LEVEL"`
	SettingsPath         string `env:"PLAYERLINK_SETTINGS_PATH"`
	SuperSecretToken     string `env:"SUPER_SECRET_TOKEN"`
}

func Defaults() Config {
	return Config{
		PlayerLink: PlayerLinkConfig{
			DbPath:               defaultDbPath(),
			HistoryRetentionDays: 90,
			ListenAddr:           "127.0.0.1:8085",
			LogLevel:             "info",
			SettingsPath:         "known.json",
		},
	}
}

func defaultDbPath() string {
	path, err := xdg.DataFile("playerlink/history.db")
	if err != nil {
		return "history.db"
	}
	return path
}

// Load reads the environment, plus a .env file if one is in the working directory,
// over the defaults
func Load() (Config, error) {
	cfg := Defaults()

	c := config.New()
	if _, err := os.Stat(dotEnvPath); err == nil {
		c = c.AddFeeder(feeder.DotEnv{Path: dotEnvPath})
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	// Real environment variables win over .env
	c = c.AddFeeder(feeder.Env{})

	if err := c.AddStruct(&cfg).Feed(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) APIEnabled() bool {
	addr := strings.ToLower(strings.TrimSpace(c.PlayerLink.ListenAddr))
	return addr != "" && addr != "off"
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.PlayerLink.HistoryRetentionDays) * 24 * time.Hour
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.PlayerLink.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}
