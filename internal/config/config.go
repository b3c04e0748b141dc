// Package config loads the service configuration from an optional JSON policy
// file and the environment. Environment variables win; a key such as
// deposit.min_deposit is read from DEPOSIT_MIN_DEPOSIT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"tonsettle/internal/breaker"
	"tonsettle/internal/database"
	"tonsettle/internal/deposit"
	"tonsettle/internal/fair"
	"tonsettle/internal/logging"
	"tonsettle/internal/middleware"
	"tonsettle/internal/scheduler"
	"tonsettle/internal/ton"
	"tonsettle/internal/withdrawal"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig               `mapstructure:"server"`
	Database    database.Config            `mapstructure:"database"`
	Log         logging.Config             `mapstructure:"log"`
	TON         ton.Config                 `mapstructure:"ton"`
	Redis       RedisConfig                `mapstructure:"redis"`
	AMQP        AMQPConfig                 `mapstructure:"amqp"`
	Telegram    TelegramConfig             `mapstructure:"telegram"`
	Notify      NotifyConfig               `mapstructure:"notify"`
	RateLimit   middleware.RateLimitConfig `mapstructure:"rate_limit"`
	AdminAPIKey string                     `mapstructure:"admin_api_key"`
	Schedule    scheduler.Config           `mapstructure:"schedule"`
	Breakers    BreakersConfig             `mapstructure:"breakers"`
	Deposit     deposit.Config             `mapstructure:"deposit"`
	Withdrawal  withdrawal.Config          `mapstructure:"withdrawal"`
	Game        fair.Config                `mapstructure:"game"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type NotifyConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// BreakersConfig holds the defaults for every named breaker plus per-name
// overrides, e.g. a longer reset timeout for the wallet signer.
type BreakersConfig struct {
	Default   breaker.Config            `mapstructure:"default"`
	Overrides map[string]breaker.Config `mapstructure:"overrides"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database:   database.DefaultConfig(),
		Log:        logging.DefaultConfig(),
		TON:        ton.DefaultConfig(),
		AMQP:       AMQPConfig{Exchange: "settlement_events"},
		Notify:     NotifyConfig{QueueSize: 1024},
		RateLimit:  middleware.DefaultRateLimitConfig(),
		Schedule:   scheduler.DefaultConfig(),
		Breakers:   BreakersConfig{Default: breaker.DefaultConfig()},
		Deposit:    deposit.DefaultConfig(),
		Withdrawal: withdrawal.DefaultConfig(),
		Game:       fair.DefaultConfig(),
	}
}

// envKeys are the settings most deployments set from the environment. Their
// defaults are registered so AutomaticEnv can see them.
var envKeys = []string{
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"database.driver",
	"database.path",
	"database.dsn",
	"log.level",
	"log.development",
	"ton.api_key",
	"ton.testnet",
	"ton.mnemonic",
	"ton.wallet_version",
	"ton.house_address",
	"redis.url",
	"amqp.url",
	"telegram.token",
	"telegram.chat_id",
	"admin_api_key",
	"withdrawal.house_address",
}

// Load reads path, if it exists, and the environment on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]any{
		"server.port":              cfg.Server.Port,
		"server.read_timeout":      cfg.Server.ReadTimeout,
		"server.write_timeout":     cfg.Server.WriteTimeout,
		"database.driver":          cfg.Database.Driver,
		"database.path":            cfg.Database.Path,
		"database.dsn":             cfg.Database.DSN,
		"log.level":                cfg.Log.Level,
		"log.development":          cfg.Log.Development,
		"ton.api_key":              cfg.TON.APIKey,
		"ton.testnet":              cfg.TON.Testnet,
		"ton.mnemonic":             cfg.TON.Mnemonic,
		"ton.wallet_version":       cfg.TON.WalletVersion,
		"ton.house_address":        cfg.TON.HouseAddress,
		"redis.url":                cfg.Redis.URL,
		"amqp.url":                 cfg.AMQP.URL,
		"telegram.token":           cfg.Telegram.Token,
		"telegram.chat_id":         cfg.Telegram.ChatID,
		"admin_api_key":            cfg.AdminAPIKey,
		"withdrawal.house_address": cfg.Withdrawal.HouseAddress,
	}
	for _, key := range envKeys {
		v.SetDefault(key, defaults[key])
	}
	// names used by earlier deployments
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("database.path", "DATABASE_PATH", "DB_PATH")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

func (c *Config) Validate() error {
	if err := c.Deposit.Validate(); err != nil {
		return err
	}
	if err := c.Withdrawal.Validate(); err != nil {
		return err
	}
	if c.Game.RTP <= 0 || c.Game.RTP > 1 {
		return fmt.Errorf("game.rtp must be in (0, 1], got %v", c.Game.RTP)
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	return nil
}
