package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"pair_bot/internal/models"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
	databaseDSNENV    = "DATABASE_DSN"
	apiKeyENV         = "API_KEY"
	apiSecretENV      = "API_SECRET"
)

// Config — глобальный конфиг процесса. Загружается один раз на старте,
// дальше только на чтение; каждому lifecycle передаётся как значение.
type Config struct {
	MainAccount struct {
		Address string `yaml:"address"`
	} `yaml:"main_account"`
	API struct {
		Key    string `yaml:"key"`
		Secret string `yaml:"secret"`
	} `yaml:"api"`

	Symbol           string `yaml:"symbol"`
	InitialDeposit   string `yaml:"initial_deposit"` // decimal-строка, не float
	CheckIntervalSec int    `yaml:"check_interval"`
	ActionDelay      struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	} `yaml:"action_delay"`
	PairStartDelayMaxSec int                 `yaml:"pair_start_delay_max"`
	Leverage             int                 `yaml:"leverage"`
	Pairs                []models.PairConfig `yaml:"pairs"`

	MaxMonitorSec int    `yaml:"max_monitor_duration"`
	SweepMin      string `yaml:"sweep_min"`
	Retry         struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BackoffMinSec int `yaml:"backoff_min"`
		BackoffMaxSec int `yaml:"backoff_max"`
	} `yaml:"retry"`
	RestartDelaySec  int `yaml:"restart_delay"`
	ShutdownGraceSec int `yaml:"shutdown_grace"`

	DB       string `yaml:"db_dsn"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`
	HealthAddr string `yaml:"health_addr"`
	LogDir     string `yaml:"log_dir"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
}

func NewConfig() (*Config, error) {
	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	return Load("configs/" + configFileName)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	config := Config{
		Symbol:               "SOL_USDC_PERP",
		InitialDeposit:       "10",
		CheckIntervalSec:     intFromEnv("CHECK_INTERVAL", 30),
		PairStartDelayMaxSec: 60,
		Leverage:             intFromEnv("LEVERAGE", 50),
		MaxMonitorSec:        86400,
		SweepMin:             "0.1",
		RestartDelaySec:      10,
		ShutdownGraceSec:     45,
		HealthAddr:           getenvDefault("HEALTH_ADDR", ":8080"),
		LogDir:               "logs",
		BaseURL:              "https://api.backpack.exchange",
		WSURL:                "wss://ws.backpack.exchange",
	}
	config.ActionDelay.Min = 2
	config.ActionDelay.Max = 10
	config.Retry.MaxAttempts = 8
	config.Retry.BackoffMinSec = 1
	config.Retry.BackoffMaxSec = 30
	config.Jaeger.Port = 6831

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if chat := os.Getenv(chatTelegramENV); chat != "" {
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			config.Telegram.ChatID = id
		}
	}
	if dsn := os.Getenv(databaseDSNENV); dsn != "" {
		config.DB = dsn
	}
	if key := os.Getenv(apiKeyENV); key != "" {
		config.API.Key = key
	}
	if secret := os.Getenv(apiSecretENV); secret != "" {
		config.API.Secret = secret
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// Validate проверяет инварианты схемы. Ошибка здесь фатальна для процесса:
// ни одна горутина пары не стартует на битом конфиге.
func (c *Config) Validate() error {
	if c.MainAccount.Address == "" {
		return fmt.Errorf("main_account.address is required")
	}
	if c.API.Key == "" || c.API.Secret == "" {
		return fmt.Errorf("api.key and api.secret are required")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	if c.CheckIntervalSec <= 0 {
		return fmt.Errorf("check_interval must be > 0")
	}
	if c.ActionDelay.Min < 0 {
		return fmt.Errorf("action_delay.min must be >= 0")
	}
	if c.ActionDelay.Max < c.ActionDelay.Min {
		return fmt.Errorf("action_delay.max must be >= action_delay.min")
	}
	if c.PairStartDelayMaxSec < 0 {
		return fmt.Errorf("pair_start_delay_max must be >= 0")
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}

	if dep, err := decimal.NewFromString(c.InitialDeposit); err != nil || dep.Sign() <= 0 {
		return fmt.Errorf("initial_deposit must be a positive decimal, got %q", c.InitialDeposit)
	}
	if min, err := decimal.NewFromString(c.SweepMin); err != nil || min.Sign() < 0 {
		return fmt.Errorf("sweep_min must be a non-negative decimal, got %q", c.SweepMin)
	}

	for i, p := range c.Pairs {
		for _, acc := range []models.AccountConfig{p.ShortAccount, p.LongAccount} {
			if acc.Name == "" || acc.Address == "" || acc.APIKey == "" || acc.APISecret == "" {
				return fmt.Errorf("pairs[%d]: account name, address, api_key and api_secret are required", i)
			}
		}
		if p.ShortAccount.Address == p.LongAccount.Address {
			return fmt.Errorf("pairs[%d]: short and long accounts must have distinct addresses", i)
		}
	}

	return nil
}

// Deposit — initial_deposit как decimal; валидность гарантирована Validate.
func (c *Config) Deposit() decimal.Decimal {
	d, _ := decimal.NewFromString(c.InitialDeposit)
	return d
}

func (c *Config) SweepMinAmount() decimal.Decimal {
	d, _ := decimal.NewFromString(c.SweepMin)
	return d
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

func (c *Config) ActionDelayMin() time.Duration {
	return time.Duration(c.ActionDelay.Min) * time.Second
}

func (c *Config) ActionDelayMax() time.Duration {
	return time.Duration(c.ActionDelay.Max) * time.Second
}

func (c *Config) PairStartDelayMax() time.Duration {
	return time.Duration(c.PairStartDelayMaxSec) * time.Second
}

func (c *Config) MaxMonitorDuration() time.Duration {
	return time.Duration(c.MaxMonitorSec) * time.Second
}

func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Retry.BackoffMinSec) * time.Second
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxSec) * time.Second
}

func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelaySec) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
