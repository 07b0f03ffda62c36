package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// WorkerID feeds the snowflake generator; must differ per instance.
	WorkerID int64 `mapstructure:"worker_id"`
}

// DatabaseConfig selects the ledger store backend: "mysql" (default) or "sqlite".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// Enabled=false runs single-instance with in-process locks and no identity cache.
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	QualifyingEvents   string `mapstructure:"qualifying_events"`
	ReferralEvents     string `mapstructure:"referral_events"`
	PayoutEvents       string `mapstructure:"payout_events"`
	PayoutInstructions string `mapstructure:"payout_instructions"`
	AdjustmentEvents   string `mapstructure:"adjustment_events"`
}

type IdentityConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// CacheTTLMinutes bounds how long admin flags stay cached; signup times never change.
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusinessConfig struct {
	ManualLinkWindowHours int    `mapstructure:"manual_link_window_hours"`
	AutoApproveAffiliates bool   `mapstructure:"auto_approve_affiliates"`
	AffiliateCodePrefix   string `mapstructure:"affiliate_code_prefix"`
	MaxRetryCount         int    `mapstructure:"max_retry_count"`

	MultiTier MultiTierConfig `mapstructure:"multi_tier"`

	// Currencies maps an ISO code to its minor-unit precision.
	Currencies map[string]int32 `mapstructure:"currencies"`

	DefaultRates  []RateSeedConfig              `mapstructure:"default_rates"`
	PayoutMethods map[string]PayoutMethodConfig `mapstructure:"payout_methods"`

	OutboxIntervalMillis          int `mapstructure:"outbox_interval_millis"`
	PayoutDispatchIntervalSeconds int `mapstructure:"payout_dispatch_interval_seconds"`
	PayoutStaleMinutes            int `mapstructure:"payout_stale_minutes"`
}

type MultiTierConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxDepth int  `mapstructure:"max_depth"`
}

// RateSeedConfig is one row of the deployment default rate table.
// Rate is a decimal fraction string, e.g. "0.015".
type RateSeedConfig struct {
	Tier      string `mapstructure:"tier"`
	EventType string `mapstructure:"event_type"`
	TierLevel int    `mapstructure:"tier_level"`
	Rate      string `mapstructure:"rate"`
}

// PayoutMethodConfig amounts are decimal strings; FeeType is "fixed" or "percent".
type PayoutMethodConfig struct {
	FeeType   string `mapstructure:"fee_type"`
	FeeValue  string `mapstructure:"fee_value"`
	MinAmount string `mapstructure:"min_amount"`
	MaxAmount string `mapstructure:"max_amount"`
}

func (b BusinessConfig) ManualLinkWindow() time.Duration {
	return time.Duration(b.ManualLinkWindowHours) * time.Hour
}

func (b BusinessConfig) PayoutStaleAfter() time.Duration {
	return time.Duration(b.PayoutStaleMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite_path", "data/affiliate_ledger.db")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("kafka.consumer_group", "affiliate-ledger")
	v.SetDefault("kafka.topic.qualifying_events", "qualifying_events")
	v.SetDefault("kafka.topic.referral_events", "referral_events")
	v.SetDefault("kafka.topic.payout_events", "payout_events")
	v.SetDefault("kafka.topic.payout_instructions", "payout_instructions")
	v.SetDefault("kafka.topic.adjustment_events", "adjustment_events")
	v.SetDefault("identity.timeout_seconds", 5)
	v.SetDefault("identity.cache_ttl_minutes", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("business.manual_link_window_hours", 48)
	v.SetDefault("business.affiliate_code_prefix", "CBB-AFC")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.multi_tier.max_depth", 3)
	v.SetDefault("business.outbox_interval_millis", 100)
	v.SetDefault("business.payout_dispatch_interval_seconds", 10)
	v.SetDefault("business.payout_stale_minutes", 60)
}

// LoadConfig reads the YAML file; AFFLEDGER_* environment variables take precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AFFLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize upper-cases currency and method keys that viper lower-cases.
func (c *Config) normalize() {
	currencies := make(map[string]int32, len(c.Business.Currencies))
	for code, decimals := range c.Business.Currencies {
		currencies[strings.ToUpper(code)] = decimals
	}
	if len(currencies) == 0 {
		currencies = map[string]int32{"USD": 2, "BRL": 2, "EUR": 2, "USDT": 6, "BTC": 8}
	}
	c.Business.Currencies = currencies

	methods := make(map[string]PayoutMethodConfig, len(c.Business.PayoutMethods))
	for name, m := range c.Business.PayoutMethods {
		methods[strings.ToLower(name)] = m
	}
	c.Business.PayoutMethods = methods
}
