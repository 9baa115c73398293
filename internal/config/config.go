package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Rewards RewardsConfig `mapstructure:"rewards"`
	Reset   ResetConfig   `mapstructure:"reset"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Control ControlConfig `mapstructure:"control"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RewardTier maps a goal-duration ceiling to a reward.
type RewardTier struct {
	UpToMinutes int `mapstructure:"up_to_minutes"`
	XP          int `mapstructure:"xp"`
	Coins       int `mapstructure:"coins"`
}

// RewardsConfig defines the session reward table
type RewardsConfig struct {
	Tiers           []RewardTier `mapstructure:"tiers"`
	OverflowXP      int          `mapstructure:"overflow_xp"`
	OverflowCoins   int          `mapstructure:"overflow_coins"`
	BeastMultiplier int          `mapstructure:"beast_multiplier"`
}

// ResetConfig defines daily reset and streak freeze settings
type ResetConfig struct {
	Time           string `mapstructure:"time"`             // "HH:MM" local time
	FreezeGrantDay string `mapstructure:"freeze_grant_day"` // weekday name
}

// MonitorConfig defines foreground-monitoring arbiter settings
type MonitorConfig struct {
	Debounce    string `mapstructure:"debounce"`
	CacheSize   int    `mapstructure:"cache_size"`
	WarningLead string `mapstructure:"warning_lead"`
	FaultRetry  string `mapstructure:"fault_retry"`
}

// MetricsConfig defines the metrics endpoint settings
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// ControlConfig defines the local control API settings
type ControlConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PRESENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/presentd/presentd.db")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rewards.tiers", []map[string]any{
		{"up_to_minutes": 15, "xp": 3, "coins": 3},
		{"up_to_minutes": 30, "xp": 5, "coins": 5},
		{"up_to_minutes": 45, "xp": 8, "coins": 8},
		{"up_to_minutes": 60, "xp": 10, "coins": 10},
		{"up_to_minutes": 90, "xp": 15, "coins": 15},
	})
	v.SetDefault("rewards.overflow_xp", 25)
	v.SetDefault("rewards.overflow_coins", 25)
	v.SetDefault("rewards.beast_multiplier", 2)

	v.SetDefault("reset.time", "00:00")
	v.SetDefault("reset.freeze_grant_day", "monday")

	v.SetDefault("monitor.debounce", "2s")
	v.SetDefault("monitor.cache_size", 128)
	v.SetDefault("monitor.warning_lead", "30s")
	v.SetDefault("monitor.fault_retry", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9320)
	v.SetDefault("metrics.bind_address", "127.0.0.1")

	v.SetDefault("control.port", 8410)
	v.SetDefault("control.bind_address", "127.0.0.1")
}

// Validate checks configuration consistency before startup.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for bolt storage")
		}
	case "redis":
		if c.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q (expected bolt or redis)", c.Storage.Type)
	}

	if _, err := time.Parse("15:04", c.Reset.Time); err != nil {
		return fmt.Errorf("invalid reset.time %q: %w", c.Reset.Time, err)
	}
	if _, err := ParseWeekday(c.Reset.FreezeGrantDay); err != nil {
		return err
	}

	if len(c.Rewards.Tiers) == 0 {
		return fmt.Errorf("rewards.tiers must not be empty")
	}
	prev := 0
	for _, tier := range c.Rewards.Tiers {
		if tier.UpToMinutes <= prev {
			return fmt.Errorf("rewards.tiers must have strictly increasing up_to_minutes")
		}
		if tier.XP < 0 || tier.Coins < 0 {
			return fmt.Errorf("rewards.tiers values must be non-negative")
		}
		prev = tier.UpToMinutes
	}
	if c.Rewards.BeastMultiplier < 1 {
		return fmt.Errorf("rewards.beast_multiplier must be at least 1")
	}

	return nil
}

// ParseWeekday converts a lowercase weekday name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", name)
}
