// Package config loads service configuration from YAML files and
// ENGAGEHUB_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Database struct {
		DSN             string `mapstructure:"dsn"`
		MaxOpenConns    int    `mapstructure:"max_open_conns"`
		MaxIdleConns    int    `mapstructure:"max_idle_conns"`
		ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	MLService struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ml_service"`

	Platform struct {
		CommissionRate        float64 `mapstructure:"commission_rate"`
		WithdrawalFeeRate     float64 `mapstructure:"withdrawal_fee_rate"`
		KYCRequiredThreshold  float64 `mapstructure:"kyc_required_threshold"`
		FraudAlertThreshold   int     `mapstructure:"fraud_alert_threshold"`
		VerificationWorkers   int     `mapstructure:"verification_workers"`
		VerificationQueueSize int     `mapstructure:"verification_queue_size"`
	} `mapstructure:"platform"`
}

// LoadConfig reads configuration from the given path (or the default
// search paths when empty), applies env overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ENGAGEHUB")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/engagehub")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, env and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("ml_service.url", "http://localhost:8001")
	v.SetDefault("ml_service.timeout", 30*time.Second)
	v.SetDefault("platform.commission_rate", 0.10)
	v.SetDefault("platform.withdrawal_fee_rate", 0.02)
	v.SetDefault("platform.kyc_required_threshold", 100.0)
	v.SetDefault("platform.fraud_alert_threshold", 3)
	v.SetDefault("platform.verification_workers", 8)
	v.SetDefault("platform.verification_queue_size", 256)
}

func validate(cfg *Config) error {
	if cfg.Platform.CommissionRate < 0 || cfg.Platform.CommissionRate >= 1 {
		return fmt.Errorf("platform.commission_rate must be in [0,1): %f", cfg.Platform.CommissionRate)
	}
	if cfg.Platform.WithdrawalFeeRate < 0 || cfg.Platform.WithdrawalFeeRate >= 1 {
		return fmt.Errorf("platform.withdrawal_fee_rate must be in [0,1): %f", cfg.Platform.WithdrawalFeeRate)
	}
	if cfg.Platform.FraudAlertThreshold <= 0 {
		return fmt.Errorf("platform.fraud_alert_threshold must be positive: %d", cfg.Platform.FraudAlertThreshold)
	}
	return nil
}
