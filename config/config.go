// Package config loads the simulator configuration from an optional YAML
// file with PERPSIM_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type (
	Configuration struct {
		App      AppConfiguration      `mapstructure:"app"`
		Exchange ExchangeConfiguration `mapstructure:"exchange"`
		NATS     NATSConfiguration     `mapstructure:"nats"`
	}

	AppConfiguration struct {
		LogLevel    string `mapstructure:"log_level"`
		ListenAddr  string `mapstructure:"listen_addr"`
		MetricsAddr string `mapstructure:"metrics_addr"`
	}

	ExchangeConfiguration struct {
		InitialMarkPrice  string   `mapstructure:"initial_mark_price"`
		InsuranceFundSeed string   `mapstructure:"insurance_fund_seed"`
		SeedBalance       string   `mapstructure:"seed_balance"`
		SeedUsers         []string `mapstructure:"seed_users"`
		DefaultLeverage   string   `mapstructure:"default_leverage"`
		MaxLeverage       string   `mapstructure:"max_leverage"`
		MaxPositionSize   string   `mapstructure:"max_position_size"`
		MaxPositionValue  string   `mapstructure:"max_position_value"`
		MinOrderSize      string   `mapstructure:"min_order_size"`
	}

	NATSConfiguration struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.listen_addr", ":8080")
	v.SetDefault("app.metrics_addr", ":9090")

	v.SetDefault("exchange.initial_mark_price", "50000")
	v.SetDefault("exchange.insurance_fund_seed", "0")
	v.SetDefault("exchange.seed_balance", "100000")
	v.SetDefault("exchange.seed_users", []string{"alice", "bob", "carol", "dave", "eve"})
	v.SetDefault("exchange.default_leverage", "10")
	v.SetDefault("exchange.max_leverage", "100")
	v.SetDefault("exchange.max_position_size", "100")
	v.SetDefault("exchange.max_position_value", "10000000")
	v.SetDefault("exchange.min_order_size", "0.001")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
}

// Load reads the configuration. An empty path loads defaults plus environment
// overrides only; a named file must exist.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PERPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
