package main

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the rohccli configuration, loaded from YAML through viper.
type Config struct {
	CIDType       string    `mapstructure:"cid_type"` // "small" or "large"
	MaxCID        int       `mapstructure:"max_cid"`
	MRRU          int       `mapstructure:"mrru"`
	WLSBWidth     int       `mapstructure:"wlsb_window_width"`
	IRTimeout     int       `mapstructure:"ir_timeout"`
	FOTimeout     int       `mapstructure:"fo_timeout"`
	Profiles      []string  `mapstructure:"profiles"`
	RTPPorts      []int     `mapstructure:"rtp_ports"`
	Log           LogConfig `mapstructure:"log"`
	MetricsListen string    `mapstructure:"metrics_listen"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// loadConfig reads the configuration file, applying defaults for everything
// left unset.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("cid_type", "small")
	v.SetDefault("max_cid", 15)
	v.SetDefault("mrru", 0)
	v.SetDefault("wlsb_window_width", 4)
	v.SetDefault("ir_timeout", 1700)
	v.SetDefault("fo_timeout", 700)
	v.SetDefault("profiles", []string{"uncompressed", "rtp", "udp", "udplite", "esp", "ip"})
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rohccli")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// a missing default config file is fine, defaults apply
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
