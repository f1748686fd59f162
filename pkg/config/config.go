package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node struct {
		Name     string `mapstructure:"name"`
		DataDir  string `mapstructure:"data_dir"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	P2P struct {
		ListenPort int      `mapstructure:"listen_port"`
		Bootstrap  []string `mapstructure:"bootstrap_nodes"`
	} `mapstructure:"p2p"`

	Admission struct {
		MaxConnsPerPeer  int           `mapstructure:"max_conns_per_peer"`
		MaxConnsPerIP    int           `mapstructure:"max_conns_per_ip"`
		MaxActivePeers   int           `mapstructure:"max_active_peers"`
		ConnWindow       time.Duration `mapstructure:"conn_window"`
		BlockDuration    time.Duration `mapstructure:"block_duration"`
		MaxBandwidthMbps float64       `mapstructure:"max_bandwidth_mbps"`
		SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"admission"`

	Relay struct {
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"relay"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("BYTECAVE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.log_level", "info")
	v.SetDefault("p2p.listen_port", 4001)
	v.SetDefault("admission.max_conns_per_peer", 5)
	v.SetDefault("admission.max_conns_per_ip", 10)
	v.SetDefault("admission.max_active_peers", 1000)
	v.SetDefault("admission.conn_window", time.Minute)
	v.SetDefault("admission.block_duration", 5*time.Minute)
	v.SetDefault("admission.max_bandwidth_mbps", 100.0)
	v.SetDefault("admission.sweep_interval", 30*time.Second)
	v.SetDefault("relay.request_timeout", time.Minute)
	v.SetDefault("relay.sweep_interval", 30*time.Second)
}
