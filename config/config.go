// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxScriptLen bounds the script URL; the hex payload is appended to it.
const MaxScriptLen = 128

var (
	ErrNoScript       = errors.New("gateway script url is empty")
	ErrScriptTooLong  = fmt.Errorf("gateway script url longer than %d chars", MaxScriptLen)
	ErrInvalidBatch   = errors.New("gateway max batch must be >= 1")
	ErrInvalidBuffers = errors.New("gateway buffers must be >= 1")
)

type Config struct {
	LogLevel string        `yaml:"log_level"`
	HTTP     HTTPConfig    `yaml:"http"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Redis    RedisConfig   `yaml:"redis"`
	Statsd   StatsdConfig  `yaml:"statsd"`
}

type HTTPConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client ip; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type GatewayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Script         string        `yaml:"script"`
	MaxBatch       int           `yaml:"max_batch"`
	RxBufLen       int           `yaml:"rx_buf_len"`
	TxBufLen       int           `yaml:"tx_buf_len"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	PoolSize       int           `yaml:"pool_size"`
	// RateLimit is datagrams per second per source ip; 0 disables it.
	RateLimit     float64 `yaml:"rate_limit"`
	RateBurst     int     `yaml:"rate_burst"`
	FallbackReply bool    `yaml:"fallback_reply"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Stream receives one record per forwarded packet; empty disables it.
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
	// ConnIdKey is the INCR key for connection ids; empty counts in process.
	ConnIdKey string `yaml:"conn_id_key"`
}

type StatsdConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:8080",
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			RateBurst:         10,
		},
		Gateway: GatewayConfig{
			Enabled:        false,
			Addr:           ":5288",
			Script:         "http://localhost/wrk/udplog/payload_minimal.php?p=",
			MaxBatch:       10,
			RxBufLen:       1024,
			TxBufLen:       2048,
			IdleTimeout:    10 * time.Second,
			ForwardTimeout: 10 * time.Second,
			PoolSize:       64,
			RateBurst:      10,
			FallbackReply:  true,
		},
		Redis: RedisConfig{
			StreamMaxLen: 10000,
		},
		Statsd: StatsdConfig{
			Namespace: "udplog",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !c.Gateway.Enabled {
		return nil
	}
	g := c.Gateway
	switch {
	case g.Script == "":
		return ErrNoScript
	case len(g.Script) > MaxScriptLen:
		return ErrScriptTooLong
	case g.MaxBatch < 1:
		return ErrInvalidBatch
	case g.RxBufLen < 1 || g.TxBufLen < 1:
		return ErrInvalidBuffers
	}
	return nil
}
