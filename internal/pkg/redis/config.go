package redis

import (
	"errors"
	"time"
)

// Config defines the redis client configuration
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int `mapstructure:"poolsize"`
	MinIdleConns int `mapstructure:"minidleconns"`

	DialTimeout  time.Duration `mapstructure:"dialtimeout"`
	ReadTimeout  time.Duration `mapstructure:"readtimeout"`
	WriteTimeout time.Duration `mapstructure:"writetimeout"`

	MaxRetries int `mapstructure:"maxretries"`
}

// DefaultConfig returns the default redis configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	}
}

// Validate validates the redis configuration
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis addr is required")
	}
	if c.DB < 0 || c.DB > 15 {
		return errors.New("redis db must be between 0 and 15")
	}
	if c.PoolSize < 0 {
		return errors.New("redis pool size must be >= 0")
	}
	return nil
}
