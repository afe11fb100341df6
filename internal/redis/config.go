package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis configuration
type Config struct {
	// Connection settings
	Addrs      []string `mapstructure:"addrs" yaml:"addrs" json:"addrs"`
	Password   string   `mapstructure:"password" yaml:"password" json:"password"`
	DB         int      `mapstructure:"db" yaml:"db" json:"db"`
	MasterName string   `mapstructure:"master_name" yaml:"master_name" json:"master_name"`

	// Pool settings
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig returns the Redis settings used for reentrancy markers
func DefaultConfig() *Config {
	return &Config{
		Addrs:           []string{"localhost:6379"},
		PoolSize:        20,
		MinIdleConns:    2,
		ConnMaxLifetime: 24 * time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     500 * time.Millisecond,
		WriteTimeout:    500 * time.Millisecond,
		MaxRetries:      3,
	}
}

// NewClient connects a single-node, sentinel or cluster client depending on
// the addresses and master name given.
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           config.Addrs,
		Password:        config.Password,
		DB:              config.DB,
		MasterName:      config.MasterName,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		ConnMaxIdleTime: config.ConnMaxIdleTime,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		MaxRetries:      config.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected",
		zap.Strings("addrs", config.Addrs),
		zap.Int("db", config.DB),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("sentinel_mode", config.MasterName != ""))
	return rdb, nil
}
