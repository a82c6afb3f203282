package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps a go-redis client with lock primitives used by the engine
type Client struct {
	rdb    *redis.Client
	config *Config
	logger *logger.Logger
}

// New creates a redis client and verifies connectivity
func New(cfg *Config, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	client := &Client{
		rdb:    rdb,
		config: cfg,
		logger: log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)

	return client, nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// unlockScript releases a lock only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// refreshScript extends a lock's TTL only when the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// Lock acquires a distributed lock, returning an owner token
func (c *Client) Lock(ctx context.Context, key string, expiration time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, token, expiration).Result()
	if err != nil {
		c.logger.Error("redis lock failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("lock %s is held by another owner", key)
	}

	c.logger.Debug("redis lock acquired", zap.String("key", key))
	return token, nil
}

// Unlock releases a lock if the token still matches
func (c *Client) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		c.logger.Error("redis unlock failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to release lock %s: token mismatch or lock expired", key)
	}

	c.logger.Debug("redis lock released", zap.String("key", key))
	return nil
}

// RefreshLock extends the TTL of a held lock if the token still matches
func (c *Client) RefreshLock(ctx context.Context, key, token string, expiration time.Duration) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, expiration.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to refresh lock %s: token mismatch or lock expired", key)
	}
	return nil
}
