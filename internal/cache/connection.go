// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package cache owns the lifecycle of the single shared Redis client the
// analytics pipeline depends on: bounded-backoff connection, periodic
// health checks, and guarded command execution.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/metrics"
)

// ErrNotInitialized is returned when the connection is used before Connect.
var ErrNotInitialized = errors.New("cache connection not initialized")

// ErrNotConnected is returned when a command is issued while the
// connection is unhealthy.
var ErrNotConnected = errors.New("cache connection not connected")

// ErrConnectionExhausted is returned once the bounded retry budget is
// spent. No further retries are scheduled after it.
var ErrConnectionExhausted = errors.New("cache connection retries exhausted")

// Status is the connection state machine's current state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Config configures the resilient connection.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxAttempts bounds the connect retry budget. Default: 5.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff: BaseDelay * 2^(attempt-1).
	// Default: 1s, giving 1s, 2s, 4s, 8s, 16s.
	BaseDelay time.Duration

	// HealthCheckInterval is how often the health loop pings. Default: 30s.
	HealthCheckInterval time.Duration

	// DialTimeout bounds a single dial. Default: 5s.
	DialTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:                addr,
		MaxAttempts:         5,
		BaseDelay:           time.Second,
		HealthCheckInterval: 30 * time.Second,
		DialTimeout:         5 * time.Second,
	}
}

// Stats is a read-only snapshot of the connection state.
type Stats struct {
	Status      Status
	Attempts    int
	Reconnects  int64
	IsConnected bool
}

// Connection is the resilient cache connection. All pipeline components
// share one instance and observe its state only through IsConnected and
// Client.
type Connection struct {
	cfg Config

	mu       sync.RWMutex
	client   *redis.Client
	status   Status
	healthy  bool
	attempts int

	reconnects atomic.Int64

	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewConnection creates an unconnected Connection.
func NewConnection(cfg Config) *Connection {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Connection{cfg: cfg, status: StatusIdle}
}

// backoffDelay returns the wait before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// Connect establishes the client, retrying with exponential backoff up to
// MaxAttempts before failing with ErrConnectionExhausted. On success the
// attempt counter resets and a periodic health check is armed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		c.client = redis.NewClient(&redis.Options{
			Addr:        c.cfg.Addr,
			Password:    c.cfg.Password,
			DB:          c.cfg.DB,
			DialTimeout: c.cfg.DialTimeout,
			// The connection manages its own retry budget.
			MaxRetries: -1,
		})
	}
	client := c.client
	c.status = StatusConnecting
	c.mu.Unlock()

	var lastErr error
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		metrics.CacheConnectAttempts.Inc()

		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			c.mu.Lock()
			c.status = StatusReady
			c.healthy = true
			c.attempts = 0
			c.mu.Unlock()
			c.startHealthLoop()
			logging.Info().Str("component", "cache").Str("addr", c.cfg.Addr).Msg("cache connected")
			return nil
		}

		// The final failed dial exhausts the budget without sleeping:
		// the last backoff step in the doubling sequence is never
		// waited because no further dial follows it.
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(c.cfg.BaseDelay, attempt)
		logging.Warn().
			Str("component", "cache").
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(lastErr).
			Msg("cache connection failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.status = StatusClosed
	c.healthy = false
	c.mu.Unlock()
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, c.cfg.MaxAttempts, lastErr)
}

// startHealthLoop arms the periodic ping that keeps the health flag fresh.
func (c *Connection) startHealthLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopHealth != nil {
		return
	}
	c.stopHealth = make(chan struct{})
	c.healthDone = make(chan struct{})
	go c.healthLoop(c.stopHealth, c.healthDone)
}

func (c *Connection) healthLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
			err := c.client.Ping(ctx).Err()
			cancel()

			c.mu.Lock()
			wasHealthy := c.healthy
			if err != nil {
				c.healthy = false
				c.status = StatusReconnecting
			} else {
				c.healthy = true
				c.status = StatusReady
				if !wasHealthy {
					c.reconnects.Add(1)
				}
			}
			c.mu.Unlock()

			if err != nil && wasHealthy {
				logging.Warn().Str("component", "cache").Err(err).Msg("cache health check failed")
			}
		}
	}
}

// Client returns the underlying client handle. It fails before Connect
// has ever been called.
func (c *Connection) Client() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotInitialized
	}
	return c.client, nil
}

// IsConnected reports true only when the health flag is set and the state
// machine is in ready state. The flag is owned by the health loop and the
// status by the connect path, so either can independently go stale.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy && c.status == StatusReady
}

// Ping checks liveness, swallowing any error into the boolean.
func (c *Connection) Ping(ctx context.Context) bool {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return false
	}
	return client.Ping(ctx).Err() == nil
}

// ready returns the client iff commands may be issued right now.
func (c *Connection) ready() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotInitialized
	}
	if !(c.healthy && c.status == StatusReady) {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Do forwards an arbitrary command, failing fast when disconnected.
func (c *Connection) Do(ctx context.Context, args ...any) (any, error) {
	client, err := c.ready()
	if err != nil {
		return nil, err
	}
	res, err := client.Do(ctx, args...).Result()
	if err != nil {
		metrics.CacheCommandErrors.Inc()
		return nil, fmt.Errorf("cache command %v: %w", args[0], err)
	}
	return res, nil
}

// Incr atomically increments a counter key.
func (c *Connection) Incr(ctx context.Context, key string) (int64, error) {
	client, err := c.ready()
	if err != nil {
		return 0, err
	}
	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		metrics.CacheCommandErrors.Inc()
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on a key.
func (c *Connection) Expire(ctx context.Context, key string, ttl time.Duration) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.Expire(ctx, key, ttl).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// SetEx sets a value with a TTL.
func (c *Connection) SetEx(ctx context.Context, key string, value string, ttl time.Duration) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("setex %s: %w", key, err)
	}
	return nil
}

// Get fetches a string value. A missing key yields ("", false, nil).
func (c *Connection) Get(ctx context.Context, key string) (string, bool, error) {
	client, err := c.ready()
	if err != nil {
		return "", false, err
	}
	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		metrics.CacheCommandErrors.Inc()
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// ZAdd adds a member to a sorted set.
func (c *Connection) ZAdd(ctx context.Context, key string, score float64, member string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// LPush pushes a value onto the head of a list.
func (c *Connection) LPush(ctx context.Context, key string, value string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.LPush(ctx, key, value).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// LTrim trims a list to the given inclusive range.
func (c *Connection) LTrim(ctx context.Context, key string, start, stop int64) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.LTrim(ctx, key, start, stop).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// LRange reads a slice of a list.
func (c *Connection) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	client, err := c.ready()
	if err != nil {
		return nil, err
	}
	vals, err := client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		metrics.CacheCommandErrors.Inc()
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

// Keys lists keys matching a pattern. Acceptable here because the
// analytics keyspace is small and namespaced.
func (c *Connection) Keys(ctx context.Context, pattern string) ([]string, error) {
	client, err := c.ready()
	if err != nil {
		return nil, err
	}
	keys, err := client.Keys(ctx, pattern).Result()
	if err != nil {
		metrics.CacheCommandErrors.Inc()
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Del removes keys.
func (c *Connection) Del(ctx context.Context, keys ...string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		metrics.CacheCommandErrors.Inc()
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Disconnect stops the health loop and gracefully closes the client.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	stop := c.stopHealth
	done := c.healthDone
	c.stopHealth = nil
	c.healthDone = nil
	client := c.client
	c.client = nil
	c.status = StatusClosed
	c.healthy = false
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close cache client: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the connection state.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Status:      c.status,
		Attempts:    c.attempts,
		Reconnects:  c.reconnects.Load(),
		IsConnected: c.healthy && c.status == StatusReady,
	}
}
