package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/metrics"
)

const keyPrefix = "canopy:"

// envelope is the stored representation: user data plus the CAS token.
type envelope struct {
	CAS  uint64 `json:"cas"`
	Data string `json:"data"`
}

// RedisStore implements Store on a Redis backend. CAS is implemented with
// WATCH-guarded transactions, so concurrent writers race on the optimistic
// lock rather than on the value.
type RedisStore struct {
	client *redis.Client
	name   string
}

// NewRedisStore creates a store against the configured Redis server.
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is disabled")
	}
	return newRedisStore(cfg, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), "local"), nil
}

// NewRemoteRedisStore creates a store against the remote-site Redis server,
// or nil when no remote site is configured.
func NewRemoteRedisStore(cfg *config.RedisConfig) *RedisStore {
	if !cfg.Enabled || cfg.RemoteHost == "" {
		return nil
	}
	return newRedisStore(cfg, fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort), "remote")
}

func newRedisStore(cfg *config.RedisConfig, addr, name string) *RedisStore {
	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.Database,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.Timeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.Timeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Timeout) * time.Second,
	}

	return &RedisStore{
		client: redis.NewClient(opts),
		name:   name,
	}
}

// Close closes the Redis client connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// HealthCheck performs a health check on Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) redisKey(table, key string) string {
	return keyPrefix + table + ":" + key
}

// Get returns the record data and its CAS token.
func (s *RedisStore) Get(ctx context.Context, table, key string) (string, uint64, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, s.redisKey(table, key)).Result()
	metrics.StoreLatency.WithLabelValues(s.name, "get").Observe(time.Since(start).Seconds())

	if err == redis.Nil {
		metrics.StoreOperations.WithLabelValues(s.name, "get", "not_found").Inc()
		return "", 0, ErrNotFound
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues(s.name, "get", "error").Inc()
		return "", 0, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		metrics.StoreOperations.WithLabelValues(s.name, "get", "error").Inc()
		return "", 0, fmt.Errorf("corrupt record %s/%s: %w", table, key, err)
	}

	metrics.StoreOperations.WithLabelValues(s.name, "get", "ok").Inc()
	return env.Data, env.CAS, nil
}

// Set writes data guarded by the CAS token.
func (s *RedisStore) Set(ctx context.Context, table, key, data string, cas uint64, ttl time.Duration) error {
	rkey := s.redisKey(table, key)
	start := time.Now()

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Result()
		switch {
		case err == redis.Nil:
			if cas != 0 {
				return ErrCASMismatch
			}
		case err != nil:
			return err
		default:
			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return fmt.Errorf("corrupt record %s/%s: %w", table, key, err)
			}
			if env.CAS != cas {
				return ErrCASMismatch
			}
		}

		next, err := json.Marshal(envelope{CAS: cas + 1, Data: data})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, next, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, rkey)
	metrics.StoreLatency.WithLabelValues(s.name, "set").Observe(time.Since(start).Seconds())

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer modified the key between WATCH and EXEC.
		err = ErrCASMismatch
	}
	switch {
	case err == nil:
		metrics.StoreOperations.WithLabelValues(s.name, "set", "ok").Inc()
	case errors.Is(err, ErrCASMismatch):
		metrics.StoreOperations.WithLabelValues(s.name, "set", "cas_mismatch").Inc()
	default:
		metrics.StoreOperations.WithLabelValues(s.name, "set", "error").Inc()
		err = fmt.Errorf("failed to set %s/%s: %w", table, key, err)
	}
	return err
}

// Delete removes the record.
func (s *RedisStore) Delete(ctx context.Context, table, key string) error {
	start := time.Now()
	err := s.client.Del(ctx, s.redisKey(table, key)).Err()
	metrics.StoreLatency.WithLabelValues(s.name, "delete").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StoreOperations.WithLabelValues(s.name, "delete", "error").Inc()
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	metrics.StoreOperations.WithLabelValues(s.name, "delete", "ok").Inc()
	return nil
}
