// Package cache implements the live asset-state store on Redis. Each write
// mirrors the latest heartbeat per asset so dashboards can read current
// vehicle state without touching tenant storage.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetdata/heartbeat-ingest/config"
	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// RedisAssetStateStore keeps the latest heartbeat per asset under a TTL so
// stale vehicles age out of the live view on their own.
type RedisAssetStateStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisAssetStateStore connects to redis and verifies the connection.
func NewRedisAssetStateStore(ctx context.Context, cfg config.CacheConfig, logger *logging.Logger) (*RedisAssetStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}

	return &RedisAssetStateStore{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.WithComponent("asset-cache"),
	}, nil
}

// SetLatest stores the heartbeat as the asset's current state. Older state is
// overwritten unconditionally; the pipeline processes each partition in order
// so the last write for an asset is the newest seen.
func (s *RedisAssetStateStore) SetLatest(ctx context.Context, hb *entity.Heartbeat) error {
	if hb.AssetID == "" {
		return nil
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode asset state: %w", err)
	}

	if err := s.client.Set(ctx, hb.AssetKey(), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write asset state: %w", err)
	}
	return nil
}

// GetLatest reads an asset's current state; redis.Nil maps to a nil result.
func (s *RedisAssetStateStore) GetLatest(ctx context.Context, assetID string) (*entity.Heartbeat, error) {
	payload, err := s.client.Get(ctx, "asset:"+assetID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read asset state: %w", err)
	}

	var hb entity.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return nil, fmt.Errorf("failed to decode asset state: %w", err)
	}
	return &hb, nil
}

// Close releases the redis connection pool.
func (s *RedisAssetStateStore) Close() error {
	return s.client.Close()
}
