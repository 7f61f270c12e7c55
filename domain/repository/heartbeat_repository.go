// Package repository defines the storage ports the ingest pipeline writes
// through. Implementations live under infrastructure.
package repository

import (
	"context"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
)

// HeartbeatRepository is a tenant-scoped storage handle. One write per
// message: Upsert keyed on the heartbeat identity so at-least-once delivery
// stays idempotent at the storage layer.
type HeartbeatRepository interface {
	// Upsert inserts or replaces the heartbeat in the tenant's collection.
	Upsert(ctx context.Context, hb *entity.Heartbeat) error

	// Ping verifies the backend is reachable. Used to probe suspended
	// tenants before readmitting them.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close(ctx context.Context) error
}

// AssetStateStore keeps the latest heartbeat per asset for real-time
// lookups. Best effort: a failed state write never fails the pipeline.
type AssetStateStore interface {
	SetLatest(ctx context.Context, hb *entity.Heartbeat) error
	Close() error
}
