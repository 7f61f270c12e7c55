package entity

import (
	"fmt"
	"time"
)

// Heartbeat is a validated vehicle-telemetry heartbeat, immutable once it
// leaves the processor. TenantID is the routing key; Timestamp is always a
// normalized UTC instant regardless of how the source encoded it.
type Heartbeat struct {
	ID         string    `json:"id" bson:"_id"`
	TenantID   string    `json:"tenant_id" bson:"tenant_id"`
	AssetID    string    `json:"asset_id" bson:"asset_id"`
	DriverID   string    `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	DriverName string    `json:"driver_name,omitempty" bson:"driver_name,omitempty"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Location   *Location `json:"location,omitempty" bson:"location,omitempty"`
	Status     string    `json:"status,omitempty" bson:"status,omitempty"`

	// AdditionalData carries source fields the pipeline does not interpret
	// (odometer, fuel level, signal strength and so on).
	AdditionalData map[string]interface{} `json:"additional_data,omitempty" bson:"additional_data,omitempty"`

	IngestedAt time.Time `json:"ingested_at" bson:"ingested_at"`
}

// Location is a pair of geographic coordinates.
type Location struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

// Key returns the storage identity of the heartbeat. When the source did
// not supply an id, the identity is derived from tenant, asset and instant
// so replays of the same record upsert instead of duplicating.
func (h *Heartbeat) Key() string {
	if h.ID != "" {
		return h.ID
	}
	return fmt.Sprintf("%s:%s:%d", h.TenantID, h.AssetID, h.Timestamp.UnixMilli())
}

// AssetKey returns the live-state cache key for the heartbeat's asset.
func (h *Heartbeat) AssetKey() string {
	return "asset:" + h.AssetID
}
