// Package processor turns raw log records into validated heartbeats. It is
// a pure transformation: no I/O, no retries, no shared state.
package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
)

// PoisonReason identifies why a message can never be processed.
type PoisonReason string

const (
	ReasonNoTenant      PoisonReason = "no_tenant"
	ReasonBadTimestamp  PoisonReason = "bad_timestamp"
	ReasonSchemaInvalid PoisonReason = "schema_invalid"
)

// PoisonError marks a message as unprocessable. Poison messages are counted
// and dropped; they are never retried and never reach storage.
type PoisonError struct {
	Reason PoisonReason
	Detail string
}

// Error implements the error interface.
func (e *PoisonError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("poison message (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("poison message (%s)", e.Reason)
}

// timestampLayouts are the textual encodings the upstream feed is known to
// emit. Tried in order; first match wins.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// rawHeartbeat mirrors the wire schema. Timestamp stays raw because the feed
// sends it as an RFC3339 string, a space-separated string, or a unix number
// depending on the producer version.
type rawHeartbeat struct {
	ID             string                 `json:"id"`
	HeartbeatID    string                 `json:"heartbeat_id"`
	TenantID       string                 `json:"tenant_id"`
	AssetID        string                 `json:"asset_id"`
	DriverID       string                 `json:"driver_id"`
	DriverName     string                 `json:"driver_name"`
	Timestamp      json.RawMessage        `json:"timestamp"`
	Location       *rawLocation           `json:"location"`
	Status         string                 `json:"status"`
	AdditionalData map[string]interface{} `json:"additional_data"`
}

type rawLocation struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Processor validates and normalizes raw heartbeat records.
type Processor struct {
	now func() time.Time
}

// New creates a processor.
func New() *Processor {
	return &Processor{now: time.Now}
}

// Process decodes raw bytes into a validated heartbeat. A nil heartbeat with
// a non-nil PoisonError means the record is unprocessable; the caller must
// drop it and advance the offset.
func (p *Processor) Process(raw []byte) (*entity.Heartbeat, *PoisonError) {
	var rec rawHeartbeat
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &PoisonError{Reason: ReasonSchemaInvalid, Detail: err.Error()}
	}

	tenantID := strings.TrimSpace(rec.TenantID)
	if tenantID == "" {
		return nil, &PoisonError{Reason: ReasonNoTenant}
	}

	if len(rec.Timestamp) == 0 {
		return nil, &PoisonError{Reason: ReasonBadTimestamp, Detail: "timestamp missing"}
	}
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, &PoisonError{Reason: ReasonBadTimestamp, Detail: err.Error()}
	}

	id := rec.ID
	if id == "" {
		id = rec.HeartbeatID
	}

	hb := &entity.Heartbeat{
		ID:             id,
		TenantID:       tenantID,
		AssetID:        rec.AssetID,
		DriverID:       rec.DriverID,
		DriverName:     rec.DriverName,
		Timestamp:      ts,
		Status:         rec.Status,
		AdditionalData: rec.AdditionalData,
		IngestedAt:     p.now().UTC(),
	}

	if rec.Location != nil && rec.Location.Latitude != nil && rec.Location.Longitude != nil {
		hb.Location = &entity.Location{
			Latitude:  *rec.Location.Latitude,
			Longitude: *rec.Location.Longitude,
		}
	}

	return hb, nil
}

// parseTimestamp normalizes the supported timestamp encodings to UTC.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := strings.TrimSpace(string(raw))

	// A JSON null would otherwise decode as numeric zero and stamp the
	// record with the epoch.
	if trimmed == "" || trimmed == "null" {
		return time.Time{}, fmt.Errorf("timestamp is null")
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp value: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, fmt.Errorf("timestamp is empty")
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		// Some producers send unix time quoted as a string.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp value: %s", trimmed)
	}
	return unixTime(n), nil
}

// unixTime interprets a numeric timestamp as seconds or milliseconds based
// on magnitude. Anything past year 2286 in seconds is milliseconds.
func unixTime(n int64) time.Time {
	if n > 1e10 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
