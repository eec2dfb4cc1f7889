package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FeedingEvent is one appended row of the device event log. Rows are never
// updated or deleted.
type FeedingEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   string         `gorm:"index:idx_feeding_events_device_ts,priority:1" json:"device_id"`
	Action     string         `json:"action"`
	TS         time.Time      `gorm:"index:idx_feeding_events_device_ts,priority:2" json:"ts"`
	Details    datatypes.JSON `json:"details"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// DeviceConfig mirrors a device's schedule. Upserted on registration and
// config push, superseded in place, never deleted.
type DeviceConfig struct {
	DeviceID        string         `gorm:"primaryKey" json:"device_id"`
	FeedingTimes    datatypes.JSON `json:"feeding_times"`
	DurationMinutes int            `json:"duration_minutes"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Times decodes the stored feeding times back to "HH:MM" strings.
func (d DeviceConfig) Times() ([]string, error) {
	var out []string
	if err := json.Unmarshal(d.FeedingTimes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MissedFeedingIncident records a scheduled feeding for which no open event
// arrived within the grace window. The unique index on (device_id,
// scheduled_time) makes detection idempotent: repeated detector runs for
// the same minute insert at most one row.
type MissedFeedingIncident struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID      string    `gorm:"uniqueIndex:idx_missed_device_scheduled,priority:1" json:"device_id"`
	ScheduledTime time.Time `gorm:"uniqueIndex:idx_missed_device_scheduled,priority:2" json:"scheduled_time"`
	DetectedAt    time.Time `json:"detected_at"`
	Resolved      bool      `json:"resolved"`
}
