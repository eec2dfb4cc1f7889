package model

import (
	"time"

	"github.com/google/uuid"
)

// Actions a feeder device reports to the collector.
const (
	ActionOpen     = "open"
	ActionClose    = "close"
	ActionError    = "error"
	ActionStartup  = "startup"
	ActionShutdown = "shutdown"
)

func ValidAction(a string) bool {
	switch a {
	case ActionOpen, ActionClose, ActionError, ActionStartup, ActionShutdown:
		return true
	}
	return false
}

// FeedingEvent is the wire record for one feeder action. The ID is assigned
// by the device before the first delivery attempt, so retries carry a stable
// identifier. Events are append-only; the collector never mutates them.
type FeedingEvent struct {
	ID        uuid.UUID      `json:"event_id"`
	DeviceID  string         `json:"device_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// DeviceConfig mirrors the device's feeding schedule on the collector.
// Pushed at device startup and on config reload, upserted by device_id.
type DeviceConfig struct {
	DeviceID        string   `json:"device_id"`
	FeedingTimes    []string `json:"feeding_times"`
	DurationMinutes int      `json:"duration_minutes"`
}

// Remote commands an operator can queue for a device.
const (
	CommandOpen  = "open"
	CommandClose = "close"
)

func ValidCommand(c string) bool {
	return c == CommandOpen || c == CommandClose
}
