package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pyotel/chicken-feed/internal/model"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&FeedingEvent{}, &DeviceConfig{}, &MissedFeedingIncident{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) InsertEvent(ctx context.Context, ev *FeedingEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(ev).Error
}

// ListEvents returns the device's events, most recent first.
func (r *Repo) ListEvents(ctx context.Context, deviceID string, limit int) ([]FeedingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var rows []FeedingEvent
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "ts"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}}).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// EventsSince returns the device's events at or after cutoff, oldest first.
func (r *Repo) EventsSince(ctx context.Context, deviceID string, cutoff time.Time) ([]FeedingEvent, error) {
	var rows []FeedingEvent
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND ts >= ?", deviceID, cutoff).
		Order("ts asc").
		Find(&rows).Error
	return rows, err
}

// HasOpenEvent reports whether an open event for the device exists in
// [from, to].
func (r *Repo) HasOpenEvent(ctx context.Context, deviceID string, from, to time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&FeedingEvent{}).
		Where("device_id = ? AND action = ? AND ts >= ? AND ts <= ?", deviceID, model.ActionOpen, from, to).
		Count(&count).Error
	return count > 0, err
}

// UpsertDeviceConfig inserts or replaces the device's mirrored schedule.
func (r *Repo) UpsertDeviceConfig(ctx context.Context, deviceID string, feedingTimes []string, durationMinutes int) error {
	b, err := json.Marshal(feedingTimes)
	if err != nil {
		return err
	}
	row := DeviceConfig{
		DeviceID:        deviceID,
		FeedingTimes:    b,
		DurationMinutes: durationMinutes,
		UpdatedAt:       time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"feeding_times", "duration_minutes", "updated_at"}),
		}).
		Create(&row).Error
}

func (r *Repo) GetDeviceConfig(ctx context.Context, deviceID string) (*DeviceConfig, error) {
	var row DeviceConfig
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListDeviceConfigs(ctx context.Context) ([]DeviceConfig, error) {
	var rows []DeviceConfig
	err := r.db.WithContext(ctx).Order("device_id asc").Find(&rows).Error
	return rows, err
}

// InsertIncident records a missed feeding if no row exists for the same
// (device_id, scheduled_time). Returns whether a new row was created; a
// conflict with an existing row is not an error.
func (r *Repo) InsertIncident(ctx context.Context, inc *MissedFeedingIncident) (bool, error) {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "scheduled_time"}},
			DoNothing: true,
		}).
		Create(inc)
	return res.RowsAffected > 0, res.Error
}

// ListIncidents returns the device's incidents with a scheduled time inside
// [dayStart, dayEnd).
func (r *Repo) ListIncidents(ctx context.Context, deviceID string, dayStart, dayEnd time.Time) ([]MissedFeedingIncident, error) {
	var rows []MissedFeedingIncident
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND scheduled_time >= ? AND scheduled_time < ?", deviceID, dayStart, dayEnd).
		Order("scheduled_time asc").
		Find(&rows).Error
	return rows, err
}

// ResolveIncident flips the incident's resolved flag, the only mutation the
// incident table allows. Returns whether the incident existed.
func (r *Repo) ResolveIncident(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&MissedFeedingIncident{}).
		Where("id = ?", id).
		Update("resolved", true)
	return res.RowsAffected > 0, res.Error
}
