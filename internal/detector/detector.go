// Package detector sweeps mirrored device schedules and records an incident
// for every scheduled feeding that produced no open event within the grace
// window.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pyotel/chicken-feed/internal/clock"
	"github.com/pyotel/chicken-feed/internal/observability"
	"github.com/pyotel/chicken-feed/internal/schedule"
	"github.com/pyotel/chicken-feed/internal/store"
)

// MinGracePeriod keeps the sweep from racing the device's own minute tick.
const MinGracePeriod = 5 * time.Minute

// Store is the slice of the repository the detector reads and writes.
type Store interface {
	ListDeviceConfigs(ctx context.Context) ([]store.DeviceConfig, error)
	HasOpenEvent(ctx context.Context, deviceID string, from, to time.Time) (bool, error)
	InsertIncident(ctx context.Context, inc *store.MissedFeedingIncident) (bool, error)
}

type Detector struct {
	store Store
	loc   *time.Location
	grace time.Duration
	clk   clock.Clock
	cron  *cron.Cron
}

func New(st Store, loc *time.Location, grace time.Duration, clk clock.Clock) *Detector {
	if grace < MinGracePeriod {
		slog.Warn("grace period below minimum, clamping", "requested", grace, "minimum", MinGracePeriod)
		grace = MinGracePeriod
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Detector{store: st, loc: loc, grace: grace, clk: clk}
}

func (d *Detector) Start(ctx context.Context) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc("@every 1m", func() {
		d.CheckOnce(ctx, d.clk.Now())
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	slog.Info("missed-feeding detector started", "grace_period", d.grace)
	return nil
}

func (d *Detector) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// CheckOnce examines the schedule entries whose grace window ends at the
// current minute. A sweep that cannot read configs is skipped; the next
// sweep covers a fresh minute, so a transient store failure costs at most
// one minute of detection per entry.
func (d *Detector) CheckOnce(ctx context.Context, now time.Time) {
	configs, err := d.store.ListDeviceConfigs(ctx)
	if err != nil {
		slog.Warn("detector sweep skipped, cannot list device configs", "error", err)
		observability.DetectorCycleSkips.Inc()
		return
	}

	target := now.In(d.loc).Add(-d.grace)
	for _, cfg := range configs {
		times, err := cfg.Times()
		if err != nil {
			slog.Warn("skipping device with malformed feeding times", "device_id", cfg.DeviceID, "error", err)
			continue
		}
		sched, err := schedule.New(times, cfg.DurationMinutes)
		if err != nil {
			slog.Warn("skipping device with invalid schedule", "device_id", cfg.DeviceID, "error", err)
			continue
		}
		for _, e := range sched.Entries {
			if e.Hour != target.Hour() || e.Minute != target.Minute() {
				continue
			}
			d.checkEntry(ctx, cfg.DeviceID, e.At(target, d.loc))
		}
	}
}

func (d *Detector) checkEntry(ctx context.Context, deviceID string, scheduled time.Time) {
	found, err := d.store.HasOpenEvent(ctx, deviceID, scheduled.UTC(), scheduled.Add(d.grace).UTC())
	if err != nil {
		slog.Warn("detector check skipped, cannot query events", "device_id", deviceID, "scheduled", scheduled, "error", err)
		observability.DetectorCycleSkips.Inc()
		return
	}
	if found {
		return
	}

	created, err := d.store.InsertIncident(ctx, &store.MissedFeedingIncident{
		ID:            uuid.New(),
		DeviceID:      deviceID,
		ScheduledTime: scheduled.UTC(),
		DetectedAt:    d.clk.Now().UTC(),
	})
	if err != nil {
		slog.Warn("cannot record missed feeding", "device_id", deviceID, "scheduled", scheduled, "error", err)
		return
	}
	if created {
		observability.IncidentsCreated.Inc()
		slog.Info("missed feeding detected", "device_id", deviceID, "scheduled", scheduled)
	}
}
