package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pyotel/chicken-feed/internal/clock"
	"github.com/pyotel/chicken-feed/internal/model"
	"github.com/pyotel/chicken-feed/internal/observability"
	"github.com/pyotel/chicken-feed/internal/schedule"
)

// State is the actuator lifecycle as seen by the controller. Transient and
// owned exclusively by this controller; never persisted.
type State int

const (
	Idle State = iota
	Opening
	Open
	Closing
	Fault
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Fault:
		return "fault"
	}
	return "unknown"
}

// Driver is the motion interface the controller commands. Motions are
// synchronous timed pulses; blocking inside a tick is acceptable because
// nothing else contends for the actuator.
type Driver interface {
	Open() error
	Close() error
	Stop() error
}

// Reporter receives feeding events for asynchronous delivery. Submit must
// not block the tick loop.
type Reporter interface {
	Submit(model.FeedingEvent)
}

// firedRetention bounds the fired-key set. Keys older than this can never
// match again (firing is per calendar day), so they are pruned.
const firedRetention = 48 * time.Hour

// Controller drives the feed gate through each scheduled open/close cycle
// exactly once per schedule entry per calendar day, despite coarse polling
// and actuator faults.
type Controller struct {
	deviceID string
	loc      *time.Location
	clk      clock.Clock
	driver   Driver
	rep      Reporter

	mu      sync.Mutex
	sched   schedule.Schedule
	state   State
	closeAt time.Time
	fired   map[string]time.Time // day key -> scheduled instant
}

func New(deviceID string, sched schedule.Schedule, loc *time.Location, clk clock.Clock, driver Driver, rep Reporter) *Controller {
	return &Controller{
		deviceID: deviceID,
		loc:      loc,
		clk:      clk,
		driver:   driver,
		rep:      rep,
		sched:    sched,
		state:    Idle,
		fired:    make(map[string]time.Time),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start emits the startup event and recovers any feeding window that was
// already open when the process came up (restart mid-window).
func (c *Controller) Start() {
	c.mu.Lock()
	times := c.sched.Times()
	duration := int(c.sched.OpenDuration / time.Minute)
	c.mu.Unlock()

	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionStartup,
		Timestamp: c.clk.Now().UTC(),
		Details: map[string]any{
			"feeding_times":    times,
			"duration_minutes": duration,
		},
	})
	c.recoverOpenWindow()
}

// Run polls on interval until ctx is cancelled, then shuts down gracefully:
// an in-progress motion finishes (motions block inside the tick), an open
// gate is closed, and a best-effort shutdown event is emitted.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	c.Start()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-t.C:
			c.Tick()
		}
	}
}

// Tick runs one polling pass: close an elapsed window, then fire any entry
// matching the current civil minute that has not fired today.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now().In(c.loc)
	c.pruneFired(now)

	switch c.state {
	case Fault:
		return
	case Open:
		if !now.Before(c.closeAt) {
			c.closeGate(now, nil)
		}
		return
	case Idle:
		entry, ok := c.sched.MatchMinute(now)
		if !ok {
			return
		}
		scheduled := entry.At(now, c.loc)
		key := schedule.DayKey(scheduled)
		if _, done := c.fired[key]; done {
			return
		}
		c.openGate(now, scheduled, false)
	}
}

// recoverOpenWindow fires a late open if the process started inside a
// still-open feeding window. The scheduled instants of both today and
// yesterday are considered, so a window spanning midnight is recovered too.
func (c *Controller) recoverOpenWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return
	}
	now := c.clk.Now().In(c.loc)
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		for _, entry := range c.sched.Entries {
			scheduled := entry.At(day, c.loc)
			if now.Before(scheduled) || !now.Before(scheduled.Add(c.sched.OpenDuration)) {
				continue
			}
			if _, done := c.fired[schedule.DayKey(scheduled)]; done {
				continue
			}
			slog.Info("recovering missed open", "device_id", c.deviceID, "scheduled", scheduled.Format(time.RFC3339))
			c.openGate(now, scheduled, true)
			return
		}
	}
}

// openGate transitions Idle -> Opening -> Open. late marks a recovered open
// fired after its scheduled instant; its close deadline stays anchored to
// the original schedule. Caller holds the lock.
func (c *Controller) openGate(now, scheduled time.Time, late bool) {
	c.state = Opening
	key := schedule.DayKey(scheduled)
	c.fired[key] = scheduled

	if err := c.driver.Open(); err != nil {
		c.enterFault(now, "open", err)
		return
	}

	if late {
		c.closeAt = scheduled.Add(c.sched.OpenDuration)
	} else {
		c.closeAt = now.Add(c.sched.OpenDuration)
	}
	c.state = Open
	observability.FeedingsFired.Inc()

	details := map[string]any{"duration_minutes": int(c.sched.OpenDuration / time.Minute)}
	if late {
		details["late"] = true
	}
	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionOpen,
		Timestamp: now.UTC(),
		Details:   details,
	})
	slog.Info("feed gate opened", "device_id", c.deviceID, "key", key, "close_at", c.closeAt.Format(time.RFC3339), "late", late)
}

// closeGate transitions Open -> Closing -> Idle. Caller holds the lock.
// extra is merged into the close event details (e.g. forced=true).
func (c *Controller) closeGate(now time.Time, extra map[string]any) {
	c.state = Closing
	if err := c.driver.Close(); err != nil {
		c.enterFault(now, "close", err)
		return
	}
	c.state = Idle
	c.closeAt = time.Time{}

	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionClose,
		Timestamp: now.UTC(),
		Details:   extra,
	})
	slog.Info("feed gate closed", "device_id", c.deviceID)
}

// enterFault records a sticky fault: the error event is emitted, the motor
// is commanded to neutral, and scheduling halts until ClearFault. Caller
// holds the lock.
func (c *Controller) enterFault(now time.Time, op string, err error) {
	c.state = Fault
	observability.ActuatorFaults.Inc()
	if stopErr := c.driver.Stop(); stopErr != nil {
		slog.Error("actuator stop on fault path failed", "error", stopErr)
	}
	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionError,
		Timestamp: now.UTC(),
		Details:   map[string]any{"op": op, "message": err.Error()},
	})
	slog.Error("actuator fault, scheduling halted", "device_id", c.deviceID, "op", op, "error", err)
}

// ClearFault resumes scheduling after an operator or config reload resolves
// the underlying condition. Faults never auto-clear on the next tick.
func (c *Controller) ClearFault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Fault {
		return
	}
	c.state = Idle
	c.closeAt = time.Time{}
	slog.Info("actuator fault cleared", "device_id", c.deviceID)
}

// UpdateConfig swaps in a new validated schedule and clears a sticky fault.
func (c *Controller) UpdateConfig(sched schedule.Schedule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched = sched
	if c.state == Fault {
		c.state = Idle
		c.closeAt = time.Time{}
	}
	slog.Info("feeding schedule updated", "device_id", c.deviceID, "times", sched.Times())
}

// ForceOpen executes an operator-requested open immediately. It does not
// consume a schedule key: the next scheduled feeding still fires.
func (c *Controller) ForceOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Fault {
		return errors.New("controller is in fault state")
	}
	if c.state == Open {
		return nil
	}
	now := c.clk.Now().In(c.loc)
	c.state = Opening
	if err := c.driver.Open(); err != nil {
		c.enterFault(now, "open", err)
		return err
	}
	c.state = Open
	c.closeAt = now.Add(c.sched.OpenDuration)
	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionOpen,
		Timestamp: now.UTC(),
		Details:   map[string]any{"forced": true, "duration_minutes": int(c.sched.OpenDuration / time.Minute)},
	})
	slog.Info("feed gate force-opened", "device_id", c.deviceID)
	return nil
}

// ForceClose executes an operator-requested close immediately.
func (c *Controller) ForceClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Fault {
		return errors.New("controller is in fault state")
	}
	if c.state == Idle {
		return nil
	}
	now := c.clk.Now().In(c.loc)
	c.closeGate(now, map[string]any{"forced": true})
	if c.state == Fault {
		return errors.New("actuator fault during forced close")
	}
	return nil
}

// shutdown closes an open gate and emits the shutdown event. Delivery of
// this one event is best-effort; the process is exiting.
func (c *Controller) shutdown() {
	c.mu.Lock()
	now := c.clk.Now().In(c.loc)
	if c.state == Open {
		c.closeGate(now, map[string]any{"reason": "shutdown"})
	}
	c.mu.Unlock()

	c.rep.Submit(model.FeedingEvent{
		DeviceID:  c.deviceID,
		Action:    model.ActionShutdown,
		Timestamp: c.clk.Now().UTC(),
	})
	slog.Info("feeding controller stopped", "device_id", c.deviceID)
}

// pruneFired drops keys that can never match again. Caller holds the lock.
func (c *Controller) pruneFired(now time.Time) {
	for key, scheduled := range c.fired {
		if now.Sub(scheduled) > firedRetention {
			delete(c.fired, key)
		}
	}
}
