package controller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pyotel/chicken-feed/internal/clock"
	"github.com/pyotel/chicken-feed/internal/model"
	"github.com/pyotel/chicken-feed/internal/schedule"
)

type fakeDriver struct {
	openErr  error
	closeErr error
	calls    []string
}

func (d *fakeDriver) Open() error {
	d.calls = append(d.calls, "open")
	return d.openErr
}

func (d *fakeDriver) Close() error {
	d.calls = append(d.calls, "close")
	return d.closeErr
}

func (d *fakeDriver) Stop() error {
	d.calls = append(d.calls, "stop")
	return nil
}

type captureReporter struct {
	mu     sync.Mutex
	events []model.FeedingEvent
}

func (r *captureReporter) Submit(ev model.FeedingEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *captureReporter) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

func mustSchedule(t *testing.T, times []string, duration int) schedule.Schedule {
	t.Helper()
	s, err := schedule.New(times, duration)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return s
}

// walkMinutes ticks the controller once per simulated minute from start to
// end inclusive.
func walkMinutes(c *Controller, clk *clock.Manual, start, end time.Time) {
	for at := start; !at.After(end); at = at.Add(time.Minute) {
		clk.Set(at)
		c.Tick()
	}
}

func TestScenarioOpenThenClose(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 6, 59, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)

	walkMinutes(c, clk,
		time.Date(2026, 3, 2, 6, 59, 0, 0, loc),
		time.Date(2026, 3, 2, 7, 31, 0, 0, loc))

	got := rep.actions()
	if len(got) != 2 || got[0] != model.ActionOpen || got[1] != model.ActionClose {
		t.Fatalf("expected [open close], got %v", got)
	}
	if !rep.events[0].Timestamp.Equal(time.Date(2026, 3, 2, 7, 0, 0, 0, loc)) {
		t.Fatalf("open fired at %v, expected 07:00", rep.events[0].Timestamp)
	}
	if !rep.events[1].Timestamp.Equal(time.Date(2026, 3, 2, 7, 30, 0, 0, loc)) {
		t.Fatalf("close fired at %v, expected 07:30", rep.events[1].Timestamp)
	}
	if c.State() != Idle {
		t.Fatalf("expected Idle after cycle, got %v", c.State())
	}
}

func TestFiresAtMostOncePerDayPerEntry(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 6, 59, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 1), loc, clk, drv, rep)

	// Tick several times within the matching minute and again after closing.
	for _, at := range []time.Time{
		time.Date(2026, 3, 2, 7, 0, 0, 0, loc),
		time.Date(2026, 3, 2, 7, 0, 20, 0, loc),
		time.Date(2026, 3, 2, 7, 0, 40, 0, loc),
		time.Date(2026, 3, 2, 7, 1, 0, 0, loc),
		time.Date(2026, 3, 2, 7, 2, 0, 0, loc),
	} {
		clk.Set(at)
		c.Tick()
	}
	got := rep.actions()
	if len(got) != 2 || got[0] != model.ActionOpen || got[1] != model.ActionClose {
		t.Fatalf("expected exactly one open/close pair, got %v", got)
	}

	// The next day the same entry fires again under a fresh key.
	clk.Set(time.Date(2026, 3, 3, 7, 0, 0, 0, loc))
	c.Tick()
	if got := rep.actions(); len(got) != 3 || got[2] != model.ActionOpen {
		t.Fatalf("expected a new open the next day, got %v", got)
	}
}

func TestMultipleEntriesFireInOrder(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 6, 59, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00", "08:00"}, 30), loc, clk, drv, rep)

	walkMinutes(c, clk,
		time.Date(2026, 3, 2, 6, 59, 0, 0, loc),
		time.Date(2026, 3, 2, 8, 31, 0, 0, loc))

	got := rep.actions()
	want := []string{model.ActionOpen, model.ActionClose, model.ActionOpen, model.ActionClose}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOpenFaultEmitsErrorAndSkipsClose(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 0, 0, 0, loc))
	drv := &fakeDriver{openErr: errors.New("servo stalled")}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)

	walkMinutes(c, clk,
		time.Date(2026, 3, 2, 7, 0, 0, 0, loc),
		time.Date(2026, 3, 2, 7, 45, 0, 0, loc))

	got := rep.actions()
	if len(got) != 1 || got[0] != model.ActionError {
		t.Fatalf("expected a single error event, got %v", got)
	}
	if c.State() != Fault {
		t.Fatalf("expected Fault, got %v", c.State())
	}
	// The safe default after a fault is commanding stop, never close.
	for _, call := range drv.calls {
		if call == "close" {
			t.Fatal("close must not run after a failed open")
		}
	}
	if drv.calls[len(drv.calls)-1] != "stop" {
		t.Fatalf("expected terminal stop call, got %v", drv.calls)
	}
}

func TestFaultIsStickyUntilCleared(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 0, 0, 0, loc))
	drv := &fakeDriver{openErr: errors.New("servo stalled")}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00", "08:00"}, 30), loc, clk, drv, rep)

	clk.Set(time.Date(2026, 3, 2, 7, 0, 0, 0, loc))
	c.Tick()
	if c.State() != Fault {
		t.Fatalf("expected Fault, got %v", c.State())
	}

	// The 08:00 entry must not fire while the fault stands.
	drv.openErr = nil
	clk.Set(time.Date(2026, 3, 2, 8, 0, 0, 0, loc))
	c.Tick()
	if got := rep.actions(); len(got) != 1 {
		t.Fatalf("expected no firing while faulted, got %v", got)
	}

	c.ClearFault()
	clk.Set(time.Date(2026, 3, 2, 8, 0, 30, 0, loc))
	c.Tick()
	if got := rep.actions(); len(got) != 2 || got[1] != model.ActionOpen {
		t.Fatalf("expected open after fault cleared, got %v", got)
	}
}

func TestRestartRecoversLateOpen(t *testing.T) {
	loc := time.UTC
	// Process comes up two minutes after the scheduled open with a 30 minute
	// window still in progress.
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 2, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)
	c.Start()

	got := rep.actions()
	if len(got) != 2 || got[0] != model.ActionStartup || got[1] != model.ActionOpen {
		t.Fatalf("expected [startup open], got %v", got)
	}
	if rep.events[1].Details["late"] != true {
		t.Fatalf("expected late=true detail, got %v", rep.events[1].Details)
	}

	// The close deadline stays anchored to the original schedule: 07:30.
	walkMinutes(c, clk,
		time.Date(2026, 3, 2, 7, 3, 0, 0, loc),
		time.Date(2026, 3, 2, 7, 31, 0, 0, loc))
	got = rep.actions()
	if got[len(got)-1] != model.ActionClose {
		t.Fatalf("expected close after recovery, got %v", got)
	}
	if !rep.events[len(rep.events)-1].Timestamp.Equal(time.Date(2026, 3, 2, 7, 30, 0, 0, loc)) {
		t.Fatalf("close fired at %v, expected 07:30", rep.events[len(rep.events)-1].Timestamp)
	}
}

func TestRestartOutsideWindowDoesNotFire(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 31, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)
	c.Start()

	got := rep.actions()
	if len(got) != 1 || got[0] != model.ActionStartup {
		t.Fatalf("expected startup only, got %v", got)
	}
}

func TestMidnightBoundaryClosesNextDay(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 23, 58, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"23:59"}, 30), loc, clk, drv, rep)

	walkMinutes(c, clk,
		time.Date(2026, 3, 2, 23, 58, 0, 0, loc),
		time.Date(2026, 3, 3, 0, 30, 0, 0, loc))

	got := rep.actions()
	if len(got) != 2 || got[0] != model.ActionOpen || got[1] != model.ActionClose {
		t.Fatalf("expected [open close], got %v", got)
	}
	if !rep.events[1].Timestamp.Equal(time.Date(2026, 3, 3, 0, 29, 0, 0, loc)) {
		t.Fatalf("close fired at %v, expected 00:29 next day", rep.events[1].Timestamp)
	}

	// The next evening's 23:59 fires again: the day key tracked the
	// scheduled date, not the close date.
	clk.Set(time.Date(2026, 3, 3, 23, 59, 0, 0, loc))
	c.Tick()
	if got := rep.actions(); len(got) != 3 || got[2] != model.ActionOpen {
		t.Fatalf("expected a fresh open on the next day, got %v", got)
	}
}

func TestRecoveryAcrossMidnight(t *testing.T) {
	loc := time.UTC
	// Restart at 00:10 inside yesterday's 23:59+30m window.
	clk := clock.NewManual(time.Date(2026, 3, 3, 0, 10, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"23:59"}, 30), loc, clk, drv, rep)
	c.Start()

	got := rep.actions()
	if len(got) != 2 || got[1] != model.ActionOpen {
		t.Fatalf("expected recovered open, got %v", got)
	}
	if rep.events[1].Details["late"] != true {
		t.Fatal("expected late=true on recovered open")
	}

	walkMinutes(c, clk,
		time.Date(2026, 3, 3, 0, 11, 0, 0, loc),
		time.Date(2026, 3, 3, 0, 30, 0, 0, loc))
	got = rep.actions()
	if got[len(got)-1] != model.ActionClose {
		t.Fatalf("expected close at original deadline, got %v", got)
	}
}

func TestUpdateConfigSwapsScheduleAndClearsFault(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 7, 0, 0, 0, loc))
	drv := &fakeDriver{openErr: errors.New("servo stalled")}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)

	c.Tick()
	if c.State() != Fault {
		t.Fatalf("expected Fault, got %v", c.State())
	}

	drv.openErr = nil
	c.UpdateConfig(mustSchedule(t, []string{"09:00"}, 15))
	if c.State() != Idle {
		t.Fatalf("expected reload to clear the fault, got %v", c.State())
	}

	// The old 07:00 entry is gone; the new 09:00 entry fires.
	clk.Set(time.Date(2026, 3, 3, 7, 0, 0, 0, loc))
	c.Tick()
	clk.Set(time.Date(2026, 3, 3, 9, 0, 0, 0, loc))
	c.Tick()
	got := rep.actions()
	if len(got) != 2 || got[1] != model.ActionOpen {
		t.Fatalf("expected only the new entry to fire, got %v", got)
	}
}

func TestForcedCommandsBypassSchedule(t *testing.T) {
	loc := time.UTC
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, loc))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)

	if err := c.ForceOpen(); err != nil {
		t.Fatalf("force open: %v", err)
	}
	if c.State() != Open {
		t.Fatalf("expected Open, got %v", c.State())
	}
	if err := c.ForceClose(); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected Idle, got %v", c.State())
	}

	got := rep.actions()
	if len(got) != 2 || got[0] != model.ActionOpen || got[1] != model.ActionClose {
		t.Fatalf("expected [open close], got %v", got)
	}
	if rep.events[0].Details["forced"] != true || rep.events[1].Details["forced"] != true {
		t.Fatal("expected forced=true details")
	}
}

func TestCivilTimezoneIndependentOfHostClock(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// Host clock reports UTC; 07:00 KST is 22:00 UTC the previous day.
	clk := clock.NewManual(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))
	drv := &fakeDriver{}
	rep := &captureReporter{}
	c := New("feeder-1", mustSchedule(t, []string{"07:00"}, 30), loc, clk, drv, rep)

	c.Tick()
	got := rep.actions()
	if len(got) != 1 || got[0] != model.ActionOpen {
		t.Fatalf("expected open at 07:00 KST, got %v", got)
	}
}
