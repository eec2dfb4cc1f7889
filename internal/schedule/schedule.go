package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 120
)

// ConfigError marks a malformed schedule. It is fatal at load time: the
// agent refuses to start rather than run with an undefined schedule.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid feeding schedule: " + e.Reason
}

// Entry is a single daily feeding instant, minute resolution, in the
// feeder's fixed civil timezone.
type Entry struct {
	Hour   int
	Minute int
}

func (e Entry) String() string {
	return fmt.Sprintf("%02d:%02d", e.Hour, e.Minute)
}

// At returns the civil instant of this entry on day's calendar date in loc.
func (e Entry) At(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), e.Hour, e.Minute, 0, 0, loc)
}

// Schedule is the ordered set of daily feeding instants plus the open
// duration. Pure data; the controller owns all behavior.
type Schedule struct {
	Entries      []Entry
	OpenDuration time.Duration
}

// New parses and validates a schedule. Times must be unique "HH:MM" strings;
// the duration must be within [MinDurationMinutes, MaxDurationMinutes].
func New(times []string, durationMinutes int) (Schedule, error) {
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return Schedule{}, &ConfigError{Reason: fmt.Sprintf("duration_minutes %d out of range %d..%d", durationMinutes, MinDurationMinutes, MaxDurationMinutes)}
	}
	if len(times) == 0 {
		return Schedule{}, &ConfigError{Reason: "no feeding times configured"}
	}

	seen := make(map[string]struct{}, len(times))
	entries := make([]Entry, 0, len(times))
	for _, raw := range times {
		e, err := ParseEntry(raw)
		if err != nil {
			return Schedule{}, err
		}
		if _, dup := seen[e.String()]; dup {
			return Schedule{}, &ConfigError{Reason: "duplicate feeding time " + e.String()}
		}
		seen[e.String()] = struct{}{}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hour != entries[j].Hour {
			return entries[i].Hour < entries[j].Hour
		}
		return entries[i].Minute < entries[j].Minute
	})

	return Schedule{Entries: entries, OpenDuration: time.Duration(durationMinutes) * time.Minute}, nil
}

// ParseEntry parses a single "HH:MM" time of day.
func ParseEntry(raw string) (Entry, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return Entry{}, &ConfigError{Reason: fmt.Sprintf("feeding time %q is not HH:MM", raw)}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Entry{}, &ConfigError{Reason: fmt.Sprintf("feeding time %q has invalid hour", raw)}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Entry{}, &ConfigError{Reason: fmt.Sprintf("feeding time %q has invalid minute", raw)}
	}
	return Entry{Hour: h, Minute: m}, nil
}

// MatchMinute returns the entry whose time of day equals t at minute
// resolution. t must already be in the schedule's civil timezone.
func (s Schedule) MatchMinute(t time.Time) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Hour == t.Hour() && e.Minute == t.Minute() {
			return e, true
		}
	}
	return Entry{}, false
}

// Times renders the schedule back to "HH:MM" strings.
func (s Schedule) Times() []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.String()
	}
	return out
}

// DayKey identifies one firing of one entry: the calendar date of the
// scheduled instant plus its time of day. A feeding that opens at 23:59 and
// closes past midnight keys on the day it was scheduled, not the day it
// closed.
func DayKey(scheduled time.Time) string {
	return scheduled.Format("2006-01-02 15:04")
}
