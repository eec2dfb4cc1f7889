package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest is one device's deployment record in a fleet repo: which feeder
// it is, when it feeds, and the servo calibration flashed to it.
type Manifest struct {
	SchemaVersion   int      `json:"schema_version"`
	DeviceID        string   `json:"device_id"`
	CollectorURL    string   `json:"collector_url"`
	Timezone        string   `json:"timezone"`
	FeedingTimes    []string `json:"feeding_times"`
	DurationMinutes int      `json:"duration_minutes"`

	Servo struct {
		StopDuty        float64 `json:"stop_duty"`
		CWDuty          float64 `json:"cw_duty"`
		CCWDuty         float64 `json:"ccw_duty"`
		RotationSeconds float64 `json:"rotation_seconds"`
	} `json:"servo"`
}

func main() {
	var (
		repoRoot    = flag.String("repo-root", ".", "path to the fleet repo root")
		devicesPath = flag.String("devices", "devices", "directory of device manifests")
		schemaPath  = flag.String("schema", "feeder-device.schema.json", "path to schema")
	)
	flag.Parse()

	failures := 0
	fail := func(format string, args ...any) {
		failures++
		fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	}
	warn := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "WARN: "+format+"\n", args...)
	}

	rel := func(p string) string { return filepath.Join(*repoRoot, filepath.FromSlash(p)) }

	dir := rel(*devicesPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		fail("read devices directory %s: %v", dir, err)
		exit(failures)
	}

	compiler := jsonschema.NewCompiler()
	schemaBytes, err := os.ReadFile(rel(*schemaPath))
	if err != nil {
		fail("read schema: %v", err)
		exit(failures)
	}
	if err := compiler.AddResource("schema.json", strings.NewReader(string(schemaBytes))); err != nil {
		fail("load schema: %v", err)
		exit(failures)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		fail("compile schema: %v", err)
		exit(failures)
	}

	idRe := regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,62}[a-z0-9]$`)
	timeRe := regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

	seenIDs := map[string]string{}
	checked := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		checked++
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			fail("read %s: %v", e.Name(), err)
			continue
		}

		var raw any
		if err := json.Unmarshal(b, &raw); err != nil {
			fail("%s is not valid JSON: %v", e.Name(), err)
			continue
		}
		if err := schema.Validate(raw); err != nil {
			fail("%s does not match schema: %v", e.Name(), err)
		}

		var m Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			fail("parse %s: %v", e.Name(), err)
			continue
		}

		if !idRe.MatchString(m.DeviceID) {
			fail("%s: device_id %q does not match required pattern", e.Name(), m.DeviceID)
		}
		if prev, dup := seenIDs[m.DeviceID]; dup {
			fail("%s: device_id %q already declared in %s", e.Name(), m.DeviceID, prev)
		} else {
			seenIDs[m.DeviceID] = e.Name()
		}

		if len(m.FeedingTimes) == 0 {
			fail("%s: feeding_times must not be empty", e.Name())
		}
		seenTimes := map[string]bool{}
		for _, ft := range m.FeedingTimes {
			if !timeRe.MatchString(ft) {
				fail("%s: feeding time %q is not HH:MM", e.Name(), ft)
				continue
			}
			if seenTimes[ft] {
				fail("%s: duplicate feeding time %q", e.Name(), ft)
			}
			seenTimes[ft] = true
		}
		if m.DurationMinutes < 1 || m.DurationMinutes > 120 {
			fail("%s: duration_minutes %d out of range 1..120", e.Name(), m.DurationMinutes)
		}

		if u := strings.TrimSpace(m.CollectorURL); u != "" {
			low := strings.ToLower(u)
			if !strings.HasPrefix(low, "http://") && !strings.HasPrefix(low, "https://") {
				fail("%s: collector_url must be http(s): got %q", e.Name(), u)
			} else if strings.HasPrefix(low, "http://") && !strings.Contains(low, "localhost") && !strings.Contains(low, "127.0.0.1") {
				warn("%s: collector_url %q is plain http to a remote host", e.Name(), u)
			}
		}

		s := m.Servo
		for name, duty := range map[string]float64{"stop_duty": s.StopDuty, "cw_duty": s.CWDuty, "ccw_duty": s.CCWDuty} {
			if duty <= 0 || duty >= 100 {
				fail("%s: servo.%s %.2f out of range (0, 100)", e.Name(), name, duty)
			}
		}
		// Neutral must sit strictly between the two drive values or the
		// gate never stops moving.
		lo, hi := s.CCWDuty, s.CWDuty
		if lo > hi {
			lo, hi = hi, lo
		}
		if s.StopDuty <= lo || s.StopDuty >= hi {
			fail("%s: servo.stop_duty %.2f must lie between ccw_duty %.2f and cw_duty %.2f", e.Name(), s.StopDuty, s.CCWDuty, s.CWDuty)
		}
		if s.RotationSeconds <= 0 || s.RotationSeconds > 30 {
			fail("%s: servo.rotation_seconds %.2f out of range (0, 30]", e.Name(), s.RotationSeconds)
		}
	}

	if checked == 0 {
		fail("no device manifests found under %s", dir)
	}
	if failures == 0 {
		fmt.Printf("OK: %d device manifest(s) verified\n", checked)
	}
	exit(failures)
}

func exit(failures int) {
	if failures > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}
