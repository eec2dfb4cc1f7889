package actuator

import (
	"fmt"
	"log/slog"
	"time"
)

// PWM is the duty-cycle output driving the continuous-rotation servo.
// Duty is a percentage of the 20ms servo period (e.g. 7.5 = 1.5ms neutral).
type PWM interface {
	SetDuty(percent float64) error
}

// Fault reports a motion that did not complete as commanded. The controller
// treats it as sticky: scheduling halts until an operator or config reload
// clears it.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("actuator %s failed: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Config carries the motion control values. The servo has no position
// feedback, so open/close are fixed timed pulses rather than closed-loop
// moves.
type Config struct {
	StopDuty     float64
	CWDuty       float64
	CCWDuty      float64
	RotationTime time.Duration
}

// Driver turns the gate motor through timed pulses. Motions are synchronous
// and block for RotationTime; nothing else contends for the actuator.
type Driver struct {
	pwm   PWM
	cfg   Config
	sleep func(time.Duration)
}

func NewDriver(pwm PWM, cfg Config) *Driver {
	return &Driver{pwm: pwm, cfg: cfg, sleep: time.Sleep}
}

// Open pulses the motor clockwise for the configured rotation time.
func (d *Driver) Open() error {
	return d.pulse("open", d.cfg.CWDuty)
}

// Close pulses the motor counter-clockwise for the configured rotation time.
func (d *Driver) Close() error {
	return d.pulse("close", d.cfg.CCWDuty)
}

// Stop commands the neutral control value, de-energizing the motor.
func (d *Driver) Stop() error {
	if err := d.pwm.SetDuty(d.cfg.StopDuty); err != nil {
		return &Fault{Op: "stop", Err: err}
	}
	return nil
}

// pulse drives the motor at duty for RotationTime and then commands stop.
// Stop is always the terminal step, including on the failure path, so the
// motor is never left energized.
func (d *Driver) pulse(op string, duty float64) error {
	if err := d.pwm.SetDuty(duty); err != nil {
		if stopErr := d.pwm.SetDuty(d.cfg.StopDuty); stopErr != nil {
			slog.Error("actuator stop after failed drive also failed", "op", op, "error", stopErr)
		}
		return &Fault{Op: op, Err: err}
	}
	d.sleep(d.cfg.RotationTime)
	if err := d.pwm.SetDuty(d.cfg.StopDuty); err != nil {
		return &Fault{Op: op + " stop", Err: err}
	}
	return nil
}
