package actuator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// servoPeriodNS is the 50Hz servo frame, fixed for the feeder hardware.
const servoPeriodNS = 20_000_000

// SysfsPWM drives a Linux sysfs PWM channel
// (e.g. /sys/class/pwm/pwmchip0/pwm0).
type SysfsPWM struct {
	dir string
}

// NewSysfsPWM configures the channel period and enables output.
func NewSysfsPWM(dir string) (*SysfsPWM, error) {
	p := &SysfsPWM{dir: dir}
	if err := p.write("period", servoPeriodNS); err != nil {
		return nil, fmt.Errorf("pwm period setup: %w", err)
	}
	if err := p.write("enable", 1); err != nil {
		return nil, fmt.Errorf("pwm enable: %w", err)
	}
	return p, nil
}

func (p *SysfsPWM) SetDuty(percent float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	ns := int64(percent / 100 * servoPeriodNS)
	if err := p.write("duty_cycle", ns); err != nil {
		return fmt.Errorf("pwm duty_cycle: %w", err)
	}
	return nil
}

func (p *SysfsPWM) write(file string, v int64) error {
	return os.WriteFile(filepath.Join(p.dir, file), []byte(fmt.Sprintf("%d", v)), 0o644)
}

// LoggingPWM is a dry-run output for development hosts without PWM hardware.
type LoggingPWM struct{}

func (LoggingPWM) SetDuty(percent float64) error {
	slog.Debug("pwm duty", "percent", percent)
	return nil
}
