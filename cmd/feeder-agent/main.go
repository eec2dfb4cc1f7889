package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pyotel/chicken-feed/internal/actuator"
	"github.com/pyotel/chicken-feed/internal/clock"
	"github.com/pyotel/chicken-feed/internal/config"
	"github.com/pyotel/chicken-feed/internal/controller"
	"github.com/pyotel/chicken-feed/internal/model"
	"github.com/pyotel/chicken-feed/internal/observability"
	"github.com/pyotel/chicken-feed/internal/reporter"
	"github.com/pyotel/chicken-feed/internal/schedule"
)

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	cfg := config.LoadAgent()
	setupLogging(cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Error("invalid timezone", "tz", cfg.Timezone, "error", err)
		os.Exit(1)
	}
	sched, err := schedule.New(cfg.FeedingTimes, cfg.DurationMinutes)
	if err != nil {
		slog.Error("invalid feeding schedule, refusing to start", "error", err)
		os.Exit(1)
	}

	var pwm actuator.PWM
	if cfg.PWMDir != "" {
		sp, err := actuator.NewSysfsPWM(cfg.PWMDir)
		if err != nil {
			slog.Error("failed to initialize PWM channel", "dir", cfg.PWMDir, "error", err)
			os.Exit(1)
		}
		pwm = sp
		slog.Info("using sysfs PWM", "dir", cfg.PWMDir)
	} else {
		pwm = &actuator.LoggingPWM{}
		slog.Info("no PWM dir configured, running in dry-run mode")
	}
	driver := actuator.NewDriver(pwm, actuator.Config{
		StopDuty:     cfg.StopDuty,
		CWDuty:       cfg.CWDuty,
		CCWDuty:      cfg.CCWDuty,
		RotationTime: cfg.RotationTime,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The reporter outlives the controller's context: the close and shutdown
	// events are submitted while the controller is winding down, so the
	// delivery worker must still be running then.
	repCtx, repCancel := context.WithCancel(context.Background())
	defer repCancel()
	rep := reporter.New(cfg.ServerURL, cfg.DeviceID, reporter.Options{})
	rep.Start(repCtx)

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := rep.RegisterConfig(regCtx, model.DeviceConfig{
		DeviceID:        cfg.DeviceID,
		FeedingTimes:    sched.Times(),
		DurationMinutes: cfg.DurationMinutes,
	}); err != nil {
		slog.Warn("could not register config with collector, continuing", "error", err)
	}
	regCancel()

	ctrl := controller.New(cfg.DeviceID, sched, loc, clock.System(), driver, rep)

	go pollCommands(ctx, rep, ctrl, cfg.CommandPollInterval)
	go reloadOnSIGHUP(ctx, rep, ctrl)
	go serveLocal(cfg.Port)

	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx, cfg.TickInterval)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down feeder agent")

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("controller did not stop in time")
	}

	repCancel()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	rep.Wait(flushCtx)
	slog.Info("feeder agent stopped")
}

func pollCommands(ctx context.Context, rep *reporter.Client, ctrl *controller.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cmd, ok, err := rep.FetchCommand(ctx)
		if err != nil {
			slog.Debug("command poll failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		slog.Info("remote command received", "command", cmd)
		switch cmd {
		case model.CommandOpen:
			if err := ctrl.ForceOpen(); err != nil {
				slog.Warn("remote open rejected", "error", err)
			}
		case model.CommandClose:
			if err := ctrl.ForceClose(); err != nil {
				slog.Warn("remote close rejected", "error", err)
			}
		default:
			slog.Warn("ignoring unknown remote command", "command", cmd)
		}
	}
}

// reloadOnSIGHUP re-reads the schedule from the environment (and .env) and
// swaps it into the running controller. A reload also clears a sticky
// actuator fault.
func reloadOnSIGHUP(ctx context.Context, rep *reporter.Client, ctrl *controller.Controller) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg := config.LoadAgent()
		sched, err := schedule.New(cfg.FeedingTimes, cfg.DurationMinutes)
		if err != nil {
			slog.Warn("reload rejected, keeping current schedule", "error", err)
			continue
		}
		ctrl.UpdateConfig(sched)
		regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := rep.RegisterConfig(regCtx, model.DeviceConfig{
			DeviceID:        cfg.DeviceID,
			FeedingTimes:    sched.Times(),
			DurationMinutes: cfg.DurationMinutes,
		}); err != nil {
			slog.Warn("could not push reloaded config to collector", "error", err)
		}
		regCancel()
		slog.Info("configuration reloaded", "feeding_times", strings.Join(sched.Times(), ","))
	}
}

func serveLocal(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	slog.Info("local endpoints listening", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("local endpoints stopped", "error", err)
	}
}
