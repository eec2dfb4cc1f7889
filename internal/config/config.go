package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig configures the on-device feeder agent.
type AgentConfig struct {
	DeviceID            string
	ServerURL           string
	Timezone            string
	FeedingTimes        []string
	DurationMinutes     int
	TickInterval        time.Duration
	CommandPollInterval time.Duration

	RotationTime time.Duration
	StopDuty     float64
	CWDuty       float64
	CCWDuty      float64
	PWMDir       string

	Port     string
	LogLevel string
}

// CollectorConfig configures the collector service.
type CollectorConfig struct {
	Port        string
	Timezone    string
	GracePeriod time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string

	RedisAddr     string
	RedisPassword string

	LogLevel string
}

func LoadAgent() AgentConfig {
	_ = godotenv.Load()

	cfg := AgentConfig{
		DeviceID:            getEnv("FEEDER_DEVICE_ID", "raspberry-pi-001"),
		ServerURL:           getEnv("FEEDER_SERVER_URL", "http://localhost:8094"),
		Timezone:            getEnv("FEEDER_TZ", "Asia/Seoul"),
		FeedingTimes:        splitList(getEnv("FEEDER_TIMES", "07:00,12:00,18:00")),
		DurationMinutes:     getEnvInt("FEEDER_DURATION_MINUTES", 30),
		TickInterval:        getEnvDuration("FEEDER_TICK_INTERVAL", 20*time.Second),
		CommandPollInterval: getEnvDuration("FEEDER_COMMAND_POLL_INTERVAL", 5*time.Second),
		RotationTime:        getEnvDuration("FEEDER_ROTATION_TIME", 2*time.Second),
		StopDuty:            getEnvFloat("FEEDER_SERVO_STOP_DUTY", 7.5),
		CWDuty:              getEnvFloat("FEEDER_SERVO_CW_DUTY", 10),
		CCWDuty:             getEnvFloat("FEEDER_SERVO_CCW_DUTY", 5),
		PWMDir:              getEnv("FEEDER_PWM_DIR", ""),
		Port:                getEnv("FEEDER_AGENT_PORT", "8095"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
	slog.Info("agent config loaded",
		"device_id", cfg.DeviceID,
		"server_url", cfg.ServerURL,
		"tz", cfg.Timezone,
		"feeding_times", strings.Join(cfg.FeedingTimes, ","),
		"duration_minutes", cfg.DurationMinutes)
	return cfg
}

func LoadCollector() CollectorConfig {
	_ = godotenv.Load()

	cfg := CollectorConfig{
		Port:             getEnv("COLLECTOR_PORT", "8094"),
		Timezone:         getEnv("FEEDER_TZ", "Asia/Seoul"),
		GracePeriod:      getEnvDuration("COLLECTOR_GRACE_PERIOD", 5*time.Minute),
		PostgresUser:     getEnv("POSTGRES_USER", ""),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", ""),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	slog.Info("collector config loaded",
		"port", cfg.Port,
		"tz", cfg.Timezone,
		"grace_period", cfg.GracePeriod,
		"postgres_host", cfg.PostgresHost,
		"redis_addr", cfg.RedisAddr)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in env, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("invalid float in env, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration in env, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
