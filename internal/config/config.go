package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	DatabaseURL            string
	CatalogFile            string
	Location               *time.Location
	SweepSchedule          string
	WaitingTimeout         time.Duration
	DefaultRescheduleGrace time.Duration
	SweepBatchSize         int
	NotifProvider          string
	NotifWebhookURL        string
	NotifWebhookToken      string
	NotifBuffer            int
	NotifWorkers           int
	NotifMaxAttempts       int
	RateLimitPerMinute     int
	RateLimitBurst         int
	QueueLockTimeout       time.Duration
	OTLPEndpoint           string
	OTLPInsecure           bool
}

// Load reads the configuration from the environment. A .env file in the
// working directory, or the one named by ENV_FILE, is applied first
// without overriding variables that are already set.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("env file %s ignored: %v", envFile, err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	zone := os.Getenv("TIMEZONE")
	if zone == "" {
		zone = "UTC"
	}
	location, err := time.LoadLocation(zone)
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE %q: %w", zone, err)
	}
	schedule := os.Getenv("SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "@every 5s"
	}
	provider := os.Getenv("NOTIF_PROVIDER")
	if provider == "" {
		provider = "log"
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		CatalogFile:            os.Getenv("CATALOG_FILE"),
		Location:               location,
		SweepSchedule:          schedule,
		WaitingTimeout:         readDurationSeconds("WAITING_TIMEOUT_SECONDS", 0),
		DefaultRescheduleGrace: readDurationSeconds("DEFAULT_RESCHEDULE_GRACE_SECONDS", 1800),
		SweepBatchSize:         readInt("SWEEP_BATCH_SIZE", 100),
		NotifProvider:          provider,
		NotifWebhookURL:        os.Getenv("NOTIF_WEBHOOK_URL"),
		NotifWebhookToken:      os.Getenv("NOTIF_WEBHOOK_TOKEN"),
		NotifBuffer:            readInt("NOTIF_BUFFER", 256),
		NotifWorkers:           readInt("NOTIF_WORKERS", 2),
		NotifMaxAttempts:       readInt("NOTIF_MAX_ATTEMPTS", 3),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		QueueLockTimeout:       time.Duration(readInt("QUEUE_LOCK_TIMEOUT_MS", 2000)) * time.Millisecond,
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:           readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}, nil
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
