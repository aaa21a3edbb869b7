package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for stats polling
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	Topic          string // NSQ topic carrying delivery tasks
	Channel        string // NSQ channel name for workers
}

type Worker struct {
	Concurrency     int             // Number of parallel delivery workers
	MaxAttempts     int             // Maximum delivery attempts per task
	BackoffSchedule []time.Duration // Waits inserted before retry attempts
	RequestTimeout  time.Duration   // Per-attempt HTTP timeout
	SecretHeader    string          // Header carrying the subscriber secret outbound
	HTTPPort        string          // Worker health/metrics port
}

type Retention struct {
	Horizon  time.Duration // Delete attempt rows older than this
	Interval time.Duration // How often the pruner runs
}

type Auth struct {
	PublicKeyPEM string // RS256 public key; empty disables admin auth
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to drop initially (forces transport failures)
	ExpectedSecret  string        // Required X-Webhook-Secret value, empty disables the check
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Retention    Retention
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// defaultBackoff is the fixed retry schedule: 10s, 30s, 1m, 5m, 15m.
func defaultBackoff() []time.Duration {
	return []time.Duration{
		10 * time.Second,
		30 * time.Second,
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoff()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "relaydock"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "relaydock"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			Topic:          getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			Channel:        getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 8),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 5),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			RequestTimeout:  getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			SecretHeader:    getenv("WEBHOOK_SECRET_HEADER", "X-Webhook-Secret"),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8082"),
		},
		Retention: Retention{
			Horizon:  getenvDuration("RETENTION_HORIZON", 72*time.Hour),
			Interval: getenvDuration("RETENTION_INTERVAL", time.Hour),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("ADMIN_JWT_ISSUER", "relaydock"),
			Audience:     getenv("ADMIN_JWT_AUDIENCE", "relaydock-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ExpectedSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
