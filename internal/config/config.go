package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL      string
	ServerAddr       string
	RedisURL         string
	KafkaBrokers     []string
	EventTopic       string
	TriggerTopic     string
	ConsumerGroup    string
	DirectoryURL     string
	DirectoryTimeout time.Duration
	ParticipantISPB  string
	HistoryKey       []byte
	ClaimWindow      time.Duration
	ReconcileEvery   time.Duration
	ReconcileBatch   int
	DriftLimit       int
	LockKey          string
	LockTTLMillis    int64
	OutboxEvery      time.Duration
	OutboxBatch      int
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "aliasdir")
		pass := getenv("POSTGRES_PASSWORD", "aliasdir_pass")
		db := getenv("POSTGRES_DB", "aliasdir")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	historyKey, err := hex.DecodeString(getenv("HISTORY_SIGNING_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_SIGNING_KEY: %w", err)
	}

	return &Config{
		DatabaseURL:      dsn,
		ServerAddr:       getenv("SERVER_ADDR", "0.0.0.0:8080"),
		RedisURL:         getenv("REDIS_URL", "redis://localhost:6379/0"),
		KafkaBrokers:     splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
		EventTopic:       getenv("EVENT_TOPIC", "aliasdir.key-events"),
		TriggerTopic:     getenv("TRIGGER_TOPIC", "aliasdir.key-triggers"),
		ConsumerGroup:    getenv("CONSUMER_GROUP", "aliasdir"),
		DirectoryURL:     getenv("DIRECTORY_URL", "http://localhost:9090"),
		DirectoryTimeout: parseDuration(getenv("DIRECTORY_TIMEOUT", "10s"), 10*time.Second),
		ParticipantISPB:  getenv("PARTICIPANT_ISPB", "00000000"),
		HistoryKey:       historyKey,
		ClaimWindow:      parseDuration(getenv("CLAIM_WINDOW", "168h"), 168*time.Hour),
		ReconcileEvery:   parseDuration(getenv("RECONCILE_INTERVAL", "1m"), time.Minute),
		ReconcileBatch:   parseInt(getenv("RECONCILE_BATCH", "200"), 200),
		DriftLimit:       parseInt(getenv("RECONCILE_DRIFT_LIMIT", "10"), 10),
		LockKey:          getenv("RECONCILE_LOCK_KEY", "aliasdir:reconcile:lock"),
		LockTTLMillis:    int64(parseInt(getenv("RECONCILE_LOCK_TTL_MS", "30000"), 30000)),
		OutboxEvery:      parseDuration(getenv("OUTBOX_INTERVAL", "5s"), 5*time.Second),
		OutboxBatch:      parseInt(getenv("OUTBOX_BATCH", "100"), 100),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
