package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the sync daemon listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 25 * time.Second
	// DefaultPongTimeout bounds how long a client may stay silent before the socket is closed.
	DefaultPongTimeout = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultStoreTimeout bounds every round trip to the shared store.
	DefaultStoreTimeout = 5 * time.Second
	// DefaultSessionTTL is how long a session survives without a heartbeat.
	DefaultSessionTTL = 300 * time.Second
	// DefaultSweepInterval controls how often stale sessions are actively reaped.
	DefaultSweepInterval = 60 * time.Second
	// DefaultReapThreshold is the heartbeat age beyond which the sweeper disconnects a session.
	DefaultReapThreshold = 120 * time.Second

	// DefaultRoomStateTTL is the inactivity retention for per-room game state.
	DefaultRoomStateTTL = time.Hour
	// DefaultHistoryLimit caps retained rollback history entries per room.
	DefaultHistoryLimit = 50
	// DefaultChatHistoryLimit caps retained chat messages per channel.
	DefaultChatHistoryLimit = 100

	// DefaultReconnectBaseDelay seeds the exponential reconnection backoff.
	DefaultReconnectBaseDelay = time.Second
	// DefaultReconnectMaxAttempts caps scheduled reconnection attempts.
	DefaultReconnectMaxAttempts = 5

	// DefaultApplyRetryLimit caps optimistic-concurrency retries for one move.
	DefaultApplyRetryLimit = 3

	// DefaultLogLevel controls verbosity for daemon logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "syncd.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the sync daemon.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxClients      int

	RedisURL     string
	NATSURL      string
	StoreTimeout time.Duration

	SessionTTL    time.Duration
	SweepInterval time.Duration
	ReapThreshold time.Duration

	RoomStateTTL     time.Duration
	HistoryLimit     int
	ChatHistoryLimit int

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int

	ApplyRetryLimit int

	TokenSecret string
	AdminToken  string
	JournalDir  string

	Logging LoggingConfig
}

// Load reads the daemon configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("SYNCD_ADDR", DefaultAddr),
		AllowedOrigins:       parseList(os.Getenv("SYNCD_ALLOWED_ORIGINS")),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		PingInterval:         DefaultPingInterval,
		PongTimeout:          DefaultPongTimeout,
		MaxClients:           DefaultMaxClients,
		RedisURL:             strings.TrimSpace(os.Getenv("SYNCD_REDIS_URL")),
		NATSURL:              strings.TrimSpace(os.Getenv("SYNCD_NATS_URL")),
		StoreTimeout:         DefaultStoreTimeout,
		SessionTTL:           DefaultSessionTTL,
		SweepInterval:        DefaultSweepInterval,
		ReapThreshold:        DefaultReapThreshold,
		RoomStateTTL:         DefaultRoomStateTTL,
		HistoryLimit:         DefaultHistoryLimit,
		ChatHistoryLimit:     DefaultChatHistoryLimit,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		ApplyRetryLimit:      DefaultApplyRetryLimit,
		TokenSecret:          strings.TrimSpace(os.Getenv("SYNCD_TOKEN_SECRET")),
		AdminToken:           strings.TrimSpace(os.Getenv("SYNCD_ADMIN_TOKEN")),
		JournalDir:           strings.TrimSpace(os.Getenv("SYNCD_JOURNAL_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SYNCD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SYNCD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parsePositiveInt64 := func(key string, target *int64) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			} else {
				*target = value
			}
		}
	}
	parsePositiveInt := func(key string, target *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			} else {
				*target = value
			}
		}
	}
	parseNonNegativeInt := func(key string, target *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value < 0 {
				problems = append(problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
			} else {
				*target = value
			}
		}
	}
	parsePositiveDuration := func(key string, target *time.Duration) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := time.ParseDuration(raw)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			} else {
				*target = value
			}
		}
	}

	parsePositiveInt64("SYNCD_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	parseNonNegativeInt("SYNCD_MAX_CLIENTS", &cfg.MaxClients)
	parsePositiveDuration("SYNCD_PING_INTERVAL", &cfg.PingInterval)
	parsePositiveDuration("SYNCD_PONG_TIMEOUT", &cfg.PongTimeout)
	parsePositiveDuration("SYNCD_STORE_TIMEOUT", &cfg.StoreTimeout)
	parsePositiveDuration("SYNCD_SESSION_TTL", &cfg.SessionTTL)
	parsePositiveDuration("SYNCD_SWEEP_INTERVAL", &cfg.SweepInterval)
	parsePositiveDuration("SYNCD_REAP_THRESHOLD", &cfg.ReapThreshold)
	parsePositiveDuration("SYNCD_ROOM_STATE_TTL", &cfg.RoomStateTTL)
	parsePositiveInt("SYNCD_HISTORY_LIMIT", &cfg.HistoryLimit)
	parsePositiveInt("SYNCD_CHAT_HISTORY_LIMIT", &cfg.ChatHistoryLimit)
	parsePositiveDuration("SYNCD_RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay)
	parsePositiveInt("SYNCD_RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts)
	parsePositiveInt("SYNCD_APPLY_RETRY_LIMIT", &cfg.ApplyRetryLimit)
	parsePositiveInt("SYNCD_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	parseNonNegativeInt("SYNCD_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	parseNonNegativeInt("SYNCD_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("SYNCD_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.ReapThreshold >= cfg.SessionTTL {
		problems = append(problems, "SYNCD_REAP_THRESHOLD must be shorter than SYNCD_SESSION_TTL")
	}
	if cfg.PingInterval >= cfg.PongTimeout {
		problems = append(problems, "SYNCD_PING_INTERVAL must be shorter than SYNCD_PONG_TIMEOUT")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
