package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds settings for the relay server
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	MatchTTL       time.Duration
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// EngineConfig holds settings for a duelist client and its continuous-run engine
type EngineConfig struct {
	RelayURL        string
	CalibrationFile string
	NATSURL         string
	STUNURLs        []string

	Countdown          time.Duration
	MediaWait          time.Duration
	NegotiationTimeout time.Duration
	QueueCeiling       time.Duration
	IdentityGrace      time.Duration
	TelemetryInterval  time.Duration
	TickInterval       time.Duration

	Relay RelayClientConfig
}

// RelayClientConfig controls reconnects and critical-message retransmission
type RelayClientConfig struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CriticalAckTimeout time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
}

// LoadDotEnv loads a .env file from the working directory if one exists
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := getEnvAsList("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		TokenTTL:       getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		MatchTTL:       getEnvAsDuration("MATCH_TTL", 2*time.Hour),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}
}

// LoadEngine reads the duelist configuration
func LoadEngine() *EngineConfig {
	return &EngineConfig{
		RelayURL:        getEnv("RELAY_URL", "ws://localhost:8080/ws/signal"),
		CalibrationFile: getEnv("CALIBRATION_FILE", ""),
		NATSURL:         getEnv("NATS_URL", ""),
		STUNURLs:        getEnvAsList("STUN_URLS", "stun:stun.l.google.com:19302"),

		Countdown:          getEnvAsDuration("COUNTDOWN", 3*time.Second),
		MediaWait:          getEnvAsDuration("MEDIA_WAIT", 5*time.Second),
		NegotiationTimeout: getEnvAsDuration("NEGOTIATION_TIMEOUT", 15*time.Second),
		QueueCeiling:       getEnvAsDuration("QUEUE_CEILING", 3*time.Minute),
		IdentityGrace:      getEnvAsDuration("IDENTITY_GRACE", 1500*time.Millisecond),
		TelemetryInterval:  getEnvAsDuration("TELEMETRY_INTERVAL", 100*time.Millisecond),
		TickInterval:       getEnvAsDuration("TICK_INTERVAL", 100*time.Millisecond),

		Relay: RelayClientConfig{
			MaxRetries:         getEnvAsInt("RELAY_MAX_RETRIES", 5),
			BackoffBase:        getEnvAsDuration("RELAY_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:         getEnvAsDuration("RELAY_BACKOFF_MAX", 8*time.Second),
			CriticalAckTimeout: getEnvAsDuration("CRITICAL_ACK_TIMEOUT", 2*time.Second),
			WriteTimeout:       getEnvAsDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:       getEnvAsDuration("RELAY_PING_INTERVAL", 30*time.Second),
		},
	}
}

// SetupLogging configures the global zerolog logger from LOG_LEVEL and LOG_FORMAT.
// Output is JSON unless LOG_FORMAT=console.
func SetupLogging() {
	if consoleLogging() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
	}
	return defaultValue
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func consoleLogging() bool {
	return getEnv("LOG_FORMAT", "json") == "console"
}
