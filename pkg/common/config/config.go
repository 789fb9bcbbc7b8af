package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	AuditSinkPort  string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	InboundRPS     float64
	InboundBurst   int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxOpen  int
	PostgresMaxIdle  int
	PostgresConnTTL  time.Duration
	SlowQuery        time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	// Kafka
	KafkaBrokers    []string
	KafkaGroupID    string
	AuditKafkaTopic string

	// Channel provider
	ProviderName           string
	ProviderBaseURL        string
	ProviderTokenURL       string
	ProviderTokenMode      string
	ProviderClientID       string
	ProviderClientSecret   string
	ProviderRefreshHeader  string
	ProviderReadToken      string
	ProviderAuthHeader     string
	ProviderAuthScheme     string
	ProviderAuthPrefixes   []string
	RequestCostHeader      string
	CreditsRemainingHeader string
	CreditsResetHeader     string
	CreditLimitHeader      string

	// Outbound call policy
	RequestTimeout    time.Duration
	TokenSafetyBuffer time.Duration
	TokenDefaultTTL   time.Duration
	RefreshAttempts   int
	MaxBackoffWait    time.Duration
	DefaultBackoff    time.Duration
	CreditReserve     int
	PacerRPS          float64
	PacerBurst        int

	// Bulk push
	PushMaxChunkDays         int
	PushRatesEndpoint        string
	PushAvailabilityEndpoint string
	PushRestrictionsEndpoint string

	// Audit
	AuditSink          string
	AuditQueueSize     int
	AuditWriteTimeout  time.Duration
	RedactionRulesPath string

	// Keep-alive
	KeepAliveDormancy  time.Duration
	KeepAliveSchedule  string
	KeepAliveScheduler bool
	KeepAliveLockTTL   time.Duration
	KeepAliveLock      bool
	CronSecret         string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		AuditSinkPort:  getEnv("AUDIT_SINK_PORT", "8081"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Minute),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		InboundRPS:     getFloatEnv("INBOUND_RATE_LIMIT_RPS", 0),
		InboundBurst:   getIntEnv("INBOUND_RATE_LIMIT_BURST", 20),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "roomsync"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "roomsync"),
		PostgresDB:       getEnv("POSTGRES_DB", "roomsync"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxOpen:  getIntEnv("POSTGRES_MAX_OPEN_CONNS", 20),
		PostgresMaxIdle:  getIntEnv("POSTGRES_MAX_IDLE_CONNS", 5),
		PostgresConnTTL:  getDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		SlowQuery:        getDuration("POSTGRES_SLOW_QUERY", 500*time.Millisecond),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisTimeout:  getDuration("REDIS_TIMEOUT", 3*time.Second),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "roomsync-audit-sink"),
		AuditKafkaTopic: getEnv("AUDIT_KAFKA_TOPIC", "channel-audit-entries"),

		ProviderName:           getEnv("PROVIDER_NAME", "channel-manager"),
		ProviderBaseURL:        strings.TrimRight(getEnv("PROVIDER_BASE_URL", "https://api.channel-manager.example/v2"), "/"),
		ProviderTokenURL:       getEnv("PROVIDER_TOKEN_URL", "https://api.channel-manager.example/v2/authentication/token"),
		ProviderTokenMode:      getEnv("PROVIDER_TOKEN_MODE", "oauth2"),
		ProviderClientID:       getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderClientSecret:   getEnv("PROVIDER_CLIENT_SECRET", ""),
		ProviderRefreshHeader:  getEnv("PROVIDER_REFRESH_HEADER", "refreshToken"),
		ProviderReadToken:      getEnv("PROVIDER_READ_TOKEN", ""),
		ProviderAuthHeader:     getEnv("PROVIDER_AUTH_HEADER", "Authorization"),
		ProviderAuthScheme:     getEnv("PROVIDER_AUTH_SCHEME", "Bearer"),
		ProviderAuthPrefixes:   getStringSliceEnv("PROVIDER_AUTH_PREFIXES", []string{"/authentication"}),
		RequestCostHeader:      getEnv("PROVIDER_HEADER_REQUEST_COST", "X-RequestCost"),
		CreditsRemainingHeader: getEnv("PROVIDER_HEADER_CREDITS_REMAINING", "X-FiveMinCreditLimit-Remaining"),
		CreditsResetHeader:     getEnv("PROVIDER_HEADER_CREDITS_RESET", "X-FiveMinCreditLimit-ResetsIn"),
		CreditLimitHeader:      getEnv("PROVIDER_HEADER_CREDIT_LIMIT", "X-FiveMinCreditLimit"),

		RequestTimeout:    getDuration("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
		TokenSafetyBuffer: getDuration("TOKEN_SAFETY_BUFFER", 5*time.Minute),
		TokenDefaultTTL:   getDuration("TOKEN_DEFAULT_TTL", time.Hour),
		RefreshAttempts:   getIntEnv("TOKEN_REFRESH_ATTEMPTS", 2),
		MaxBackoffWait:    getDuration("RATE_LIMIT_MAX_WAIT", 5*time.Minute),
		DefaultBackoff:    getDuration("RATE_LIMIT_DEFAULT_WAIT", 10*time.Second),
		CreditReserve:     getIntEnv("CREDIT_RESERVE", 0),
		PacerRPS:          getFloatEnv("PROVIDER_PACER_RPS", 0),
		PacerBurst:        getIntEnv("PROVIDER_PACER_BURST", 1),

		PushMaxChunkDays:         getIntEnv("PUSH_MAX_CHUNK_DAYS", 50),
		PushRatesEndpoint:        getEnv("PUSH_RATES_ENDPOINT", "/inventory/rooms/calendar"),
		PushAvailabilityEndpoint: getEnv("PUSH_AVAILABILITY_ENDPOINT", "/inventory/rooms/availability"),
		PushRestrictionsEndpoint: getEnv("PUSH_RESTRICTIONS_ENDPOINT", "/inventory/rooms/restrictions"),

		AuditSink:          getEnv("AUDIT_SINK", "db"),
		AuditQueueSize:     getIntEnv("AUDIT_QUEUE_SIZE", 1024),
		AuditWriteTimeout:  getDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
		RedactionRulesPath: getEnv("REDACTION_RULES_PATH", ""),

		KeepAliveDormancy:  getDuration("KEEPALIVE_DORMANCY", 30*24*time.Hour),
		KeepAliveSchedule:  getEnv("KEEPALIVE_SCHEDULE", "0 4 * * *"),
		KeepAliveScheduler: getBoolEnv("KEEPALIVE_SCHEDULER_ENABLED", false),
		KeepAliveLockTTL:   getDuration("KEEPALIVE_LOCK_TTL", 30*time.Minute),
		KeepAliveLock:      getBoolEnv("KEEPALIVE_LOCK_ENABLED", true),
		CronSecret:         getEnv("CRON_SECRET", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getStringSliceEnv splits a comma separated value, dropping blanks.
func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
