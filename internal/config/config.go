package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type RateLimit struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Port           string
	AllowedOrigins []string
	FrontendURL    string

	// Persistence
	StoreBackend         string
	DatabaseURL          string
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetimeMin int
	DynamoDBTable        string
	DynamoDBEndpoint     string
	AWSRegion            string

	MessageRetention      time.Duration
	ConversationRetention time.Duration

	RedisURL      string
	RedisPassword string

	// Identity
	JWTSecret       string
	JWTIssuer       string
	IdentityTimeout time.Duration

	// Rate limits per action class
	SendRate   RateLimit
	TypingRate RateLimit
	StatusRate RateLimit

	// Content rules
	MaxContentLength    int
	MaxContentLengthRTL int
	MediaAllowedHosts   []string
	PhonePattern        string

	// Connection quality
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	DegradedThreshold time.Duration
	OutboundBuffer    int

	// Notifications
	DeviceTokenCap        int
	DeviceTokenExpiry     time.Duration
	PushGatewayURL        string
	PushGatewayAPIKey     string
	PushTimeout           time.Duration
	NotificationTTL       time.Duration
	StatusNotificationTTL time.Duration
	NotifyMaxAttempts     int
	DefaultLocale         string

	// Worker pools
	DeliveryWorkers   int
	DeliveryQueueSize int
	NotifyWorkers     int
	NotifyQueueSize   int

	// Optional integrations
	KafkaBrokers    []string
	KafkaTopic      string
	OTLPEndpoint    string
	CleanupInterval time.Duration
}

// DefaultPhonePattern matches Egyptian mobile numbers (010, 011, 012, 015) in
// national (01x...) and international (+20 / 0020) form, with Latin or
// Arabic-Indic digits.
const DefaultPhonePattern = `(?:(?:\+|00)[2٢][0٠][\s-]?|[0٠])[1١][0125٠١٢٥][\s-]?\p{Nd}{4}[\s-]?\p{Nd}{4}`

func LoadConfig() *Config {
	port := GetEnv("PORT", "8080")

	// Frontend & CORS
	frontendURL := GetEnv("FRONTEND_URL", "http://localhost:5173")
	allowedOrigins := []string{frontendURL}
	for _, origin := range GetEnvAsList("ALLOWED_ORIGINS") {
		if origin != frontendURL {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}

	// Database Config
	// Append simple_protocol for PgBouncer compatibility (pgx driver)
	dbURL := GetEnv("DATABASE_URL", GetEnv("DATABASE_URI", ""))
	if dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil {
			q := u.Query()
			if q.Get("default_query_exec_mode") == "" {
				q.Set("default_query_exec_mode", "simple_protocol")
				u.RawQuery = q.Encode()
				dbURL = u.String()
			}
		}
	}

	storeBackend := strings.ToLower(GetEnv("STORE_BACKEND", "postgres"))
	switch storeBackend {
	case "postgres", "dynamodb", "memory":
	default:
		log.Printf("Unknown STORE_BACKEND %q, using memory", storeBackend)
		storeBackend = "memory"
	}

	return &Config{
		Port:           port,
		AllowedOrigins: allowedOrigins,
		FrontendURL:    frontendURL,

		StoreBackend:         storeBackend,
		DatabaseURL:          dbURL,
		DBMaxOpenConns:       GetEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:       GetEnvAsInt("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetimeMin: GetEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 5),
		DynamoDBTable:        GetEnv("DYNAMODB_TABLE", "souqchat"),
		DynamoDBEndpoint:     GetEnv("DYNAMODB_ENDPOINT", ""),
		AWSRegion:            GetEnv("AWS_REGION", "eu-central-1"),

		MessageRetention:      GetEnvAsDuration("MESSAGE_RETENTION", 365*24*time.Hour),
		ConversationRetention: GetEnvAsDuration("CONVERSATION_RETENTION", 30*24*time.Hour),

		RedisURL:      GetEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),

		// Security
		JWTSecret:       GetEnv("JWT_SECRET", "your-secret-key-change-this-in-production"),
		JWTIssuer:       GetEnv("JWT_ISSUER", ""),
		IdentityTimeout: GetEnvAsDuration("IDENTITY_TIMEOUT", 5*time.Second),

		SendRate: RateLimit{
			Limit:  GetEnvAsInt("RATE_SEND_LIMIT", 60),
			Window: GetEnvAsDuration("RATE_SEND_WINDOW", time.Minute),
		},
		TypingRate: RateLimit{
			Limit:  GetEnvAsInt("RATE_TYPING_LIMIT", 20),
			Window: GetEnvAsDuration("RATE_TYPING_WINDOW", 10*time.Second),
		},
		StatusRate: RateLimit{
			Limit:  GetEnvAsInt("RATE_STATUS_LIMIT", 120),
			Window: GetEnvAsDuration("RATE_STATUS_WINDOW", time.Minute),
		},

		MaxContentLength:    GetEnvAsInt("MESSAGE_MAX_LENGTH", 1000),
		MaxContentLengthRTL: GetEnvAsInt("MESSAGE_MAX_LENGTH_RTL", 1500),
		MediaAllowedHosts:   GetEnvAsList("MEDIA_ALLOWED_HOSTS"),
		PhonePattern:        GetEnv("PHONE_REDACTION_PATTERN", DefaultPhonePattern),

		ProbeInterval:     GetEnvAsDuration("QUALITY_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:      GetEnvAsDuration("QUALITY_PROBE_TIMEOUT", 5*time.Second),
		DegradedThreshold: GetEnvAsDuration("QUALITY_DEGRADED_THRESHOLD", 800*time.Millisecond),
		OutboundBuffer:    GetEnvAsInt("OUTBOUND_BUFFER", 64),

		DeviceTokenCap:        GetEnvAsInt("DEVICE_TOKEN_CAP", 5),
		DeviceTokenExpiry:     GetEnvAsDuration("DEVICE_TOKEN_EXPIRY", 60*24*time.Hour),
		PushGatewayURL:        GetEnv("PUSH_GATEWAY_URL", ""),
		PushGatewayAPIKey:     GetEnv("PUSH_GATEWAY_API_KEY", ""),
		PushTimeout:           GetEnvAsDuration("PUSH_TIMEOUT", 10*time.Second),
		NotificationTTL:       GetEnvAsDuration("NOTIFICATION_TTL", 24*time.Hour),
		StatusNotificationTTL: GetEnvAsDuration("STATUS_NOTIFICATION_TTL", time.Minute),
		NotifyMaxAttempts:     GetEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
		DefaultLocale:         GetEnv("DEFAULT_LOCALE", "ar"),

		DeliveryWorkers:   GetEnvAsInt("DELIVERY_WORKERS", 16),
		DeliveryQueueSize: GetEnvAsInt("DELIVERY_QUEUE_SIZE", 1024),
		NotifyWorkers:     GetEnvAsInt("NOTIFY_WORKERS", 8),
		NotifyQueueSize:   GetEnvAsInt("NOTIFY_QUEUE_SIZE", 2048),

		KafkaBrokers:    GetEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:      GetEnv("KAFKA_TOPIC", "souqchat-events"),
		OTLPEndpoint:    GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		CleanupInterval: GetEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
	}
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// GetEnvAsDuration accepts Go durations ("90s", "15m"); a bare integer is read as seconds.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Invalid duration value for %s: %s, using default: %s", key, valueStr, defaultValue)
	return defaultValue
}

// GetEnvAsList splits a comma separated value, dropping blanks.
func GetEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
