package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("RATE_SEND_LIMIT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_URI", "")

	cfg := LoadConfig()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 60, cfg.SendRate.Limit)
	assert.Equal(t, time.Minute, cfg.SendRate.Window)
	assert.Equal(t, 1500, cfg.MaxContentLengthRTL)
	assert.Greater(t, cfg.MaxContentLengthRTL, cfg.MaxContentLength)
	assert.Less(t, cfg.StatusNotificationTTL, cfg.NotificationTTL)
	assert.Equal(t, DefaultPhonePattern, cfg.PhonePattern)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 365*24*time.Hour, cfg.MessageRetention)
	assert.Equal(t, 30*24*time.Hour, cfg.ConversationRetention)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "DynamoDB")
	t.Setenv("RATE_TYPING_LIMIT", "5")
	t.Setenv("RATE_TYPING_WINDOW", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FRONTEND_URL", "https://a.example")

	cfg := LoadConfig()
	assert.Equal(t, "dynamodb", cfg.StoreBackend)
	assert.Equal(t, RateLimit{Limit: 5, Window: 30 * time.Second}, cfg.TypingRate)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadConfig_UnknownBackendFallsBackToMemory(t *testing.T) {
	t.Setenv("STORE_BACKEND", "cassandra")
	assert.Equal(t, "memory", LoadConfig().StoreBackend)
}

func TestLoadConfig_DatabaseURLGetsSimpleProtocol(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/chat")
	cfg := LoadConfig()
	require.Contains(t, cfg.DatabaseURL, "default_query_exec_mode=simple_protocol")
}

func TestGetEnvAsDuration(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", 3 * time.Second},
		{"go duration", "250ms", 250 * time.Millisecond},
		{"bare seconds", "90", 90 * time.Second},
		{"garbage", "soon", 3 * time.Second},
		{"negative", "-5s", 3 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tc.value)
			assert.Equal(t, tc.want, GetEnvAsDuration("TEST_DURATION", 3*time.Second))
		})
	}
}

func TestGetEnvAsInt_Invalid(t *testing.T) {
	t.Setenv("TEST_INT", "sixty")
	assert.Equal(t, 7, GetEnvAsInt("TEST_INT", 7))
}
