package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all service configuration loaded from environment variables.
// All five services share this struct; each reads the fields it needs.
type Config struct {
	// Angel One credentials. Only required when paper trading is off.
	AngelAPIKey     string
	AngelClientCode string
	AngelPIN        string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Consumer group identity. ConsumerName must be unique per process
	// within a group so pending entries can be attributed and reclaimed.
	ConsumerGroup string
	ConsumerName  string

	// Streams
	CommandStream  string // raw client commands
	RiskStream     string // validated commands awaiting risk checks
	StateStream    string // approved commands and trigger hits
	BrokerStream   string // broker placement/cancel/modify commands
	UpdateStream   string // broker order status updates
	EventStream    string // bracket lifecycle events
	ResponseStream string // command responses back to clients
	TickStream     string // market ticks

	// Behaviour
	PaperTrading       bool
	MaxNotional        float64
	EnforceMarketHours bool

	// Alerting. All optional; unset backends fall back to log-only alerts.
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
}

// Load reads configuration from environment variables with sensible
// defaults for local development.
func Load() *Config {
	cfg := &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/oms_audit.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		ConsumerGroup: getEnv("CONSUMER_GROUP", "oms"),
		ConsumerName:  getEnv("CONSUMER_NAME", hostnameConsumer()),

		CommandStream:  getEnv("COMMAND_STREAM", "oms:api:commands"),
		RiskStream:     getEnv("RISK_STREAM", "oms:risk:requests"),
		StateStream:    getEnv("STATE_STREAM", "oms:state:commands"),
		BrokerStream:   getEnv("BROKER_STREAM", "oms:broker:commands"),
		UpdateStream:   getEnv("UPDATE_STREAM", "oms:order:updates"),
		EventStream:    getEnv("EVENT_STREAM", "oms:order:events"),
		ResponseStream: getEnv("RESPONSE_STREAM", "oms:command:responses"),
		TickStream:     getEnv("TICK_STREAM", "oms:market:ticks"),

		PaperTrading:       getBool("PAPER_TRADING", true),
		MaxNotional:        getFloat("MAX_NOTIONAL", 1_000_000),
		EnforceMarketHours: getBool("ENFORCE_MARKET_HOURS", false),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
	}

	if !cfg.PaperTrading {
		cfg.AngelAPIKey = mustEnv("ANGEL_API_KEY")
		cfg.AngelClientCode = mustEnv("ANGEL_CLIENT_CODE")
		cfg.AngelPIN = mustEnv("ANGEL_PIN")
		cfg.AngelTOTPSecret = mustEnv("ANGEL_TOTP_SECRET")
	}

	return cfg
}

func hostnameConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "oms-consumer"
	}
	return host
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid value for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}
