package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the batch trader.
type Config struct {
	Port string

	// Session
	Instruments     []string // base/quote pairs, e.g. "XBT/EUR"
	Mode            string   // "simulated" or "live"
	IntervalSeconds int      // decision loop interval, coerced to >= 1
	BuyAmount       float64  // quote currency per entry
	InitialBalance  float64  // simulated wallet seed
	WindowMinutes   int      // price history window

	// Kraken
	KrakenAPIKey    string
	KrakenAPISecret string
	KrakenWSURL     string
	KrakenRESTURL   string

	// Strategy
	MinProfitMultiplier float64
	StopLossPercent     float64
	FeeRate             float64
	MinTradeAmount      float64
	WaitCap             int
	CooldownMinutes     int
	SellStepsPath       string // optional YAML ladder, empty disables steps

	// Stream resilience
	StaleThresholdSeconds int
	RecoveryDelaySeconds  int
	BackoffBaseSeconds    int
	BackoffCapSeconds     int
	MaxReconnectAttempts  int
	StabilizationSeconds  int
	SubscribeDelaySeconds int

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Instruments:           splitAndTrim(getEnv("INSTRUMENTS", "XBT/EUR")),
		Mode:                  strings.ToLower(getEnv("MODE", "simulated")),
		IntervalSeconds:       getEnvInt("INTERVAL_SECONDS", 5),
		BuyAmount:             getEnvFloat("BUY_AMOUNT", 100),
		InitialBalance:        getEnvFloat("INITIAL_BALANCE", 1000),
		WindowMinutes:         getEnvInt("WINDOW_MINUTES", 10),
		KrakenAPIKey:          os.Getenv("KRAKEN_API_KEY"),
		KrakenAPISecret:       os.Getenv("KRAKEN_API_SECRET"),
		KrakenWSURL:           getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com"),
		KrakenRESTURL:         getEnv("KRAKEN_REST_URL", "https://api.kraken.com"),
		MinProfitMultiplier:   getEnvFloat("MIN_PROFIT_MULTIPLIER", 1.006),
		StopLossPercent:       getEnvFloat("STOP_LOSS_PERCENT", 0.15),
		FeeRate:               getEnvFloat("FEE_RATE", 0.0025),
		MinTradeAmount:        getEnvFloat("MIN_TRADE_AMOUNT", 5),
		WaitCap:               getEnvInt("WAIT_CAP", 100),
		CooldownMinutes:       getEnvInt("COOLDOWN_MINUTES", 3),
		SellStepsPath:         getEnv("SELL_STEPS_PATH", ""),
		StaleThresholdSeconds: getEnvInt("STALE_THRESHOLD_SECONDS", 60),
		RecoveryDelaySeconds:  getEnvInt("RECOVERY_DELAY_SECONDS", 10),
		BackoffBaseSeconds:    getEnvInt("BACKOFF_BASE_SECONDS", 3),
		BackoffCapSeconds:     getEnvInt("BACKOFF_CAP_SECONDS", 30),
		MaxReconnectAttempts:  getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
		StabilizationSeconds:  getEnvInt("STABILIZATION_SECONDS", 5),
		SubscribeDelaySeconds: getEnvInt("SUBSCRIBE_DELAY_SECONDS", 1),
		DBPath:                getEnv("DB_PATH", "./data/batchtrader.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		Language:              getEnv("LANGUAGE", "en"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configurations that cannot start a session.
func (c *Config) Validate() error {
	if n := len(c.Instruments); n < 1 || n > 5 {
		return fmt.Errorf("config: INSTRUMENTS must name 1 to 5 pairs, got %d", n)
	}
	for _, inst := range c.Instruments {
		if !strings.Contains(inst, "/") {
			return fmt.Errorf("config: instrument %q is not a base/quote pair", inst)
		}
	}
	switch c.Mode {
	case "simulated":
	case "live":
		if c.KrakenAPIKey == "" || c.KrakenAPISecret == "" {
			return fmt.Errorf("config: live mode requires KRAKEN_API_KEY and KRAKEN_API_SECRET")
		}
	default:
		return fmt.Errorf("config: MODE must be simulated or live, got %q", c.Mode)
	}
	if c.IntervalSeconds < 1 {
		c.IntervalSeconds = 1
	}
	if c.BuyAmount <= 0 {
		return fmt.Errorf("config: BUY_AMOUNT must be positive, got %v", c.BuyAmount)
	}
	if c.BuyAmount < c.MinTradeAmount {
		return fmt.Errorf("config: BUY_AMOUNT %v is below the venue minimum %v", c.BuyAmount, c.MinTradeAmount)
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return fmt.Errorf("config: FEE_RATE must be in [0,1), got %v", c.FeeRate)
	}
	if c.StopLossPercent <= 0 || c.StopLossPercent >= 1 {
		return fmt.Errorf("config: STOP_LOSS_PERCENT must be in (0,1), got %v", c.StopLossPercent)
	}
	return nil
}

// Interval returns the decision loop period as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Live reports whether orders go to the real venue.
func (c *Config) Live() bool { return c.Mode == "live" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
