package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port             int
	NatsURL          string
	NatsToken        string
	DatabaseURL      string
	LogLevel         string
	ReasoningAPIKey  string
	ReasoningBaseURL string
	ReasoningModel   string
	FeedAPIKey       string
	FeedBaseURL      string
	FeedStreamURL    string
	MarketAPIURL     string
	WalletURL        string
}

func Load() Config {
	return Config{
		Port:             envInt("VIGIL_PORT", 8760),
		NatsURL:          envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken:        envStr("NATS_TOKEN", ""),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		LogLevel:         envStr("LOG_LEVEL", "info"),
		ReasoningAPIKey:  envStr("REASONING_API_KEY", ""),
		ReasoningBaseURL: envStr("REASONING_BASE_URL", "https://api.x.ai/v1"),
		ReasoningModel:   envStr("REASONING_MODEL", "grok-3"),
		FeedAPIKey:       envStr("FEED_API_KEY", ""),
		FeedBaseURL:      envStr("FEED_BASE_URL", "https://api.twitterapi.io"),
		FeedStreamURL:    envStr("FEED_STREAM_URL", "wss://ws.twitterapi.io/twitter/tweet/websocket"),
		MarketAPIURL:     envStr("MARKET_API_URL", "https://gamma-api.polymarket.com"),
		WalletURL:        envStr("WALLET_URL", "http://wallet:8600"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
