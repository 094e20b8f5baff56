package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Twitter API (アプリケーション資格情報)
	TwitterConsumerKey    string
	TwitterConsumerSecret string
	TwitterAPIBaseURL     string
	TwitterStreamURL      string
	TwitterAPIRPS         int
	TwitterAPIBurst       int
	TwitterAPITimeout     time.Duration
	// OutboundGuard が有効な場合、リモートAPIへの通信はSSRF対策済みクライアントを経由する。
	OutboundGuard bool

	// Hydration
	HydrateTimeout time.Duration

	// Rate Limit (req/min/user)
	RateLimitGeneral int
	RateLimitReply   int

	// CORS / WebSocket
	// CORSAllowedOrigins はカンマ区切りの許可オリジン。空の場合CORSヘッダーを付与しない。
	CORSAllowedOrigins string
	// WSOriginPatterns は/ws/tweetで同一オリジン以外に許可するオリジンのパターン。
	WSOriginPatterns []string

	// Stream
	StreamSeedFile string

	// Logging
	LogLevel string

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TwitterConsumerKey = os.Getenv("TWITTER_CONSUMER_KEY")
	if cfg.TwitterConsumerKey == "" {
		missing = append(missing, "TWITTER_CONSUMER_KEY")
	}

	cfg.TwitterConsumerSecret = os.Getenv("TWITTER_CONSUMER_SECRET")
	if cfg.TwitterConsumerSecret == "" {
		missing = append(missing, "TWITTER_CONSUMER_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TwitterAPIBaseURL = getEnvString("TWITTER_API_BASE_URL", "https://api.twitter.com")
	cfg.TwitterStreamURL = getEnvString("TWITTER_STREAM_URL", "https://stream.twitter.com/1.1/statuses/filter.json")
	cfg.TwitterAPIRPS = getEnvInt("TWITTER_API_RPS", 5)
	cfg.TwitterAPIBurst = getEnvInt("TWITTER_API_BURST", 10)
	cfg.TwitterAPITimeout = getEnvDuration("TWITTER_API_TIMEOUT", 10*time.Second)
	cfg.OutboundGuard = getEnvBool("OUTBOUND_GUARD", true)
	cfg.HydrateTimeout = getEnvDuration("HYDRATE_TIMEOUT", 15*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReply = getEnvInt("RATE_LIMIT_REPLY", 10)
	cfg.CORSAllowedOrigins = getEnvString("CORS_ALLOWED_ORIGINS", "")
	cfg.WSOriginPatterns = getEnvList("WS_ORIGIN_PATTERNS")
	cfg.StreamSeedFile = getEnvString("STREAM_SEED_FILE", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
