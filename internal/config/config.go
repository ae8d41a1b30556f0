package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Reconciliation
	AllowNonCounterSubmission bool          // 計数ロール以外のSubmitを許可するか（デフォルト: 許可、ラウンド1に割り当て）
	ConflictMaxRetries        int           // 書き込み競合時の内部リトライ回数
	IdempotencyRetention      time.Duration // 冪等性キーの保持期間
	LastCountsDefaultLimit    int           // 直近カウントビューのデフォルト件数

	// Worker
	CleanupInterval time.Duration // 冪等性キー掃除ジョブの実行間隔

	// Rate Limit
	RateLimitGeneral int // API全般のレート（req/min）
	RateLimitSubmit  int // 計数登録のレート（req/min）

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
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

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AllowNonCounterSubmission = getEnvBool("ALLOW_NON_COUNTER_SUBMISSION", true)
	cfg.ConflictMaxRetries = getEnvInt("CONFLICT_MAX_RETRIES", 3)
	cfg.IdempotencyRetention = getEnvDuration("IDEMPOTENCY_RETENTION", 24*time.Hour)
	cfg.LastCountsDefaultLimit = getEnvInt("LAST_COUNTS_DEFAULT_LIMIT", 3)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 1*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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
