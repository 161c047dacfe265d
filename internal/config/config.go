// Package config はプロセス設定とマッピング定義ファイルの読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	DataDir      string
	MappingsFile string

	// Database（購読ストアと関連付けを使う場合のみ必須）
	DatabaseURL         string
	ResultRetentionDays int

	// Scheduler（ティック間隔は1分固定。refreshは分単位で数える）
	MaxConcurrentMappings int

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Destination
	WebhookURL        string
	WebhookRatePerMin int

	// Server
	AdminPort string
}

// Load は環境変数からConfigを読み込む。
// 値の形式が不正な場合は既定値を使う。範囲外の値はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.MappingsFile = getEnvString("MAPPINGS_FILE", filepath.Join(cfg.DataDir, "mappings.yaml"))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ResultRetentionDays = getEnvInt("RESULT_RETENTION_DAYS", 30)
	cfg.MaxConcurrentMappings = getEnvInt("MAX_CONCURRENT_MAPPINGS", 1)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.WebhookRatePerMin = getEnvInt("WEBHOOK_RATE_PER_MIN", 30)
	cfg.AdminPort = getEnvString("ADMIN_PORT", "8080")

	var invalid []string
	if cfg.MaxConcurrentMappings < 1 {
		invalid = append(invalid, "MAX_CONCURRENT_MAPPINGS")
	}
	if cfg.WebhookRatePerMin < 1 {
		invalid = append(invalid, "WEBHOOK_RATE_PER_MIN")
	}
	if cfg.ResultRetentionDays < 1 {
		invalid = append(invalid, "RESULT_RETENTION_DAYS")
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("environment variables out of range: %v", invalid)
	}

	return cfg, nil
}

// RequireWorker はワーカーモードで必須の設定を検証する。
func (c *Config) RequireWorker() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("required environment variables are not set: %v", []string{"WEBHOOK_URL"})
	}
	return nil
}

// HasDatabase は購読ストアが構成されているかを返す。
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
