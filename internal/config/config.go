// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment は実行環境を表します。Cookie の Secure 属性やオリジン検証の有無を切り替えます。
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// DefaultPublicAuthURL は PUBLIC_AUTH_URL 未設定時に使うローカル開発用のURLです。
const DefaultPublicAuthURL = "http://localhost:4321"

// ErrMissingDatabaseURL は DATABASE_URL が設定されていない場合に返されます。
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set in environment variables")

// ParseEnvironment は文字列を Environment に変換します。空文字は Development とみなします。
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case "", Development:
		return Development, nil
	case Production:
		return Production, nil
	default:
		return "", fmt.Errorf("APP_ENV must be %q or %q, got %q", Development, Production, s)
	}
}

// IsProduction は本番環境かどうかを返します。
func (e Environment) IsProduction() bool {
	return e == Production
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 実行環境
	Environment Environment // development / production
	Port        string      // HTTPサーバーのポート番号

	// 認証エンジン設定
	DatabaseURL    string   // 認証エンジンと共有するPostgreSQL接続文字列（必須）
	AuthSecret     string   // 署名用の秘密鍵
	PublicAuthURL  string   // クライアントアダプターが使う公開ベースURL
	AuthEngineURL  string   // 転送先の認証エンジンURL
	TrustedOrigins []string // 状態変更リクエストを許可するオリジン
	TrustedProxies []string // X-Forwarded-For を信頼するプロキシのIP/CIDR（空なら接続元IPのみ）
	UserTable      string   // 認証エンジンのユーザーテーブル名

	// メール設定
	ResendAPIKey string // メール配信プロバイダーのAPIキー（空ならログ出力のみ）
	MailFrom     string // 送信元アドレス

	// ジョブ/キュー設定
	QueueRedisURL            string // Asynq用Redis接続URL（空なら同期送信）
	DeliveryRecordTTLMinutes int    // 配信レコードの保持期間（分）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	env, err := ParseEnvironment(os.Getenv("APP_ENV"))
	if err != nil {
		return nil, err
	}

	publicURL := getEnv("PUBLIC_AUTH_URL", DefaultPublicAuthURL)

	config := &Config{
		Environment: env,
		Port:        getEnv("PORT", "4321"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuthSecret:     os.Getenv("BETTER_AUTH_SECRET"),
		PublicAuthURL:  publicURL,
		AuthEngineURL:  getEnv("AUTH_ENGINE_URL", "http://localhost:3000"),
		TrustedOrigins: splitList(getEnv("TRUSTED_ORIGINS", originOf(publicURL))),
		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),
		UserTable:      getEnv("USER_TABLE", "user"),

		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		MailFrom:     getEnv("MAIL_FROM", "Fueled Forward <onboarding@resend.dev>"),

		QueueRedisURL:            getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		DeliveryRecordTTLMinutes: getEnvAsInt("DELIVERY_RECORD_TTL_MINUTES", 24*60),
	}
	if v, ok := os.LookupEnv("QUEUE_REDIS_URL"); ok && strings.TrimSpace(v) == "" {
		config.QueueRedisURL = ""
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if _, err := ParseEnvironment(string(c.Environment)); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(c.PublicAuthURL); err != nil {
		return fmt.Errorf("PUBLIC_AUTH_URL is invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(c.AuthEngineURL); err != nil {
		return fmt.Errorf("AUTH_ENGINE_URL is invalid: %w", err)
	}

	// 本番環境では厳格にチェックする
	if c.Environment.IsProduction() {
		if c.AuthSecret == "" {
			return fmt.Errorf("BETTER_AUTH_SECRET is required in production")
		}
		if len(c.TrustedOrigins) == 0 {
			return fmt.Errorf("TRUSTED_ORIGINS is required in production")
		}
	}

	return nil
}

// GinMode は Environment に対応する Gin の実行モードを返します。
func (c *Config) GinMode() string {
	if c.Environment.IsProduction() {
		return "release"
	}
	return "debug"
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimRight(strings.TrimSpace(part), "/"); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// originOf は URL から scheme://host を取り出します。
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
