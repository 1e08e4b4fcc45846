package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultPaymentTimeout = 15 * time.Second

// Configはアプリ全体の設定
type Config struct {
	ServiceName string
	Port        string // サーバーポート（8080）

	DatabaseURL      string // あれば最優先
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     int
	PostgresSSLMode  string

	JWTSecret string // JWT署名シークレット

	GoEnv    string // development/production
	LogLevel string

	// 決済ゲートウェイ
	PaymentEnv          string // integration/production
	PaymentCommerceCode string
	PaymentAPIKey       string
	PaymentReturnURL    string // 空でも起動はする（決済開始時に設定エラー）
	PaymentBaseURL      string
	PaymentTimeout      time.Duration

	RedisAddr    string // 空ならプロセス内ロック
	AMQPURL      string // 空ならログ出力のみ
	OTLPEndpoint string // 空ならトレース送信なし
}

// .envがあれば読んでから環境変数を読む
func LoadWithDotenv(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}
	return Load()
}

// Loadは環境変数
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getenv("SERVICE_NAME", "ec-checkout"),
		Port:        os.Getenv("PORT"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		GoEnv:    getenv("GO_ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		PaymentEnv:          strings.ToLower(getenv("PAYMENT_ENV", "integration")),
		PaymentCommerceCode: os.Getenv("PAYMENT_COMMERCE_CODE"),
		PaymentAPIKey:       os.Getenv("PAYMENT_API_KEY"),
		PaymentReturnURL:    strings.TrimSpace(os.Getenv("PAYMENT_RETURN_URL")),
		PaymentBaseURL:      os.Getenv("PAYMENT_BASE_URL"),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	//必須チェック
	if cfg.Port == "" {
		return Config{}, fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(strings.TrimPrefix(cfg.Port, ":")); err != nil {
		return Config{}, fmt.Errorf("PORT must be number: %w", err)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.DatabaseURL == "" {
		pgPort, err := mustAtoi("POSTGRES_PORT")
		if err != nil {
			return Config{}, err
		}
		cfg.PostgresPort = pgPort

		for key, v := range map[string]string{
			"POSTGRES_USER":     cfg.PostgresUser,
			"POSTGRES_PASSWORD": cfg.PostgresPassword,
			"POSTGRES_DB":       cfg.PostgresDB,
			"POSTGRES_HOST":     cfg.PostgresHost,
		} {
			if v == "" {
				return Config{}, fmt.Errorf("%s is required (or set DATABASE_URL)", key)
			}
		}
	}

	switch cfg.PaymentEnv {
	case "integration":
	case "production":
		if cfg.PaymentCommerceCode == "" || cfg.PaymentAPIKey == "" {
			return Config{}, fmt.Errorf("PAYMENT_COMMERCE_CODE and PAYMENT_API_KEY are required in production")
		}
	default:
		return Config{}, fmt.Errorf("PAYMENT_ENV must be integration or production: %q", cfg.PaymentEnv)
	}

	if cfg.PaymentReturnURL != "" {
		u, err := url.Parse(cfg.PaymentReturnURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("PAYMENT_RETURN_URL must be an absolute url")
		}
	}

	cfg.PaymentTimeout = defaultPaymentTimeout
	if v := os.Getenv("PAYMENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("PAYMENT_TIMEOUT must be a positive duration: %q", v)
		}
		cfg.PaymentTimeout = d
	}

	return cfg, nil
}

// DSN はDATABASE_URLかPOSTGRES_*から接続文字列を作る
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}

// ":8080" 形式
func (c Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func (c Config) IsProduction() bool {
	return c.GoEnv == "production"
}

func mustAtoi(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func getenv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
