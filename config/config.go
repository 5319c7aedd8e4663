package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	ServerPort int    `env:"SERVER_PORT, default=8080"`
	Env        string `env:"ENV, default=development"`

	Database DatabaseConfig
	Site     SiteConfig
	Security SecurityConfig
	Session  SessionConfig
	Redis    RedisConfig
	Storage  StorageConfig
	MQ       MQConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST, default=localhost"`
	Port     int    `env:"DB_PORT, default=5432"`
	User     string `env:"DB_USER, default=maqalati"`
	Password string `env:"DB_PASSWORD, default=password"`
	DBName   string `env:"DB_NAME, default=maqalati"`
	Charset  string `env:"DB_CHARSET, default=UTF8"`
	UseSSL   bool   `env:"DB_SSL, default=false"`
}

type SiteConfig struct {
	Name       string `env:"SITE_NAME, default=مقالاتي"`
	URL        string `env:"SITE_URL, default=http://localhost:8080"`
	AdminEmail string `env:"ADMIN_EMAIL, default=admin@example.com"`
}

// SecurityConfig holds the password and login policy knobs.
// Durations are expressed in seconds in the environment.
type SecurityConfig struct {
	HashCost         int    `env:"HASH_COST, default=12"`
	SessionLifetime  int    `env:"SESSION_LIFETIME, default=3600"`
	CookieLifetime   int    `env:"COOKIE_LIFETIME, default=2592000"`
	MaxLoginAttempts int    `env:"MAX_LOGIN_ATTEMPTS, default=5"`
	LockoutTime      int    `env:"LOCKOUT_TIME, default=900"`
	SecretKey        string `env:"SECRET_KEY, default=your_secret_key_here_change_in_production_2026"`
	// LoginRateEvery is the refill interval in seconds of the per-IP login
	// limiter; LoginRateBurst is its bucket size.
	LoginRateEvery int `env:"LOGIN_RATE_EVERY, default=5"`
	LoginRateBurst int `env:"LOGIN_RATE_BURST, default=5"`
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `env:"TRUST_PROXY, default=false"`
}

func (s SecurityConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionLifetime) * time.Second
}

func (s SecurityConfig) CookieTTL() time.Duration {
	return time.Duration(s.CookieLifetime) * time.Second
}

func (s SecurityConfig) LockoutDuration() time.Duration {
	return time.Duration(s.LockoutTime) * time.Second
}

func (s SecurityConfig) LoginRateInterval() time.Duration {
	return time.Duration(s.LoginRateEvery) * time.Second
}

type SessionConfig struct {
	// Store selects the session backend: "memory" or "redis".
	Store        string `env:"SESSION_STORE, default=memory"`
	CookieName   string `env:"SESSION_COOKIE, default=maqalati_session"`
	SecureCookie bool   `env:"SESSION_SECURE, default=false"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR, default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
}

type StorageConfig struct {
	// Backend is "minio", "gcs" or empty to disable avatar uploads.
	Backend string `env:"STORAGE_BACKEND"`
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET, default=maqalati"`
	UseSSL    bool   `env:"MINIO_SSL, default=false"`
}

type GCSConfig struct {
	Bucket          string `env:"GCS_BUCKET"`
	ProjectID       string `env:"GCS_PROJECT_ID"`
	CredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
}

type MQConfig struct {
	// Backend is "rabbitmq", "pubsub" or empty to only log account events.
	Backend  string `env:"MQ_BACKEND"`
	Channel  string `env:"MQ_ACCOUNT_CHANNEL, default=account-events"`
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string `env:"RABBITMQ_URL"`
	QueueDurable    bool   `env:"RABBITMQ_QUEUE_DURABLE, default=true"`
	QueueAutoDelete bool   `env:"RABBITMQ_QUEUE_AUTO_DELETE, default=false"`
	PrefetchCount   int    `env:"RABBITMQ_PREFETCH, default=0"`
}

type PubSubConfig struct {
	ProjectID          string `env:"PUBSUB_PROJECT_ID"`
	CredentialsFile    string `env:"PUBSUB_CREDENTIALS_FILE"`
	SubscriptionSuffix string `env:"PUBSUB_SUBSCRIPTION_SUFFIX, default=-sub"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL, default=info"`
	Pretty bool   `env:"LOG_PRETTY, default=false"`
}

// LoadConfig reads .env (when present) and decodes the environment.
func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Security.HashCost < 4 || cfg.Security.HashCost > 31 {
		return Config{}, fmt.Errorf("config: HASH_COST must be between 4 and 31, got %d", cfg.Security.HashCost)
	}
	if cfg.Security.MaxLoginAttempts < 1 {
		return Config{}, fmt.Errorf("config: MAX_LOGIN_ATTEMPTS must be positive")
	}
	return cfg, nil
}

// IsProduction returns true when ENV is "production".
func (c Config) IsProduction() bool {
	return c.Env == "production"
}
