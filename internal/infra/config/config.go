package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	TokenRefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"5m"`
	TokenAlarmInterval    time.Duration `env:"TOKEN_ALARM_INTERVAL"    envDefault:"4m"`
	TokenRefreshTimeout   time.Duration `env:"TOKEN_REFRESH_TIMEOUT"   envDefault:"30s"`

	APIBaseURL         string        `env:"API_BASE_URL"          envDefault:"http://localhost:3000/api/v1"`
	APITimeout         time.Duration `env:"API_TIMEOUT"           envDefault:"30s"`
	APIMaxRetries      int           `env:"API_MAX_RETRIES"       envDefault:"2"`
	APIRetryBaseDelay  time.Duration `env:"API_RETRY_BASE_DELAY"  envDefault:"250ms"`
	APIMaxUploadBytes  int64         `env:"API_MAX_UPLOAD_BYTES"  envDefault:"10485760"`
	APIDefaultTokenTTL time.Duration `env:"API_DEFAULT_TOKEN_TTL" envDefault:"15m"`

	AuthStore  string `env:"AUTH_STORE"  envDefault:"memory"`
	RedisURL   string `env:"REDIS_URL"   envDefault:"redis://localhost:6379/0"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"ytgify.db"`

	DispatchRetryDelay     time.Duration `env:"DISPATCH_RETRY_DELAY"     envDefault:"100ms"`
	DispatchRequestTimeout time.Duration `env:"DISPATCH_REQUEST_TIMEOUT" envDefault:"30s"`

	JobTimeout      time.Duration `env:"JOB_TIMEOUT"      envDefault:"5m"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	CleanupMaxAge   time.Duration `env:"CLEANUP_MAX_AGE"  envDefault:"1h"`

	FFmpegBinary string `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
	FFmpegFormat string `env:"FFMPEG_FORMAT" envDefault:"png"`
	TempDir      string `env:"TEMP_DIR"      envDefault:"/tmp/ytgify"`

	// Optional side channels; empty disables them.
	DatabaseURL   string `env:"DATABASE_URL"`
	RabbitMQURL   string `env:"RABBITMQ_URL"`
	MinIOEndpoint string `env:"MINIO_ENDPOINT"`

	RabbitMQExchange     string `env:"RABBITMQ_EXCHANGE"      envDefault:"ytgify"`
	RabbitMQRequestQueue string `env:"RABBITMQ_REQUEST_QUEUE" envDefault:"ytgify.requests"`
	RabbitMQDLQ          string `env:"RABBITMQ_DLQ"           envDefault:"ytgify.requests.dlq"`
	RabbitMQStatusQueue  string `env:"RABBITMQ_STATUS_QUEUE"  envDefault:"ytgify.job.status"`
	RabbitMQPrefetch     int    `env:"RABBITMQ_PREFETCH"      envDefault:"5"`
	RabbitMQWorkerCount  int    `env:"RABBITMQ_WORKER_COUNT"  envDefault:"3"`

	MinIOAccessKey    string `env:"MINIO_ACCESS_KEY"    envDefault:"minioadmin"`
	MinIOSecretKey    string `env:"MINIO_SECRET_KEY"    envDefault:"minioadmin"`
	MinIOUseSSL       bool   `env:"MINIO_USE_SSL"       envDefault:"false"`
	MinIOFramesBucket string `env:"MINIO_FRAMES_BUCKET" envDefault:"frames"`

	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8083"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.AuthStore {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("AUTH_STORE must be memory, redis or sqlite, got %q", c.AuthStore)
	}
	if c.TokenRefreshThreshold <= 0 || c.TokenAlarmInterval <= 0 {
		return fmt.Errorf("token refresh threshold and alarm interval must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	return nil
}
