package config

import (
	"time"

	"github.com/k1networth/outputfeed/internal/shared/env"
)

type Config struct {
	AppEnv   string
	HTTPAddr string
	LogLevel string

	WindowSize   int
	MaxBodyBytes int64

	Persist PersistConfig
	Live    LiveConfig
	Kafka   KafkaConfig

	WebhookRateRPS   float64
	WebhookRateBurst int

	ShutdownTimeout time.Duration
}

type PersistConfig struct {
	Backend string
	Key     string
	Timeout time.Duration

	Path        string
	SQLitePath  string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket   string
	GCSPrefix   string
	GCSEndpoint string
}

type LiveConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendQueue         int
}

type KafkaConfig struct {
	Brokers     []string
	MirrorTopic string
	IngestTopic string
	GroupID     string
}

func Load() Config {
	loadDotEnv(".env")

	return Config{
		AppEnv:       env.String("APP_ENV", "dev"),
		HTTPAddr:     env.String("HTTP_ADDR", ":8080"),
		LogLevel:     env.String("LOG_LEVEL", "info"),
		WindowSize:   env.Int("WINDOW_SIZE", 20),
		MaxBodyBytes: int64(env.Int("MAX_BODY_BYTES", 1<<20)),

		Persist: PersistConfig{
			Backend:       env.String("PERSIST_BACKEND", "none"),
			Key:           env.String("PERSIST_KEY", "outputs"),
			Timeout:       env.Duration("PERSIST_TIMEOUT", 5*time.Second),
			Path:          env.String("PERSIST_PATH", "data/outputs.json"),
			SQLitePath:    env.String("SQLITE_PATH", "data/outputfeed.db"),
			DatabaseURL:   env.String("DATABASE_URL", ""),
			RedisAddr:     env.String("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env.String("REDIS_PASSWORD", ""),
			RedisDB:       env.Int("REDIS_DB", 0),
			S3Bucket:      env.String("S3_BUCKET", ""),
			S3Region:      env.String("S3_REGION", "us-east-1"),
			S3Endpoint:    env.String("S3_ENDPOINT", ""),
			S3Prefix:      env.String("S3_PREFIX", ""),
			GCSBucket:     env.String("GCS_BUCKET", ""),
			GCSPrefix:     env.String("GCS_PREFIX", ""),
			GCSEndpoint:   env.String("GCS_ENDPOINT", ""),
		},

		Live: LiveConfig{
			HeartbeatInterval: env.Duration("HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatTimeout:  env.Duration("HEARTBEAT_TIMEOUT", 60*time.Second),
			WriteTimeout:      env.Duration("WRITE_TIMEOUT", 10*time.Second),
			SendQueue:         env.Int("SEND_QUEUE", 32),
		},

		Kafka: KafkaConfig{
			Brokers:     env.StringsCSV("KAFKA_BROKERS", nil),
			MirrorTopic: env.String("KAFKA_MIRROR_TOPIC", ""),
			IngestTopic: env.String("KAFKA_INGEST_TOPIC", ""),
			GroupID:     env.String("KAFKA_GROUP_ID", "outputfeed-service"),
		},

		WebhookRateRPS:   env.Float("WEBHOOK_RATE_RPS", 0),
		WebhookRateBurst: env.Int("WEBHOOK_RATE_BURST", 20),

		ShutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
