package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort      string
	JWTSecret     []byte
	EncryptionKey string
	Database      DatabaseConfig
	Cache         CacheConfig
	Redis         RedisConfig
	Relay         RelayConfig
	Provider      ProviderConfig
	Webhook       WebhookConfig
	PollWorker    PollWorkerConfig
	LoggingSink   LoggingSinkConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	ModelCacheSize  int
	ModelCacheTTL   time.Duration
	SecretCacheSize int
	SecretCacheTTL  time.Duration
	TokenCacheTTL   time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// RelayConfig holds the relay binding and its per-call policy.
type RelayConfig struct {
	URL        string
	Timeout    time.Duration
	Attempts   int
	RetryDelay int
	Backoff    float64
}

// ProviderConfig holds provider-related settings. The key fields are the
// process-wide defaults; per-user secrets from the database take precedence.
type ProviderConfig struct {
	RequestTimeout  time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	AWSRegion       string
	BedrockKeys     string
	BedrockS3Output string
	ReplicateKey    string
	OpenAIKey       string
	VertexProject   string
	VertexRegion    string
	VertexSAKey     string
}

// WebhookConfig holds settings for provider completion callbacks.
type WebhookConfig struct {
	CallbackBaseURL string
	Secret          string
}

// PollWorkerConfig holds settings for the async polling worker.
type PollWorkerConfig struct {
	QueueName    string
	BatchSize    int
	BatchTimeout time.Duration
	MaxPolls     int
}

// LoggingSinkConfig holds configuration for the S3-based logging sink
type LoggingSinkConfig struct {
	Enabled       bool          // Whether to enable S3 logging
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "logs/")
	PodName       string        // Pod identifier for multi-pod deployments
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnvString("HTTP_PORT", "8080")
	jwtSecret := []byte(getEnvString("JWT_SECRET", "supersecretkey"))

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	cfg := &Config{
		HTTPPort:      port,
		JWTSecret:     jwtSecret,
		EncryptionKey: encryptionKey,
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "modelgateway"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			ModelCacheSize:  getEnvInt("CACHE_MODEL_SIZE", 500),
			ModelCacheTTL:   getEnvDuration("CACHE_MODEL_TTL", 15*time.Minute),
			SecretCacheSize: getEnvInt("CACHE_SECRET_SIZE", 1000),
			SecretCacheTTL:  getEnvDuration("CACHE_SECRET_TTL", 5*time.Minute),
			TokenCacheTTL:   getEnvDuration("CACHE_TOKEN_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnvString("REDIS_ENABLED", "false") == "true",
			Address:  getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			URL:        getEnvString("RELAY_URL", ""),
			Timeout:    getEnvDuration("RELAY_TIMEOUT", 5*time.Minute),
			Attempts:   getEnvInt("RELAY_ATTEMPTS", 1),
			RetryDelay: getEnvInt("RELAY_RETRY_DELAY_MS", 1000),
			Backoff:    getEnvFloat("RELAY_BACKOFF", 2.0),
		},
		Provider: ProviderConfig{
			RequestTimeout:  getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			RetryAttempts:   getEnvInt("PROVIDER_RETRY_ATTEMPTS", 2),
			RetryBaseDelay:  getEnvDuration("PROVIDER_RETRY_BASE_DELAY", 500*time.Millisecond),
			AWSRegion:       getEnvString("AWS_REGION", ""),
			BedrockKeys:     getEnvString("BEDROCK_AWS_KEYS", ""),
			BedrockS3Output: getEnvString("BEDROCK_OUTPUT_S3_URI", ""),
			ReplicateKey:    getEnvString("REPLICATE_API_KEY", ""),
			OpenAIKey:       getEnvString("OPENAI_API_KEY", ""),
			VertexProject:   getEnvString("VERTEX_PROJECT_ID", ""),
			VertexRegion:    getEnvString("VERTEX_REGION", "us-central1"),
			VertexSAKey:     getEnvString("VERTEX_SA_KEY", ""),
		},
		Webhook: WebhookConfig{
			CallbackBaseURL: getEnvString("WEBHOOK_CALLBACK_BASE_URL", ""),
			Secret:          getEnvString("WEBHOOK_SECRET", ""),
		},
		PollWorker: PollWorkerConfig{
			QueueName:    getEnvString("POLL_QUEUE_NAME", "async-polls"),
			BatchSize:    getEnvInt("POLL_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("POLL_BATCH_TIMEOUT", 5*time.Second),
			MaxPolls:     getEnvInt("POLL_MAX_POLLS", 1000),
		},
		LoggingSink: LoggingSinkConfig{
			Enabled:       getEnvString("LOGGING_SINK_ENABLED", "false") == "true",
			BufferSize:    getEnvInt("LOGGING_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("LOGGING_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("LOGGING_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("LOGGING_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("LOGGING_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("LOGGING_SINK_S3_PREFIX", "logs/"),
			PodName:       getEnvString("POD_NAME", "gateway-0"),
		},
	}

	return cfg, nil
}
