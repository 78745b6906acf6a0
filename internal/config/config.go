package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends for response aggregates.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds configuration for the fan-out gateway.
type Config struct {
	HTTPPort    string
	LogLevel    string
	CORSOrigins []string
	JWT         JWTConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Gateway     GatewayConfig
	Dispatch    DispatchConfig
	RateLimit   RateLimitConfig
	StatsCache  StatsCacheConfig
	LoggingSink LoggingSinkConfig
}

// JWTConfig holds the settings for owner identity tokens
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// StoreConfig selects the aggregate store backend
type StoreConfig struct {
	Backend string // memory, postgres or mongo
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// GatewayConfig holds the upstream unified gateway settings
type GatewayConfig struct {
	BaseURL        string
	DefaultAPIKey  string
	RequestTimeout time.Duration // Per provider call
	MockMode       bool
	MockMinDelay   time.Duration
	MockMaxDelay   time.Duration
	ProvidersFile  string // Optional YAML provider catalog
}

// DispatchConfig controls the provider job queue and its workers
type DispatchConfig struct {
	QueueName    string
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	MaxInFlight  int
	MaxRetries   int
	RetryBackoff time.Duration
}

// RateLimitConfig limits submissions per owner
type RateLimitConfig struct {
	SubmissionsPerMinute int // 0 disables the limit
}

// StatsCacheConfig holds the stats LRU settings
type StatsCacheConfig struct {
	Size int
	TTL  time.Duration
}

// LoggingSinkConfig holds configuration for the S3-based provider call log
type LoggingSinkConfig struct {
	Enabled       bool          // Whether to enable S3 logging
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "calls/")
	PodName       string        // Pod identifier for multi-pod deployments
	S3Endpoint    string        // Optional S3-compatible endpoint (MinIO)
	S3AccessKey   string
	S3SecretKey   string
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

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:    getEnvString("HTTP_PORT", "8080"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),
		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		JWT: JWTConfig{
			Secret:   []byte(getEnvString("JWT_SECRET", "supersecretkey")),
			Issuer:   getEnvString("JWT_ISSUER", "llm-fanout"),
			TokenTTL: getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnvString("STORE_BACKEND", StoreMemory)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Mongo: MongoConfig{
			URI:            os.Getenv("MONGODB_URI"),
			Database:       getEnvString("MONGODB_DATABASE", "llm_fanout"),
			Collection:     getEnvString("MONGODB_COLLECTION", "response_aggregates"),
			ConnectTimeout: getEnvDuration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Gateway: GatewayConfig{
			BaseURL:        strings.TrimRight(getEnvString("GATEWAY_BASE_URL", "https://openrouter.ai/api/v1"), "/"),
			DefaultAPIKey:  os.Getenv("GATEWAY_API_KEY"),
			RequestTimeout: getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			MockMode:       getEnvBool("MOCK_MODE", false),
			MockMinDelay:   getEnvDuration("MOCK_MIN_DELAY", 500*time.Millisecond),
			MockMaxDelay:   getEnvDuration("MOCK_MAX_DELAY", 2*time.Second),
			ProvidersFile:  os.Getenv("PROVIDERS_FILE"),
		},
		Dispatch: DispatchConfig{
			QueueName:    getEnvString("DISPATCH_QUEUE_NAME", "provider_jobs"),
			Workers:      getEnvInt("DISPATCH_WORKERS", 2),
			BatchSize:    getEnvInt("DISPATCH_BATCH_SIZE", 20),
			BatchTimeout: getEnvDuration("DISPATCH_BATCH_TIMEOUT", 200*time.Millisecond),
			MaxInFlight:  getEnvInt("DISPATCH_MAX_IN_FLIGHT", 64),
			MaxRetries:   getEnvInt("DISPATCH_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("DISPATCH_RETRY_BACKOFF", 500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			SubmissionsPerMinute: getEnvInt("RATE_LIMIT_SUBMISSIONS_PER_MINUTE", 30),
		},
		StatsCache: StatsCacheConfig{
			Size: getEnvInt("STATS_CACHE_SIZE", 500),
			TTL:  getEnvDuration("STATS_CACHE_TTL", 30*time.Second),
		},
		LoggingSink: LoggingSinkConfig{
			Enabled:       getEnvBool("LOGGING_SINK_ENABLED", false),
			BufferSize:    getEnvInt("LOGGING_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("LOGGING_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("LOGGING_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("LOGGING_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("LOGGING_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("LOGGING_SINK_S3_PREFIX", "calls/"),
			PodName:       getEnvString("POD_NAME", "fanout-0"),
			S3Endpoint:    os.Getenv("LOGGING_SINK_S3_ENDPOINT"),
			S3AccessKey:   os.Getenv("LOGGING_SINK_S3_ACCESS_KEY"),
			S3SecretKey:   os.Getenv("LOGGING_SINK_S3_SECRET_KEY"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend-specific requirements and numeric bounds.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if c.LoggingSink.Enabled && c.LoggingSink.S3Bucket == "" {
		return fmt.Errorf("LOGGING_SINK_S3_BUCKET is required when the logging sink is enabled")
	}
	if c.Gateway.MockMinDelay > c.Gateway.MockMaxDelay {
		return fmt.Errorf("MOCK_MIN_DELAY (%s) exceeds MOCK_MAX_DELAY (%s)", c.Gateway.MockMinDelay, c.Gateway.MockMaxDelay)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1")
	}
	if c.Dispatch.MaxInFlight < 1 {
		return fmt.Errorf("DISPATCH_MAX_IN_FLIGHT must be at least 1")
	}
	return nil
}
