package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis    RedisConfig
	AI       AIConfig
	Matching MatchingConfig
	Tasks    TasksConfig
	Usage    UsageConfig

	QuotaConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type AIConfig struct {
	APIKey           string
	Model            string
	MaxPromptChars   int
	RateLimitEnabled bool
	RatePerSecond    float64
	RateBurst        int
}

type MatchingConfig struct {
	DefaultThreshold int
}

type TasksConfig struct {
	MaxConcurrentRuns      int
	MaxConcurrentQuestions int
	MaxConcurrentMerges    int
	DrainTimeout           time.Duration
}

type UsageConfig struct {
	CacheTTLBuffer time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "synchire"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFormat:    getenv("LOG_FORMAT", "json"),
		OTLPEndpoint: strings.TrimSpace(getenv("OTLP_ENDPOINT", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "synchire"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		AI: AIConfig{
			APIKey:           strings.TrimSpace(getenv("GEMINI_API_KEY", "")),
			Model:            strings.TrimSpace(getenv("AI_MODEL", "")),
			MaxPromptChars:   getenvInt("AI_MAX_PROMPT_CHARS", 6000),
			RateLimitEnabled: getenvBool("AI_RATE_LIMIT_ENABLED", false),
			RatePerSecond:    getenvFloat("AI_RATE_PER_SECOND", 2),
			RateBurst:        getenvInt("AI_RATE_BURST", 10),
		},
		Matching: MatchingConfig{
			DefaultThreshold: getenvInt("MATCHING_DEFAULT_THRESHOLD", 70),
		},
		Tasks: TasksConfig{
			MaxConcurrentRuns:      getenvInt("TASKS_MAX_CONCURRENT_RUNS", 4),
			MaxConcurrentQuestions: getenvInt("TASKS_MAX_CONCURRENT_QUESTIONS", 16),
			MaxConcurrentMerges:    getenvInt("TASKS_MAX_CONCURRENT_MERGES", 32),
			DrainTimeout:           getenvDuration("TASKS_DRAIN_TIMEOUT", 30*time.Second),
		},
		Usage: UsageConfig{
			CacheTTLBuffer: getenvDuration("USAGE_CACHE_TTL_BUFFER", 24*time.Hour),
		},
		QuotaConfigPath: strings.TrimSpace(getenv("QUOTA_CONFIG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
