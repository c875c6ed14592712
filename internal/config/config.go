package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Qdrant    QdrantConfig
	LLM       LLMConfig
	Worker    WorkerConfig
	Timeouts  TimeoutConfig
	Retrieval RetrievalConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type LLMConfig struct {
	APIKey           string
	BaseURL          string
	ProviderOverride string
	DefaultModel     string
	EvaluationModel  string
	EmbeddingModel   string
	Temperature      float32
	MaxTokens        int
	Referer          string
	AppName          string
	MaxRetries       int
	RetryBaseDelay   time.Duration
	EmbeddingDim     int
}

type WorkerConfig struct {
	Concurrency   int
	QueueCapacity int
	RequeueAfter  time.Duration
}

type TimeoutConfig struct {
	Chat      time.Duration
	Embedding time.Duration
	Retrieval time.Duration
	JobStore  time.Duration
}

type RetrievalConfig struct {
	MaxResults     int
	ScoreThreshold float32
	ChunkSize      int
	ChunkOverlap   int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found. Using default values.")
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "candidate_evaluator"),
		},
		Qdrant: QdrantConfig{
			URL:    getEnv("QDRANT_URL", "http://localhost:6333"),
			APIKey: getEnv("QDRANT_API_KEY", ""),
		},
		LLM: LLMConfig{
			APIKey:           getEnv("LLM_API_KEY", ""),
			BaseURL:          getEnv("LLM_BASE_URL", ""),
			ProviderOverride: getEnv("LLM_PROVIDER", ""),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", ""),
			EvaluationModel:  getEnv("LLM_EVALUATION_MODEL", ""),
			EmbeddingModel:   getEnv("LLM_EMBEDDING_MODEL", ""),
			Temperature:      getEnvAsFloat32("LLM_TEMPERATURE", 0.3),
			MaxTokens:        getEnvAsInt("LLM_MAX_TOKENS", 2000),
			Referer:          getEnv("LLM_HTTP_REFERER", "http://localhost:3000"),
			AppName:          getEnv("LLM_APP_NAME", "candidate-evaluator"),
			MaxRetries:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", "1s"),
			EmbeddingDim:     getEnvAsInt("EMBEDDING_DIM", 128),
		},
		Worker: WorkerConfig{
			Concurrency:   getEnvAsInt("WORKER_CONCURRENCY", 3),
			QueueCapacity: getEnvAsInt("QUEUE_CAPACITY", 100),
			RequeueAfter:  getEnvAsDuration("REQUEUE_AFTER", "2m"),
		},
		Timeouts: TimeoutConfig{
			Chat:      getEnvAsDuration("TIMEOUT_CHAT", "60s"),
			Embedding: getEnvAsDuration("TIMEOUT_EMBEDDING", "30s"),
			Retrieval: getEnvAsDuration("TIMEOUT_RETRIEVAL", "10s"),
			JobStore:  getEnvAsDuration("TIMEOUT_JOB_STORE", "5s"),
		},
		Retrieval: RetrievalConfig{
			MaxResults:     getEnvAsInt("RETRIEVAL_MAX_RESULTS", 3),
			ScoreThreshold: getEnvAsFloat32("RETRIEVAL_SCORE_THRESHOLD", 0.3),
			ChunkSize:      getEnvAsInt("CHUNK_SIZE", 1000),
			ChunkOverlap:   getEnvAsInt("CHUNK_OVERLAP", 200),
		},
	}
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 32); err == nil {
		return float32(value)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
