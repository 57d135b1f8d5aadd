package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogDir   string `yaml:"log_dir"`

	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	LLMProvider       string        `yaml:"llm_provider"`
	LLMModel          string        `yaml:"llm_model"`
	OllamaURL         string        `yaml:"ollama_url"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	GroqAPIKey        string        `yaml:"groq_api_key"`
	LLMBaseURL        string        `yaml:"llm_base_url"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	MessageBurst      int           `yaml:"message_burst"`
	PingInterval      time.Duration `yaml:"ping_interval"`

	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOAccessKey string `yaml:"minio_access_key"`
	MinIOSecretKey string `yaml:"minio_secret_key"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOSecure    bool   `yaml:"minio_secure"`
}

// Defaults returns the configuration used when neither the YAML file nor the
// environment set a key.
func Defaults() Config {
	return Config{
		HTTPAddr:          ":8000",
		LogDir:            "./logs",
		DBHost:            "localhost",
		DBPort:            "5432",
		DBSSLMode:         "disable",
		TokenTTL:          24 * time.Hour,
		LLMProvider:       "ollama",
		LLMModel:          "llama3:8b",
		OllamaURL:         "http://localhost:11434/api",
		GenerationTimeout: 60 * time.Second,
		MaxMessageBytes:   32 * 1024,
		MessagesPerSecond: 2,
		MessageBurst:      5,
		PingInterval:      30 * time.Second,
		MinIOBucket:       "chat-transcripts",
	}
}

// LoadConfig layers Defaults, the YAML file named by CHATLINE_CONFIG, a .env
// file and finally the process environment.
func LoadConfig() Config {
	cfg := Defaults()

	if path := os.Getenv("CHATLINE_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			// a broken config file must not be silently ignored
			panic("failed to load config file " + path + ": " + err.Error())
		}
	}

	// .env is optional; real environment variables take precedence over it.
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)

	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = getEnv("DB_SSLMODE", cfg.DBSSLMode)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", cfg.TokenTTL)

	cfg.LLMProvider = getEnv("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.OllamaURL = getEnv("OLLAMA_URL", cfg.OllamaURL)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.GroqAPIKey = getEnv("GROQ_API_KEY", cfg.GroqAPIKey)
	cfg.LLMBaseURL = getEnv("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", cfg.GenerationTimeout)

	cfg.MaxMessageBytes = int64(getEnvInt("MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))
	cfg.MessagesPerSecond = getEnvFloat("MESSAGES_PER_SECOND", cfg.MessagesPerSecond)
	cfg.MessageBurst = getEnvInt("MESSAGE_BURST", cfg.MessageBurst)
	cfg.PingInterval = getEnvDuration("PING_INTERVAL", cfg.PingInterval)

	cfg.MinIOEndpoint = getEnv("MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getEnv("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getEnv("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = getEnv("MINIO_BUCKET", cfg.MinIOBucket)
	cfg.MinIOSecure = getEnvBool("MINIO_SECURE", cfg.MinIOSecure)
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
