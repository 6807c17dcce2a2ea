package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP API
	APIPort         int
	MaxUploadSizeMB int64

	// Database
	DBDriver   string // "sqlite" or "postgres"
	SQLitePath string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Storage
	DataDir string

	// Pipeline
	PollIntervalSec int
	DefaultDPI      int

	// External engines
	GhostscriptBin string
	TesseractBin   string
	OCRLanguage    string

	// Timeouts
	RenderTimeoutSec    int
	RecognizeTimeoutSec int
	OptimizeTimeoutSec  int

	// Retention
	RetentionHours   int
	SweepIntervalMin int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Monitoring
	MetricsPort     int
	HealthCheckPort int
}

func LoadConfig() (*Config, error) {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{}

	// Parse HTTP config
	cfg.APIPort = getEnvInt("API_PORT", 7001)
	cfg.MaxUploadSizeMB = getEnvInt64("MAX_UPLOAD_SIZE_MB", 100)

	// Parse Database config
	cfg.DBDriver = getEnv("DB_DRIVER", "sqlite")
	switch cfg.DBDriver {
	case "sqlite":
		cfg.SQLitePath = getEnv("SQLITE_PATH", "data/ledger.db")
	case "postgres":
		cfg.DBHost = getEnv("DB_HOST", "localhost")
		cfg.DBPort = getEnvInt("DB_PORT", 5432)
		cfg.DBName = getEnv("DB_NAME", "pdf_compress")
		cfg.DBUser = getEnv("DB_USER", "pdf_user")
		cfg.DBPassword = getEnv("DB_PASSWORD", "")
		if cfg.DBPassword == "" {
			return nil, fmt.Errorf("DB_PASSWORD is required when DB_DRIVER=postgres")
		}
		cfg.DBSSLMode = getEnv("DB_SSL_MODE", "disable")
	default:
		return nil, fmt.Errorf("DB_DRIVER must be \"sqlite\" or \"postgres\", got %q", cfg.DBDriver)
	}

	// Parse Storage config
	cfg.DataDir = getEnv("DATA_DIR", "data")

	// Parse Pipeline config
	cfg.PollIntervalSec = getEnvInt("POLL_INTERVAL_SEC", 2)
	cfg.DefaultDPI = getEnvInt("DEFAULT_DPI", 72)
	if cfg.DefaultDPI < 10 || cfg.DefaultDPI > 600 {
		return nil, fmt.Errorf("DEFAULT_DPI must be between 10 and 600, got %d", cfg.DefaultDPI)
	}

	// Parse external engine config
	cfg.GhostscriptBin = getEnv("GHOSTSCRIPT_BIN", "gs")
	cfg.TesseractBin = getEnv("TESSERACT_BIN", "tesseract")
	cfg.OCRLanguage = getEnv("OCR_LANGUAGE", "eng")

	// Parse Timeout config
	cfg.RenderTimeoutSec = getEnvInt("RENDER_TIMEOUT_SEC", 300)
	cfg.RecognizeTimeoutSec = getEnvInt("RECOGNIZE_TIMEOUT_SEC", 600)
	cfg.OptimizeTimeoutSec = getEnvInt("OPTIMIZE_TIMEOUT_SEC", 600)

	// Parse Retention config
	cfg.RetentionHours = getEnvInt("RETENTION_HOURS", 2)
	cfg.SweepIntervalMin = getEnvInt("SWEEP_INTERVAL_MIN", 15)

	// Parse Logging config
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")
	cfg.LogFile = getEnv("LOG_FILE", "logs/server.log")

	// Parse Monitoring config
	cfg.MetricsPort = getEnvInt("METRICS_PORT", 9090)
	cfg.HealthCheckPort = getEnvInt("HEALTH_CHECK_PORT", 8080)

	return cfg, nil
}

// GetDatabaseDSN returns the connection string for the configured driver.
func (c *Config) GetDatabaseDSN() string {
	if c.DBDriver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
	}
	return c.SQLitePath
}

// TasksDir returns the root directory for task-scoped files.
func (c *Config) TasksDir() string {
	return filepath.Join(c.DataDir, "tasks")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}
