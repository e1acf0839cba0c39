package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMSProviderConfig struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"-"`
	FromNum   string `json:"from_number"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	// Database; DBDriver selects postgres or sqlite (sqlite for local dev
	// and CI).
	DBDriver       string `json:"db_driver"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret string `json:"-"`
	SentryDSN string `json:"-"`

	// State machine timing
	SweepInterval      time.Duration `json:"sweep_interval"`
	RetargetAfterDays  int           `json:"retarget_after_days"`
	EscalateAfterDays  int           `json:"escalate_after_days"`
	RetryBackoff       time.Duration `json:"retry_backoff"`
	MaxSendFailures    int           `json:"max_send_failures"`
	SweepBatchLimit    int           `json:"sweep_batch_limit"`
	SweepConcurrency   int           `json:"sweep_concurrency"`
	SuppressOnHardFail bool          `json:"suppress_on_hard_fail"`

	// Outbound providers
	SMS  SMSProviderConfig `json:"sms"`
	SMTP SMTPConfig        `json:"smtp"`

	Redis RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBDriver:       getEnv("DB_DRIVER", "postgres"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret: getEnv("JWT_SECRET", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),

		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", 1*time.Minute),
		RetargetAfterDays:  getEnvAsInt("RETARGET_AFTER_DAYS", 7),
		EscalateAfterDays:  getEnvAsInt("ESCALATE_AFTER_DAYS", 14),
		RetryBackoff:       getEnvAsDuration("SEND_RETRY_BACKOFF", 30*time.Minute),
		MaxSendFailures:    getEnvAsInt("MAX_SEND_FAILURES", 3),
		SweepBatchLimit:    getEnvAsInt("SWEEP_BATCH_LIMIT", 100),
		SweepConcurrency:   getEnvAsInt("SWEEP_CONCURRENCY", 8),
		SuppressOnHardFail: getEnvAsBool("SUPPRESS_ON_HARD_FAIL", true),

		SMS: SMSProviderConfig{
			BaseURL:   getEnv("SMS_PROVIDER_URL", ""),
			AuthToken: getEnv("SMS_PROVIDER_TOKEN", ""),
			FromNum:   getEnv("SMS_FROM_NUMBER", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("FROM_EMAIL", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.DBDriver == "postgres" && AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required for postgres")
	}
	if AppConfig.RetargetAfterDays >= AppConfig.EscalateAfterDays {
		return fmt.Errorf("RETARGET_AFTER_DAYS (%d) must be below ESCALATE_AFTER_DAYS (%d)",
			AppConfig.RetargetAfterDays, AppConfig.EscalateAfterDays)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	var dialector gorm.Dialector
	switch AppConfig.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(getEnv("SQLITE_PATH", "leadflow.db"))
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBSSLMode,
		)
		log.Println("Using connection string:", maskPassword(dsn))
		dialector = postgres.Open(dsn)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}
	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s (%s@%s:%s/%s)",
		AppConfig.DBDriver,
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Sweep: every %s, retarget after %dd, escalate after %dd",
		AppConfig.SweepInterval,
		AppConfig.RetargetAfterDays,
		AppConfig.EscalateAfterDays)
}
