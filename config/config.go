package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mailflow/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
}

type Config struct {
	Environment   string      `json:"environment"`
	ServerPort    string      `json:"server_port"`
	EncryptionKey string      `json:"-"`
	SentryDSN     string      `json:"-"`
	DBHost        string      `json:"db_host"`
	DBPort        string      `json:"db_port"`
	DBUser        string      `json:"db_user"`
	DBPassword    string      `json:"-"`
	DBName        string      `json:"db_name"`
	DBSSLMode     string      `json:"db_ssl_mode"`
	Redis         RedisConfig `json:"redis"`
	SMTP          SMTPConfig  `json:"smtp"`

	// Shared secret required by the unauthenticated contact sync webhook.
	SyncWebhookSecret string `json:"-"`

	// Base URL for the unsubscribe link embedded in delivery payloads.
	// Empty omits the link.
	UnsubscribeBaseURL string `json:"unsubscribe_base_url"`

	// Automation processor settings.
	AutomationBatchSize int    `json:"automation_batch_size"`
	AutomationSchedule  string `json:"automation_schedule"`

	// Outbound webhook timeout.
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		ServerPort:    getEnv("SERVER_PORT", "5000"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", ""),
		DBName:        getEnv("DB_NAME", "mailflow"),
		DBSSLMode:     getEnv("DB_SSL_MODE", "disable"),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		SyncWebhookSecret:   getEnv("SYNC_WEBHOOK_SECRET", ""),
		UnsubscribeBaseURL:  getEnv("UNSUBSCRIBE_BASE_URL", ""),
		AutomationBatchSize: getEnvAsInt("AUTOMATION_BATCH_SIZE", 50),
		AutomationSchedule:  getEnv("AUTOMATION_SCHEDULE", "@every 1m"),
		DeliveryTimeout:     time.Duration(getEnvAsInt("DELIVERY_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

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

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// ConnectRedis initializes the shared Redis client when enabled. A nil client
// is valid; callers that use Redis degrade to single-process behavior.
func ConnectRedis() {
	if !AppConfig.Redis.Enabled {
		return
	}
	Redis = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
}

// MigrateDB runs the schema migration. Exposed for test setups that use an
// alternate database.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.UserSetting{},
		&models.Contact{},
		&models.ContactList{},
		&models.ContactListMembership{},
		&models.Campaign{},
		&models.CampaignList{},
		&models.CampaignSend{},
		&models.AutomationRule{},
		&models.AutomationAction{},
		&models.AutomationLog{},
	)
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
	_, err := fmt.Sscanf(valueStr, "%d", &value)
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
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis enabled: %t, SMTP configured: %t",
		AppConfig.Redis.Enabled,
		AppConfig.SMTP.Host != "")
}
