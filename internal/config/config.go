package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Development bool
	// API configuration
	APIPort            int
	CORSAllowedOrigins []string
	// AdminToken guards the admin routes; empty disables them
	AdminToken string
	// PaymentWebhookSecret is presented by the payment integration when it
	// forwards a verified confirmation
	PaymentWebhookSecret string
	// DownloadBaseURL prefixes download tokens in customer emails
	DownloadBaseURL string
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string

	// Admin alert configuration
	TelegramBotToken    string
	TelegramAdminChatID string

	// Purchase pipeline configuration
	TrialUseLimit         int
	MaxDownloads          int
	KeyGenerationAttempts int

	// Reconciliation configuration
	ReconcileSchedule string
	ReconcileLockTTL  time.Duration
	InstanceID        string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:          getEnvAsBool("DEVELOPMENT", false),
		APIPort:              getEnvAsInt("API_PORT", 8787),
		CORSAllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AdminToken:           getEnv("ADMIN_TOKEN", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		DownloadBaseURL:      getEnv("DOWNLOAD_BASE_URL", ""),
		PostgresUser:         getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword:     getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:         getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:         getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:           getEnv("POSTGRES_DB", "ocus"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAdminChatID: getEnv("TELEGRAM_ADMIN_CHAT_ID", ""),

		TrialUseLimit:         getEnvAsInt("TRIAL_USE_LIMIT", 3),
		MaxDownloads:          getEnvAsInt("MAX_DOWNLOADS", 5),
		KeyGenerationAttempts: getEnvAsInt("KEY_GENERATION_ATTEMPTS", 5),

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "*/15 * * * *"),
		ReconcileLockTTL:  getEnvAsDuration("RECONCILE_LOCK_TTL", 10*time.Minute),
		InstanceID:        getEnv("INSTANCE_ID", defaultInstanceID()),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}

	if c.TrialUseLimit < 0 {
		return fmt.Errorf("TRIAL_USE_LIMIT cannot be negative")
	}

	if c.MaxDownloads <= 0 {
		return fmt.Errorf("MAX_DOWNLOADS must be positive")
	}

	if c.KeyGenerationAttempts <= 0 {
		return fmt.Errorf("KEY_GENERATION_ATTEMPTS must be positive")
	}

	if c.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid RECONCILE_SCHEDULE: %w", err)
		}
	}

	if c.ReconcileLockTTL <= 0 {
		return fmt.Errorf("RECONCILE_LOCK_TTL must be positive")
	}

	// SMTP is optional, but half a configuration is a mistake
	if c.SMTPHost != "" && c.SMTPSender == "" {
		return fmt.Errorf("SMTP_SENDER is required when SMTP_HOST is set")
	}

	if c.TelegramBotToken != "" && c.TelegramAdminChatID == "" {
		return fmt.Errorf("TELEGRAM_ADMIN_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	return nil
}

// PostgresDSN builds the connection string for the gorm postgres driver
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "activation"
	}
	return host
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
