package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leadpilot/models"
	"leadpilot/utils"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"gte=0"`
}

// ChannelConfig paces and bounds traffic to the messaging channel.
type ChannelConfig struct {
	BaseURL             string        `json:"base_url" validate:"required,url"`
	MinRequestDelay     time.Duration `json:"min_request_delay" validate:"gte=0"`
	MaxJitter           time.Duration `json:"max_jitter" validate:"gte=0"`
	MaxAttempts         int           `json:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff      time.Duration `json:"initial_backoff" validate:"gt=0"`
	RequestTimeout      time.Duration `json:"request_timeout" validate:"gt=0"`
	SessionTTL          time.Duration `json:"session_ttl" validate:"gt=0"`
	MinCredentialLength int           `json:"min_credential_length" validate:"gte=1"`
}

type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" validate:"gte=1"`
	ResetTimeout     time.Duration `json:"reset_timeout" validate:"gt=0"`
}

type AIConfig struct {
	BaseURL  string        `json:"base_url" validate:"required,url"`
	APIKey   string        `json:"-"`
	Provider string        `json:"provider" validate:"required"`
	Model    string        `json:"model" validate:"required"`
	Timeout  time.Duration `json:"timeout" validate:"gt=0"`
}

type WorkflowConfig struct {
	Interval            time.Duration `json:"interval" validate:"gt=0"`
	Limit               int           `json:"limit" validate:"gte=1"`
	Lookback            time.Duration `json:"lookback" validate:"gt=0"`
	DefaultStepDelay    time.Duration `json:"default_step_delay" validate:"gt=0"`
	MaxConsecutiveError int           `json:"max_consecutive_errors" validate:"gte=1"`
	ScoreBatchLimit     int           `json:"score_batch_limit" validate:"gte=1"`
}

type SyncConfig struct {
	Interval        time.Duration `json:"interval" validate:"gt=0"`
	HeartbeatMaxAge time.Duration `json:"heartbeat_max_age" validate:"gt=0"`
	ThreadLimit     int           `json:"thread_limit" validate:"gte=1"`
}

type DraftConfig struct {
	HistoryTurns    int `json:"history_turns" validate:"gte=0"`
	LinkedInMaxChar int `json:"linkedin_max_chars" validate:"gte=50"`
	EmailMaxWords   int `json:"email_max_words" validate:"gte=20"`
}

type ResearchConfig struct {
	MaxConcurrent int `json:"max_concurrent" validate:"gte=1"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type IMAPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Encryption string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	Mailbox    string `json:"mailbox"`
}

type Config struct {
	Environment    string         `json:"environment" validate:"oneof=development staging production test"`
	EncryptionKey  string         `json:"-" validate:"required"`
	JWTSecret      string         `json:"-" validate:"required"`
	SentryDSN      string         `json:"-"`
	ServerPort     string         `json:"server_port" validate:"required,numeric"`
	DBHost         string         `json:"db_host" validate:"required"`
	DBPort         string         `json:"db_port" validate:"required,numeric"`
	DBUser         string         `json:"db_user" validate:"required"`
	DBPassword     string         `json:"-" validate:"required"`
	DBName         string         `json:"db_name" validate:"required"`
	DBSSLMode      string         `json:"db_ssl_mode"`
	DBMaxIdleConns int            `json:"db_max_idle_conns" validate:"gte=1"`
	DBMaxOpenConns int            `json:"db_max_open_conns" validate:"gte=1"`
	ManualSendRate int            `json:"manual_send_rate" validate:"gte=1"`
	EventQueueSize int            `json:"event_queue_size" validate:"gte=1"`
	CORSOrigins    []string       `json:"cors_origins" validate:"dive,url"`
	Redis          RedisConfig    `json:"redis"`
	Channel        ChannelConfig  `json:"channel"`
	Breaker        BreakerConfig  `json:"breaker"`
	AI             AIConfig       `json:"ai"`
	Workflow       WorkflowConfig `json:"workflow"`
	Sync           SyncConfig     `json:"sync"`
	Draft          DraftConfig    `json:"draft"`
	Research       ResearchConfig `json:"research"`
	SMTP           SMTPConfig     `json:"smtp"`
	IMAP           IMAPConfig     `json:"imap"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

// LoadConfig reads the environment into AppConfig and validates it.
func LoadConfig() error {
	cfg, err := FromEnv()
	if err != nil {
		return err
	}
	AppConfig = *cfg
	logConfig()
	return nil
}

// FromEnv builds a validated Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadpilot"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		ManualSendRate: getEnvAsInt("MANUAL_SEND_RATE_PER_MINUTE", 10),
		EventQueueSize: getEnvAsInt("EVENT_QUEUE_SIZE", 256),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Channel: ChannelConfig{
			BaseURL:             getEnv("CHANNEL_BASE_URL", "https://www.linkedin.com/voyager/api"),
			MinRequestDelay:     getEnvAsDuration("CHANNEL_MIN_REQUEST_DELAY", 3*time.Second),
			MaxJitter:           getEnvAsDuration("CHANNEL_MAX_JITTER", 2*time.Second),
			MaxAttempts:         getEnvAsInt("CHANNEL_MAX_ATTEMPTS", 3),
			InitialBackoff:      getEnvAsDuration("CHANNEL_INITIAL_BACKOFF", 2*time.Second),
			RequestTimeout:      getEnvAsDuration("CHANNEL_REQUEST_TIMEOUT", 30*time.Second),
			SessionTTL:          getEnvAsDuration("CHANNEL_SESSION_TTL", 30*24*time.Hour),
			MinCredentialLength: getEnvAsInt("CHANNEL_MIN_CREDENTIAL_LENGTH", 100),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvAsDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		AI: AIConfig{
			BaseURL:  getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:   getEnv("AI_API_KEY", ""),
			Provider: getEnv("AI_PROVIDER", "openai"),
			Model:    getEnv("AI_MODEL", "gpt-4o-mini"),
			Timeout:  getEnvAsDuration("AI_TIMEOUT", 60*time.Second),
		},
		Workflow: WorkflowConfig{
			Interval:            getEnvAsDuration("WORKFLOW_INTERVAL", 15*time.Minute),
			Limit:               getEnvAsInt("WORKFLOW_LIMIT", 25),
			Lookback:            getEnvAsDuration("WORKFLOW_LOOKBACK", 24*time.Hour),
			DefaultStepDelay:    getEnvAsDuration("WORKFLOW_DEFAULT_STEP_DELAY", 72*time.Hour),
			MaxConsecutiveError: getEnvAsInt("WORKFLOW_MAX_CONSECUTIVE_ERRORS", 3),
			ScoreBatchLimit:     getEnvAsInt("WORKFLOW_SCORE_BATCH_LIMIT", 100),
		},
		Sync: SyncConfig{
			Interval:        getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
			HeartbeatMaxAge: getEnvAsDuration("SYNC_HEARTBEAT_MAX_AGE", 10*time.Minute),
			ThreadLimit:     getEnvAsInt("SYNC_THREAD_LIMIT", 40),
		},
		Draft: DraftConfig{
			HistoryTurns:    getEnvAsInt("DRAFT_HISTORY_TURNS", 6),
			LinkedInMaxChar: getEnvAsInt("DRAFT_LINKEDIN_MAX_CHARS", 300),
			EmailMaxWords:   getEnvAsInt("DRAFT_EMAIL_MAX_WORDS", 150),
		},
		Research: ResearchConfig{
			MaxConcurrent: getEnvAsInt("RESEARCH_MAX_CONCURRENT", 3),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", ""),
		},
		IMAP: IMAPConfig{
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Encryption: strings.ToUpper(getEnv("IMAP_ENCRYPTION", "SSL")),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
		},
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.FromEmail != ""
}

// InboxEnabled reports whether IMAP reply polling is configured.
func (c *Config) InboxEnabled() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
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

	logrus.Info("Successfully connected to the database, migrating")
	if err := models.AutoMigrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.WithField("key", key).Warn("Environment variable not found and no fallback provided")
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
	logrus.WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"server_port":   AppConfig.ServerPort,
		"database":      fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":         AppConfig.Redis.Enabled,
		"ai_provider":   AppConfig.AI.Provider,
		"ai_model":      AppConfig.AI.Model,
		"email_channel": AppConfig.EmailEnabled(),
		"inbox_polling": AppConfig.InboxEnabled(),
	}).Info("Loaded configuration")
}
