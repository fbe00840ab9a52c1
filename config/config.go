package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr             string
	Env              string
	DBDriver         string
	DatabaseDSN      string
	JWTSecret        string
	AllowedOrigins   []string
	NatsURL          string
	ReminderSubject  string
	ReminderSecret   string
	UploadDir        string
	UploadBaseURL    string
	UploadTimeout    time.Duration
	MaxUploadBytes   int64
	MaxMessageLength int
	TypingTimeout    time.Duration
	LogLevel         string
}

// Load reads envFile (if it exists) into the process environment and builds
// a Config from it. Variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Addr:             getEnv("ADDR", ":8082"),
		Env:              getEnv("APP_ENV", "development"),
		DBDriver:         getEnv("DB_DRIVER", "sqlite"),
		DatabaseDSN:      getEnv("DATABASE_DSN", "file:companion.db?_busy_timeout=5000"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "*")),
		NatsURL:          os.Getenv("NATS_URL"),
		ReminderSubject:  getEnv("REMINDER_SUBJECT", "reminders.due"),
		ReminderSecret:   os.Getenv("REMINDER_SECRET"),
		UploadDir:        getEnv("UPLOAD_DIR", "uploads"),
		UploadBaseURL:    strings.TrimRight(getEnv("UPLOAD_BASE_URL", "/uploads"), "/"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.UploadTimeout, err = getEnvDuration("UPLOAD_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout, err = getEnvDuration("TYPING_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	maxLen, err := getEnvInt64("MAX_MESSAGE_LENGTH", 5000)
	if err != nil {
		return nil, err
	}
	cfg.MaxMessageLength = int(maxLen)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("missing env JWT_SECRET")
	}
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.MaxMessageLength <= 0 {
		return errors.New("MAX_MESSAGE_LENGTH must be positive")
	}
	if c.UploadTimeout <= 0 || c.TypingTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("env %s: %w", k, err)
	}
	return d, nil
}

func getEnvInt64(k string, def int64) (int64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("env %s: %w", k, err)
	}
	return i, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
