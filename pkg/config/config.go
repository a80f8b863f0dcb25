package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Email    EmailConfig
	Cleanup  CleanupConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig carries signing key locations and claim constraints.
type JWTConfig struct {
	PrivateKeyFile string
	PublicKeyFile  string
	Issuer         string
	Audience       string
	AccessExpiry   time.Duration
	RefreshExpiry  time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EmailConfig configures outbound verification mail.
type EmailConfig struct {
	Enabled       bool
	From          string
	SMTPHost      string
	SMTPPort      int
	VerifyBaseURL string
	ActivationTTL time.Duration
	Workers       int
}

// CleanupConfig controls expired refresh-token purging.
type CleanupConfig struct {
	Interval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		PrivateKeyFile: v.GetString("JWT_PRIVATE_KEY_FILE"),
		PublicKeyFile:  v.GetString("JWT_PUBLIC_KEY_FILE"),
		Issuer:         v.GetString("JWT_ISSUER"),
		Audience:       v.GetString("JWT_AUDIENCE"),
		AccessExpiry:   parseDuration(v.GetString("JWT_ACCESS_EXPIRY"), 30*time.Minute),
		RefreshExpiry:  parseDuration(v.GetString("JWT_REFRESH_EXPIRY"), 30*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Email = EmailConfig{
		Enabled:       v.GetBool("ENABLE_EMAIL"),
		From:          v.GetString("NO_REPLY_EMAIL"),
		SMTPHost:      v.GetString("SMTP_HOST"),
		SMTPPort:      v.GetInt("SMTP_PORT"),
		VerifyBaseURL: v.GetString("VERIFY_BASE_URL"),
		ActivationTTL: parseDuration(v.GetString("ACTIVATION_KEY_TTL"), time.Hour),
		Workers:       v.GetInt("EMAIL_WORKERS"),
	}

	cfg.Cleanup = CleanupConfig{
		Interval: parseDuration(v.GetString("TOKEN_CLEANUP_INTERVAL"), time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8000)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "auth_service")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_PRIVATE_KEY_FILE", ".keys/private.pem")
	v.SetDefault("JWT_PUBLIC_KEY_FILE", ".keys/public.pem")
	v.SetDefault("JWT_ISSUER", "awesome-babushka-auth-service")
	v.SetDefault("JWT_AUDIENCE", "awesome-babushka-users")
	v.SetDefault("JWT_ACCESS_EXPIRY", "30m")
	v.SetDefault("JWT_REFRESH_EXPIRY", "720h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_EMAIL", false)
	v.SetDefault("NO_REPLY_EMAIL", "noreply@awesomebabushka.com")
	v.SetDefault("SMTP_HOST", "localhost")
	v.SetDefault("SMTP_PORT", 1025)
	v.SetDefault("VERIFY_BASE_URL", "http://localhost:8000")
	v.SetDefault("ACTIVATION_KEY_TTL", "1h")
	v.SetDefault("EMAIL_WORKERS", 1)

	v.SetDefault("TOKEN_CLEANUP_INTERVAL", "1h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
