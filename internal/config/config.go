package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	CORSAllowOrigins       string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	OracleURL              string
	OracleTimeout          time.Duration
	AttemptCacheTTL        time.Duration
	ProcessingStaleAfter   time.Duration
	AIFeedbackEnabled      bool
	OpenAIAPIKey           string
	OpenAIModel            string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("cloudinary.folder", "gema/submissions")
	v.SetDefault("oracle.timeout", "5m")
	v.SetDefault("attempt.cache_ttl", "2m")
	v.SetDefault("processing.stale_after", "30m")
	v.SetDefault("ai.feedback_enabled", false)
	v.SetDefault("openai.model", "gpt-4o-mini")

	oracleTimeout, err := parseDuration(v.GetString("oracle.timeout"), 5*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid oracle timeout: %w", err)
	}

	cacheTTL, err := parseDuration(v.GetString("attempt.cache_ttl"), 2*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid attempt cache ttl: %w", err)
	}

	staleAfter, err := parseDuration(v.GetString("processing.stale_after"), 30*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid processing stale threshold: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		OracleURL:              v.GetString("oracle.url"),
		OracleTimeout:          oracleTimeout,
		AttemptCacheTTL:        cacheTTL,
		ProcessingStaleAfter:   staleAfter,
		AIFeedbackEnabled:      v.GetBool("ai.feedback_enabled"),
		OpenAIAPIKey:           v.GetString("openai.api_key"),
		OpenAIModel:            v.GetString("openai.model"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.OracleURL == "" {
		return Config{}, fmt.Errorf("oracle url must be provided")
	}

	return cfg, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}

	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}
