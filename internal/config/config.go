package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"visionwatch/internal/logger"
)

type Config struct {
	// Google Cloud Configuration
	GoogleCloudProject string
	PubSubSubscription string

	// Output Configuration
	OutputDir    string
	OutputBucket string
	OutputPrefix string
	OutputFormat string

	// Optional: Google Sheets ledger
	GoogleSheetURL       string
	GoogleSheetWorksheet string

	// Processing Configuration
	VisionMaxResults       int
	ProcessTimeout         time.Duration
	MaxOutstandingMessages int
	MetricsAddr            string

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	config := &Config{
		GoogleCloudProject:   getEnv("GOOGLE_CLOUD_PROJECT", ""),
		PubSubSubscription:   getEnv("PUBSUB_SUBSCRIPTION", ""),
		OutputDir:            getEnv("OUTPUT_DIR", "./out"),
		OutputBucket:         getEnv("OUTPUT_BUCKET", ""),
		OutputPrefix:         getEnv("OUTPUT_PREFIX", ""),
		OutputFormat:         getEnv("OUTPUT_FORMAT", "jpeg"),
		GoogleSheetURL:       getEnv("GOOGLE_SHEET_URL", ""),
		GoogleSheetWorksheet: getEnv("GOOGLE_SHEET_WORKSHEET", "Annotations"),
		MetricsAddr:          getEnv("METRICS_ADDR", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:        getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:            getEnv("LOG_OUTPUT", "stderr"),
	}

	var err error
	if config.VisionMaxResults, err = getEnvInt("VISION_MAX_RESULTS", 10); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if config.MaxOutstandingMessages, err = getEnvInt("MAX_OUTSTANDING_MESSAGES", 10); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if config.ProcessTimeout, err = getEnvDuration("PROCESS_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.VisionMaxResults <= 0 {
		return fmt.Errorf("VISION_MAX_RESULTS must be positive, got %d", c.VisionMaxResults)
	}
	if c.MaxOutstandingMessages <= 0 {
		return fmt.Errorf("MAX_OUTSTANDING_MESSAGES must be positive, got %d", c.MaxOutstandingMessages)
	}
	if c.ProcessTimeout <= 0 {
		return fmt.Errorf("PROCESS_TIMEOUT must be positive, got %s", c.ProcessTimeout)
	}
	switch c.OutputFormat {
	case "jpeg", "png":
	default:
		return fmt.Errorf("OUTPUT_FORMAT must be jpeg or png, got %q", c.OutputFormat)
	}
	return nil
}

// ValidateWatch checks the settings the watch command cannot run without.
func (c *Config) ValidateWatch() error {
	if c.GoogleCloudProject == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
	}
	if c.PubSubSubscription == "" {
		return fmt.Errorf("PUBSUB_SUBSCRIPTION is required")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// Accept plain seconds as well
		secs, convErr := strconv.Atoi(value)
		if convErr != nil {
			return 0, fmt.Errorf("%s must be a duration: %w", key, err)
		}
		d = time.Duration(secs) * time.Second
	}
	return d, nil
}
