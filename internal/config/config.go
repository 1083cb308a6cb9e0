package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv    string
	Port       string
	SyncSecret string
	Database   DatabaseConfig
	Remote     RemoteConfig
	Identity   Identity
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Quiet    bool
}

// RemoteConfig holds the backend endpoint configuration
type RemoteConfig struct {
	BaseURL string
}

// Identity identifies this device and user toward the backend. It is passed
// into constructors explicitly rather than held as a global so the core can
// serve more than one session.
type Identity struct {
	InstanceID string
	DeviceID   string
	UserID     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	syncSecret := os.Getenv("SYNC_SECRET")
	if syncSecret == "" {
		return nil, fmt.Errorf("SYNC_SECRET is required")
	}

	remoteURL := os.Getenv("REMOTE_URL")
	if remoteURL == "" {
		return nil, fmt.Errorf("REMOTE_URL is required")
	}

	return &Config{
		NodeEnv:    getEnv("NODE_ENV", "development"),
		Port:       getEnv("PORT", "3210"),
		SyncSecret: syncSecret,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "proptrak"),
			Quiet:    getEnv("DB_QUIET", "false") == "true",
		},
		Remote: RemoteConfig{
			BaseURL: remoteURL,
		},
		Identity: Identity{
			InstanceID: getEnv("INSTANCE_ID", "proptrak-local"),
			DeviceID:   getEnv("DEVICE_ID", ""),
			UserID:     getEnv("USER_ID", ""),
		},
	}, nil
}

// getEnv returns the environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
