package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string   `json:"serverAddress"`
	DatabasePath  string   `json:"databasePath"`
	DatabaseURL   string   `json:"databaseUrl"`
	Library       Library  `json:"library"`
	Remote        Remote   `json:"remote"`
	Push          Push     `json:"push"`
	Sync          Sync     `json:"sync"`
	Security      Security `json:"security"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Library configuration for the on-device photo library
type Library struct {
	RootPath  string `json:"rootPath"`
	AlbumName string `json:"albumName"`
}

// Remote configuration for the backend API
type Remote struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// Push configuration for Firebase Cloud Messaging
type Push struct {
	Enabled         bool   `json:"enabled"`
	CredentialsPath string `json:"credentialsPath"`
}

// Sync configuration for the sync engine
type Sync struct {
	BackgroundEnabled         bool `json:"backgroundEnabled"`
	BackgroundAutoStart       bool `json:"backgroundAutoStart"`
	BackgroundIntervalMinutes int  `json:"backgroundIntervalMinutes"`
	WindowDays                int  `json:"windowDays"`
	PageSize                  int  `json:"pageSize"`
	MaxPhotosPerRun           int  `json:"maxPhotosPerRun"`
	DownloadQueueMax          int  `json:"downloadQueueMax"`
	DownloadTimeoutMinutes    int  `json:"downloadTimeoutMinutes"`
	StaleSyncingMinutes       int  `json:"staleSyncingMinutes"`
}

// BackgroundInterval returns the background run interval, never below
// the 15 minute platform floor.
func (s Sync) BackgroundInterval() time.Duration {
	minutes := s.BackgroundIntervalMinutes
	if minutes < 15 {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}

// DownloadTimeout returns the per-photo download deadline.
func (s Sync) DownloadTimeout() time.Duration {
	minutes := s.DownloadTimeoutMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// StaleSyncingTimeout returns the age after which an in-flight marker
// is considered abandoned.
func (s Sync) StaleSyncingTimeout() time.Duration {
	minutes := s.StaleSyncingMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5100",
		DatabasePath:  "syncengine.db",
		Library: Library{
			RootPath:  "./library",
			AlbumName: "Phomo",
		},
		Sync: Sync{
			BackgroundEnabled:         true,
			BackgroundAutoStart:       false,
			BackgroundIntervalMinutes: 15,
			WindowDays:                3,
			PageSize:                  50,
			MaxPhotosPerRun:           500,
			DownloadQueueMax:          3,
			DownloadTimeoutMinutes:    5,
			StaleSyncingMinutes:       5,
		},
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if root := os.Getenv("LIBRARY_ROOT"); root != "" {
		cfg.Library.RootPath = root
	}
	if album := os.Getenv("LIBRARY_ALBUM_NAME"); album != "" {
		cfg.Library.AlbumName = album
	}
	if baseURL := os.Getenv("REMOTE_BASE_URL"); baseURL != "" {
		cfg.Remote.BaseURL = baseURL
	}
	if apiKey := os.Getenv("REMOTE_API_KEY"); apiKey != "" {
		cfg.Remote.APIKey = apiKey
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if creds := os.Getenv("FIREBASE_CREDENTIALS_PATH"); creds != "" {
		cfg.Push.Enabled = true
		cfg.Push.CredentialsPath = creds
	}

	// Background sync configuration
	if enabled := os.Getenv("BACKGROUND_SYNC_ENABLED"); enabled != "" {
		cfg.Sync.BackgroundEnabled = enabled == "true" || enabled == "1"
	}
	if autoStart := os.Getenv("BACKGROUND_SYNC_AUTO_START"); autoStart != "" {
		cfg.Sync.BackgroundAutoStart = autoStart == "true" || autoStart == "1"
	}
	if interval := os.Getenv("BACKGROUND_SYNC_INTERVAL_MINUTES"); interval != "" {
		if minutes, err := strconv.Atoi(interval); err == nil && minutes > 0 {
			cfg.Sync.BackgroundIntervalMinutes = minutes
		}
	}

	// Ensure the library root exists
	if err := os.MkdirAll(cfg.Library.RootPath, 0755); err != nil {
		return nil, err
	}

	// Make the library root absolute
	absPath, err := filepath.Abs(cfg.Library.RootPath)
	if err != nil {
		return nil, err
	}
	cfg.Library.RootPath = absPath

	return cfg, nil
}
