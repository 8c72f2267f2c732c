// Package config reads togetha settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

type Config struct {
	DBPath       string
	DataDir      string
	DeviceSecret string
	TokenSecret  string

	Backend          string
	FirestoreProject string

	Port      string
	ServerURL string

	LogLevel  string
	LogFormat string

	TrustWindow    time.Duration
	TaskRetryBase  time.Duration
	TaskRetryLimit int

	Backup Backup
}

// Backup configures database snapshots to S3-compatible storage. Backups
// stay off until the bucket, keys and passphrase are all set.
type Backup struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Passphrase string
	Interval   time.Duration
	Keep       int
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; variables already set win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dataDir := getEnv("TOGETHA_DATA_DIR", defaultDataDir())
	cfg := &Config{
		DBPath:           getEnv("TOGETHA_DB_PATH", filepath.Join(dataDir, "togetha.db")),
		DataDir:          dataDir,
		DeviceSecret:     getEnv("TOGETHA_DEVICE_SECRET", ""),
		TokenSecret:      getEnv("TOGETHA_TOKEN_SECRET", "togetha-dev-secret"),
		Backend:          getEnv("TOGETHA_BACKEND", BackendSQLite),
		FirestoreProject: getEnv("TOGETHA_FIRESTORE_PROJECT", ""),
		Port:             getEnv("TOGETHA_PORT", "8080"),
		ServerURL:        getEnv("TOGETHA_SERVER_URL", "ws://localhost:8080/ws"),
		LogLevel:         getEnv("TOGETHA_LOG_LEVEL", "info"),
		LogFormat:        getEnv("TOGETHA_LOG_FORMAT", "text"),
		Backup: Backup{
			Endpoint:   getEnv("TOGETHA_BACKUP_ENDPOINT", ""),
			Bucket:     getEnv("TOGETHA_BACKUP_BUCKET", ""),
			Region:     getEnv("TOGETHA_BACKUP_REGION", "us-east-1"),
			AccessKey:  getEnv("TOGETHA_BACKUP_ACCESS_KEY", ""),
			SecretKey:  getEnv("TOGETHA_BACKUP_SECRET_KEY", ""),
			Passphrase: getEnv("TOGETHA_BACKUP_PASSPHRASE", ""),
		},
	}

	var err error
	if cfg.TrustWindow, err = getDuration("TOGETHA_TRUST_WINDOW", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TaskRetryBase, err = getDuration("TOGETHA_TASK_RETRY_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.TaskRetryLimit, err = getInt("TOGETHA_TASK_RETRY_MAX", 5); err != nil {
		return nil, err
	}
	if cfg.Backup.Interval, err = getDuration("TOGETHA_BACKUP_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Backup.Keep, err = getInt("TOGETHA_BACKUP_KEEP", 7); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendSQLite:
	case BackendFirestore:
		if cfg.FirestoreProject == "" {
			return nil, errors.New("TOGETHA_FIRESTORE_PROJECT is required for the firestore backend")
		}
	default:
		return nil, fmt.Errorf("unknown TOGETHA_BACKEND %q", cfg.Backend)
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "togetha")
	}
	return ".togetha"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}
