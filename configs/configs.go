// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DBDSN is the TimescaleDB (Postgres) connection string.
	DBDSN string

	// DataDir is the root of the year-partitioned snapshot archive.
	DataDir string

	// CatalogCache is an optional path to a persisted catalog inventory.
	// Empty disables caching. Invalidation is the operator's job: delete
	// the file to force a re-scan.
	CatalogCache string

	// Loader contains settings for the parallel date-group loader.
	Loader LoaderConfig
}

// LoaderConfig holds settings for date-group processing.
type LoaderConfig struct {
	// GroupSize is the number of calendar dates dispatched to one worker.
	GroupSize int

	// Workers is the size of the date-group worker pool. 0 means NumCPU.
	Workers int

	// ReadWorkers bounds concurrent snapshot file reads within one group.
	ReadWorkers int

	// ChunkSize is the number of rows per bulk-copy chunk.
	ChunkSize int

	// MaxPasses bounds the error-date recovery loop.
	MaxPasses int

	// StrictMapping makes an unmapped symbol fail its date-group so the
	// recovery pass can re-resolve companies. When false, unmapped rows
	// are inserted with a null company id instead.
	StrictMapping bool
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("POSTGRES_USER", "bourse")
	dbPassword := getEnv("POSTGRES_PASSWORD", "bourse")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "bourse")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?connect_timeout=10",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		DBDSN:        getDatabaseDSN(),
		DataDir:      getEnv("DATA_DIR", "data/boursorama"),
		CatalogCache: getEnv("CATALOG_CACHE", ""),
		Loader: LoaderConfig{
			GroupSize:     getEnvInt("GROUP_SIZE", 1),
			Workers:       getEnvInt("WORKERS", 0),
			ReadWorkers:   getEnvInt("READ_WORKERS", 8),
			ChunkSize:     getEnvInt("CHUNK_SIZE", 1000),
			MaxPasses:     getEnvInt("MAX_PASSES", 3),
			StrictMapping: getEnvBool("STRICT_MAPPING", true),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
