package config

import (
	"fmt"
	"os"

	"log"

	"github.com/joho/godotenv"
)

type Config struct {
	PostgresDSN string
	ServerPort  string

	// RequestsPerSecond caps the read API throughput. The dashboard is
	// the only consumer; this only guards against runaway polling.
	RequestsPerSecond float64
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?connect_timeout=10",
		getEnv("POSTGRES_USER", "bourse"),
		getEnv("POSTGRES_PASSWORD", "bourse"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "bourse"),
	)

	return &Config{
		PostgresDSN:       dsn,
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		RequestsPerSecond: 50,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
