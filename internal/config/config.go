package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the client configuration, loaded from environment variables.
type Config struct {
	DirectoryURL   string        // ACME directory URL of the CA
	ContactEmail   string        // default registration contact
	AccountKeySize int           // RSA bit length for generated account keys
	HTTPTimeout    time.Duration // overall per-request timeout
	StorageType    string        // "postgres" or "memory"
	DBHost         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBPort         int
	DBSSLMode      string
}

const (
	defaultDirectoryURL   = "https://acme-staging-v02.api.letsencrypt.org/directory"
	defaultAccountKeySize = 2048
	defaultHTTPTimeoutSec = 30
	defaultStorageType    = "postgres"
	defaultDBHost         = "localhost"
	defaultDBUser         = "certflow"
	defaultDBPassword     = "password"
	defaultDBName         = "certflow"
	defaultDBPort         = 5432
	defaultDBSSLMode      = "disable"
)

// LoadConfig loads the client configuration from environment variables or
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DirectoryURL:   getEnv("CERTFLOW_DIRECTORY_URL", defaultDirectoryURL),
		ContactEmail:   getEnv("CERTFLOW_CONTACT_EMAIL", ""),
		AccountKeySize: getEnvAsInt("CERTFLOW_ACCOUNT_KEY_SIZE", defaultAccountKeySize),
		HTTPTimeout:    time.Duration(getEnvAsInt("CERTFLOW_HTTP_TIMEOUT_SECONDS", defaultHTTPTimeoutSec)) * time.Second,
		StorageType:    getEnv("CERTFLOW_STORAGE_TYPE", defaultStorageType),
		DBHost:         getEnv("CERTFLOW_DB_HOST", defaultDBHost),
		DBUser:         getEnv("CERTFLOW_DB_USER", defaultDBUser),
		DBPassword:     getEnv("CERTFLOW_DB_PASSWORD", defaultDBPassword),
		DBName:         getEnv("CERTFLOW_DB_NAME", defaultDBName),
		DBPort:         getEnvAsInt("CERTFLOW_DB_PORT", defaultDBPort),
		DBSSLMode:      getEnv("CERTFLOW_DB_SSLMODE", defaultDBSSLMode),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
