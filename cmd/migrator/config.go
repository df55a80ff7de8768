package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds migrator configuration, loaded entirely from the environment.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for the central
	// registry database.
	DatabaseURL string

	// MigrationsPath is the path to the migration files.
	MigrationsPath string

	// MigrationTable is the table golang-migrate tracks versions in.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables. The migrator
// targets the same database as the registry, so CENTRAL_REGISTRY_URL takes
// precedence; DATABASE_URL is kept as a fallback for tooling that sets it.
func LoadConfig() (*Config, error) {
	databaseURL := os.Getenv("CENTRAL_REGISTRY_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	config := &Config{
		DatabaseURL:    databaseURL,
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "./migrations"),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is complete and the migrations
// directory exists.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("CENTRAL_REGISTRY_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	if c.MigrationsPath == "" {
		return fmt.Errorf("MIGRATIONS_PATH cannot be empty")
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	c.MigrationsPath = absPath

	if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", c.MigrationsPath)
	}

	return nil
}

// String returns a representation safe for logging: the database password,
// if any, is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationsPath: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationsPath, c.MigrationTable)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL replaces the password in a connection URL with asterisks.
// The password may itself contain '@', so the userinfo section ends at the
// LAST '@' before the path.
func maskDatabaseURL(url string) string {
	authStart := -1

	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2

			break
		}
	}

	if authStart == -1 {
		return url
	}

	atPos := -1

	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}

		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	colonPos := -1

	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i

			break
		}
	}

	if colonPos == -1 || atPos-colonPos-1 == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
