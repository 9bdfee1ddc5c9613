package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host               string        // Database host
	Port               string        // Database port
	User               string        // Database user
	Password           string        // Database password
	Database           string        // Database name
	SSLMode            string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns       int           // Maximum number of idle connections
	MaxOpenConns       int           // Maximum number of open connections
	MaxLifetime        time.Duration // Maximum lifetime of a connection
	StatementTimeoutMs int           // Server-side statement timeout, 0 for the default
	DatabaseURL        string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return withStatementTimeout(c.DatabaseURL, c.StatementTimeoutMs)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	return withStatementTimeout(dsn, c.StatementTimeoutMs)
}

// withStatementTimeout appends statement_timeout to a URL or key=value DSN
// unless the DSN already sets one.
func withStatementTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || timeoutMs <= 0 || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return fmt.Sprintf("%s%sstatement_timeout=%d", dsn, separator, timeoutMs)
	}

	return fmt.Sprintf("%s statement_timeout=%d", dsn, timeoutMs)
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
	if c.StatementTimeoutMs == 0 {
		c.StatementTimeoutMs = 60000
	}
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	config.applyDefaults()

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// NewFromSQL wraps an existing connection without touching the schema.
func NewFromSQL(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// ConfigFromEnv reads DATABASE_URL, or the POSTGRES_* variables when it is unset.
func ConfigFromEnv() *Config {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return &Config{DatabaseURL: url}
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "rankbee"
	}
	return config
}

// Configured reports whether any database environment is present.
func Configured() bool {
	return os.Getenv("DATABASE_URL") != "" || os.Getenv("POSTGRES_HOST") != ""
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	return New(ConfigFromEnv())
}

// setupSchema creates the keyword table and its indexes
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS keywords (
			id BIGSERIAL PRIMARY KEY,
			keyword TEXT NOT NULL,
			device TEXT NOT NULL DEFAULT 'desktop',
			country TEXT NOT NULL DEFAULT 'US',
			domain TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '{}',
			last_result JSONB NOT NULL DEFAULT '[]',
			last_updated TIMESTAMPTZ,
			updating BOOLEAN NOT NULL DEFAULT FALSE,
			last_update_error JSONB NOT NULL DEFAULT 'false',
			volume BIGINT NOT NULL DEFAULT 0,
			tags TEXT[] NOT NULL DEFAULT '{}',
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(keyword, device, country, domain)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create keywords table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_keywords_domain ON keywords(domain)`)
	if err != nil {
		return fmt.Errorf("failed to create keyword domain index: %w", err)
	}

	// Partial index keeps stuck-flag recovery cheap
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_keywords_updating ON keywords(id) WHERE updating`)
	if err != nil {
		return fmt.Errorf("failed to create keyword updating index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// ResetSchema drops and recreates the keyword table
func (db *DB) ResetSchema() error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	if _, err := db.client.Exec(`DROP TABLE IF EXISTS keywords CASCADE`); err != nil {
		log.Error().Err(err).Str("table", "keywords").Msg("Failed to drop table")
		return fmt.Errorf("failed to drop table keywords: %w", err)
	}

	if err := setupSchema(db.client); err != nil {
		log.Error().Err(err).Msg("Failed to recreate schema")
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}
