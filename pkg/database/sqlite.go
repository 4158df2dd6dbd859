package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	embedded "akidetect/pkg/database/sql"
	"akidetect/pkg/logging"
)

// SQLiteConn represents the feature store database connection
type SQLiteConn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

// Config holds database configuration
type Config struct {
	// Path is the database file on the persistent volume.
	Path        string
	BusyTimeout time.Duration
	// MaxOpenConns stays at one so writers serialize at the pool; SQLite
	// only ever admits a single writer anyway.
	MaxOpenConns int
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// Connect opens the database file, enabling foreign keys (the feature rows
// cascade from the patient rows) and WAL so readers see committed state
// while the pipeline writes.
func Connect(cfg Config, logger logging.Logger) (SQLiteConn, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)

	logger.WithFields(logging.Fields{
		"path":         cfg.Path,
		"busy_timeout": cfg.BusyTimeout,
	}).Info("Database connected")

	return db, nil
}

// MustConnect is like Connect but exits on error
func MustConnect(cfg Config, logger logging.Logger) SQLiteConn {
	db, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	return db
}

// ApplySchema executes the embedded schema files in name order. Statements
// use IF NOT EXISTS so a restart against an existing file is a no-op.
func ApplySchema(db SQLiteConn, logger logging.Logger) error {
	entries, err := fs.ReadDir(embedded.Content, "schema")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		stmt, err := fs.ReadFile(embedded.Content, "schema/"+entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(string(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", entry.Name(), err)
		}
		logger.WithField("file", entry.Name()).Debug("Applied schema file")
	}
	return nil
}
