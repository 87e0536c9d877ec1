// Package database holds the local database settings shared by the
// persistence adapters.
package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds database configuration.
type Config struct {
	// SQLitePath is the path to the SQLite database file.
	// Defaults to ~/.premiumsync/premiumsync.db
	SQLitePath string
}

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".premiumsync", "premiumsync.db")
}

// EnsureDirectory creates the parent directory for a file path if it doesn't exist.
func EnsureDirectory(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}

// IsNoRows reports whether err means a query returned no row.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
