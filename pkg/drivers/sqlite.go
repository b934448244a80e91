package drivers

import (
	"fmt"
	"strings"
)

// SQLiteConfig holds SQLite-specific connection options.
type SQLiteConfig struct {
	// Path to database file. Use ":memory:" for an in-memory database.
	Path string

	// SQLite-specific options
	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string // OFF, NORMAL, FULL, EXTRA
	CacheSize   int    // Number of pages (negative = KB)
	BusyTimeout int    // Milliseconds
}

// DefaultSQLiteConfig returns sensible defaults for SQLite.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:        ":memory:",
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		CacheSize:   -2000, // 2MB
		BusyTimeout: 5000,  // 5 seconds
	}
}

// DSN renders the config as a go-sqlite3 DSN. Foreign keys are always
// enabled.
func (cfg SQLiteConfig) DSN() string {
	dsn := cfg.Path
	opts := []string{}

	if cfg.CacheSize != 0 {
		opts = append(opts, fmt.Sprintf("_cache_size=%d", cfg.CacheSize))
	}
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	if cfg.JournalMode != "" {
		opts = append(opts, fmt.Sprintf("_journal_mode=%s", cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		opts = append(opts, fmt.Sprintf("_synchronous=%s", cfg.Synchronous))
	}

	opts = append(opts, "_foreign_keys=ON")

	if len(opts) > 0 {
		dsn = dsn + "?" + strings.Join(opts, "&")
	}
	return dsn
}

// Target returns the config as a connection target.
func (cfg SQLiteConfig) Target() Target {
	return Target{Driver: "sqlite3", DSN: cfg.DSN()}
}

// SQLiteMemoryTarget returns an in-memory SQLite target with default
// options, for tests and simple use cases.
func SQLiteMemoryTarget() Target {
	return DefaultSQLiteConfig().Target()
}
