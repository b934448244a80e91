// Package drivers manages database connection targets. The supported
// drivers are enumerated here with explicit imports rather than
// discovered at runtime, so a binary links exactly the drivers it
// ships. A target string selects the driver by scheme:
//
//	sqlite:PATH            file path or :memory:, with DSN options
//	sqlserver://host:port  go-mssqldb URL form
//	postgres://host:port   pgx URL form
//
// The Pool type opens one database handle per registered target and
// hands out connections for single-call use.
package drivers

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/named"
)

// Target identifies a database by driver name and DSN.
type Target struct {
	Driver string
	DSN    string
}

// ParseTarget resolves a target string to a driver and DSN by scheme.
func ParseTarget(s string) (Target, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Target{}, scerrors.New(scerrors.ErrCodeBadTarget,
			"connection target must be a non-empty string").Err()
	}

	scheme := trimmed
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		scheme = trimmed[:idx]
	}

	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return Target{Driver: "sqlite3", DSN: trimmed[len(scheme)+1:]}, nil
	case "sqlserver", "mssql":
		return Target{Driver: "sqlserver", DSN: trimmed}, nil
	case "postgres", "postgresql":
		return Target{Driver: "pgx", DSN: trimmed}, nil
	default:
		return Target{}, scerrors.Newf(scerrors.ErrCodeBadTarget,
			"connection target %q has an unsupported scheme", s).Err()
	}
}

// Placeholder returns the positional placeholder style of the target's
// driver.
func (t Target) Placeholder() named.Placeholder {
	return named.PlaceholderFor(t.Driver)
}

// Open opens a database handle for the target. The handle is lazy;
// no connection is established until first use.
func Open(t Target) (*sql.DB, error) {
	if !registered(t.Driver) {
		return nil, scerrors.Newf(scerrors.ErrCodeUnknownDriver,
			"driver %q is not linked into this binary", t.Driver).Err()
	}
	db, err := sql.Open(t.Driver, t.DSN)
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeConnectFailed,
			"open connection target").WithField("driver", t.Driver).Err()
	}
	return db, nil
}

func registered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}
