package drivers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SQLServerConfig holds SQL Server connection options.
type SQLServerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Encrypt: "disable", "false", "true", or "strict"
	// - "disable": no encryption at all
	// - "false": encrypt login only
	// - "true": full encryption (requires TLS on server)
	// - "strict": TDS 8.0 strict encryption
	Encrypt         string
	TrustServerCert *bool
	AppName         string
}

// DefaultSQLServerConfig returns defaults suitable for development
// servers without TLS.
func DefaultSQLServerConfig() SQLServerConfig {
	return SQLServerConfig{
		Port:    1433,
		Encrypt: "disable",
	}
}

// Target renders the config as a connection target in the go-mssqldb
// URL form.
func (cfg SQLServerConfig) Target() Target {
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
	}

	q := url.Values{}
	q.Set("database", cfg.Database)
	if cfg.Encrypt != "" {
		q.Set("encrypt", strings.ToLower(cfg.Encrypt))
	}
	if cfg.TrustServerCert != nil {
		q.Set("trustservercertificate", strconv.FormatBool(*cfg.TrustServerCert))
	}
	if cfg.AppName != "" {
		q.Set("app name", cfg.AppName)
	}
	u.RawQuery = q.Encode()

	return Target{Driver: "sqlserver", DSN: u.String()}
}

// PostgresConfig holds PostgreSQL connection options.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// Target renders the config as a connection target in the pgx URL form.
func (cfg PostgresConfig) Target() Target {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:   "/" + cfg.Database,
	}

	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()

	return Target{Driver: "pgx", DSN: u.String()}
}
