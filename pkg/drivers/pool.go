package drivers

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/named"
)

// Pool maps target names to database handles. Handles open lazily on
// first acquire and stay open until Close. The first registered
// target becomes the default, so single-database applications never
// name their target explicitly.
type Pool struct {
	mu          sync.RWMutex
	targets     map[string]Target
	dbs         map[string]*sql.DB
	defaultName string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	pingTimeout     time.Duration
	logger          *log.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxOpenConns caps open connections per target.
func WithMaxOpenConns(n int) PoolOption {
	return func(p *Pool) { p.maxOpenConns = n }
}

// WithMaxIdleConns caps idle connections per target.
func WithMaxIdleConns(n int) PoolOption {
	return func(p *Pool) { p.maxIdleConns = n }
}

// WithConnMaxLifetime bounds connection reuse per target.
func WithConnMaxLifetime(d time.Duration) PoolOption {
	return func(p *Pool) { p.connMaxLifetime = d }
}

// WithPingTimeout bounds the liveness check on first open. A zero
// duration skips the check.
func WithPingTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.pingTimeout = d }
}

// WithLogger sets the logger used by the pool.
func WithLogger(l *log.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates an empty pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		targets:     make(map[string]Target),
		dbs:         make(map[string]*sql.DB),
		pingTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p
}

// Register parses and registers a target string under a name.
func (p *Pool) Register(name, target string) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	return p.RegisterTarget(name, t)
}

// RegisterTarget registers a parsed target under a name.
func (p *Pool) RegisterTarget(name string, t Target) error {
	if name == "" {
		return scerrors.New(scerrors.ErrCodeConfigInvalid,
			"connection target name must be a non-empty string").Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.targets[name]; exists {
		return scerrors.Newf(scerrors.ErrCodeConfigInvalid,
			"connection target %q is already registered", name).Err()
	}
	p.targets[name] = t
	if p.defaultName == "" {
		p.defaultName = name
	}

	p.logger.System().Debug("registered connection target",
		"name", name,
		"driver", t.Driver)
	return nil
}

// SetDefault selects the target used when a caller names none.
func (p *Pool) SetDefault(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.targets[name]; !exists {
		return scerrors.Newf(scerrors.ErrCodeBadTarget,
			"unknown connection target %q", name).Err()
	}
	p.defaultName = name
	return nil
}

// Names returns the registered target names in sorted order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve maps a possibly-empty name to a registered target.
func (p *Pool) resolve(name string) (string, Target, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if name == "" {
		name = p.defaultName
	}
	if name == "" {
		return "", Target{}, scerrors.New(scerrors.ErrCodeBadTarget,
			"no connection target registered").Err()
	}
	t, ok := p.targets[name]
	if !ok {
		return "", Target{}, scerrors.Newf(scerrors.ErrCodeBadTarget,
			"unknown connection target %q", name).Err()
	}
	return name, t, nil
}

// DB returns the database handle for a target, opening it on first
// use.
func (p *Pool) DB(ctx context.Context, name string) (*sql.DB, error) {
	name, t, err := p.resolve(name)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	db, ok := p.dbs[name]
	p.mu.RUnlock()
	if ok {
		return db, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[name]; ok {
		return db, nil
	}

	db, err = Open(t)
	if err != nil {
		return nil, err
	}
	if p.maxOpenConns > 0 {
		db.SetMaxOpenConns(p.maxOpenConns)
	}
	if p.maxIdleConns > 0 {
		db.SetMaxIdleConns(p.maxIdleConns)
	}
	if p.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.connMaxLifetime)
	}

	if p.pingTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, scerrors.Wrap(err, scerrors.ErrCodeConnectFailed,
				"connect to target").WithField("name", name).Err()
		}
	}

	p.dbs[name] = db
	p.logger.System().Debug("opened connection target",
		"name", name,
		"driver", t.Driver)
	return db, nil
}

// Acquire checks a single connection out of the target's pool. The
// caller owns it until Close returns it.
func (p *Pool) Acquire(ctx context.Context, name string) (*sql.Conn, error) {
	db, err := p.DB(ctx, name)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeConnectFailed,
			"acquire connection").WithField("name", name).Err()
	}
	return conn, nil
}

// Placeholder returns the placeholder style of a target's driver.
// Unknown names fall back to the question style.
func (p *Pool) Placeholder(name string) named.Placeholder {
	_, t, err := p.resolve(name)
	if err != nil {
		return named.PlaceholderQuestion
	}
	return t.Placeholder()
}

// Close closes every open database handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.dbs, name)
	}
	return scerrors.Join(errs...)
}
