package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/synclune/api/internal/platform/config"
)

const defaultDialTimeout = 10 * time.Second

var ErrProviderClosed = errors.New("mysql: provider is closed")

type initResult struct {
	db  *sql.DB
	err error
}

// Provider lazily opens and verifies a shared connection pool.
type Provider struct {
	cfg         config.DatabaseConfig
	dialTimeout time.Duration
	txAttempts  int
	txTimeout   time.Duration
	open        func(dsn string) (*sql.DB, error)

	stateMu sync.Mutex
	initCh  chan initResult
	db      *sql.DB

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides the timeout used when verifying the first connection.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithDB installs an already opened pool, typically a sqlmock handle in tests.
func WithDB(db *sql.DB) ProviderOption {
	return func(p *Provider) {
		if db != nil {
			p.db = db
		}
	}
}

// WithDefaultTxAttempts sets how many times a transaction is attempted when MySQL reports a deadlock.
func WithDefaultTxAttempts(attempts int) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
		txAttempts:  defaultTxAttempts,
		txTimeout:   defaultTxTimeout,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// DB returns the lazily initialised connection pool.
func (p *Provider) DB(ctx context.Context) (*sql.DB, error) {
	if ctx == nil {
		return nil, errors.New("mysql: context is required")
	}

	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.stateMu.Lock()
		if p.db != nil {
			db := p.db
			p.stateMu.Unlock()
			return db, nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-waitCh:
				if res.err != nil {
					return nil, res.err
				}
				if p.closed.Load() {
					return nil, ErrProviderClosed
				}
				return res.db, nil
			}
		}

		waitCh := make(chan initResult, 1)
		p.initCh = waitCh
		p.stateMu.Unlock()

		db, err := p.connect(ctx)

		p.stateMu.Lock()
		p.initCh = nil
		if err == nil {
			p.db = db
		}
		p.stateMu.Unlock()

		waitCh <- initResult{db: db, err: err}
		close(waitCh)

		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func (p *Provider) connect(ctx context.Context) (*sql.DB, error) {
	dsn, err := DSN(p.cfg)
	if err != nil {
		return nil, err
	}
	db, err := p.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if p.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	}
	if p.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return db, nil
}

// DSN renders the driver connection string. An explicit DSN wins over the discrete fields.
func DSN(cfg config.DatabaseConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		parsed, err := gomysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("mysql: parse dsn: %w", err)
		}
		parsed.ParseTime = true
		parsed.Loc = time.UTC
		return parsed.FormatDSN(), nil
	}

	host := strings.TrimSpace(cfg.Host)
	name := strings.TrimSpace(cfg.Name)
	if host == "" || name == "" {
		return "", errors.New("mysql: host and database name are required")
	}

	driverCfg := gomysql.NewConfig()
	driverCfg.User = cfg.User
	driverCfg.Passwd = cfg.Password
	driverCfg.Net = "tcp"
	driverCfg.Addr = host
	if cfg.Port > 0 {
		driverCfg.Addr = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	driverCfg.DBName = name
	driverCfg.ParseTime = true
	driverCfg.Loc = time.UTC
	driverCfg.Timeout = defaultDialTimeout
	if cfg.QueryTimeout > 0 {
		driverCfg.ReadTimeout = 3 * cfg.QueryTimeout
		driverCfg.WriteTimeout = 3 * cfg.QueryTimeout
	}
	return driverCfg.FormatDSN(), nil
}

// Ping verifies the pool can reach the server.
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	return WrapError("ping", db.PingContext(ctx))
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var db *sql.DB
	for {
		p.stateMu.Lock()
		if p.closed.Load() {
			p.stateMu.Unlock()
			return nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-waitCh:
				continue
			}
		}
		p.closed.Store(true)
		db = p.db
		p.db = nil
		p.stateMu.Unlock()
		break
	}

	if db == nil {
		return nil
	}
	return db.Close()
}
