// Package pool holds the named MySQL connections. Each worker owns exactly
// one name; the pool guarantees at most one live handle per name and swaps
// handles atomically on reconnect. Writes go through Exec, which retries
// connection-class failures after recreating the handle.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tumurzakov/myrepetl/pkg/config"
)

const (
	maxAttempts    = 3
	pingTimeout    = 5 * time.Second
	connectTimeout = 10 * time.Second
	rwTimeout      = 30 * time.Second
	sessionIdle    = 8 * time.Hour
)

var ErrNoConnection = errors.New("connection not found")

type handle struct {
	name     string
	cfg      config.DatabaseConfig
	db       *gorm.DB
	lastPing time.Time
}

type Pool struct {
	mu    sync.Mutex
	conns map[string]*handle
	log   *zap.Logger
}

func New(logger *zap.Logger) *Pool {
	return &Pool{
		conns: make(map[string]*handle),
		log:   logger,
	}
}

// Dsn renders the driver DSN for a database config, including the session
// parameters every pooled connection runs with.
func Dsn(cfg config.DatabaseConfig) string {
	params := []string{
		"charset=" + cfg.Charset,
		"parseTime=true",
		"loc=UTC",
		fmt.Sprintf("timeout=%s", connectTimeout),
		fmt.Sprintf("readTimeout=%s", rwTimeout),
		fmt.Sprintf("writeTimeout=%s", rwTimeout),
		fmt.Sprintf("wait_timeout=%d", int(sessionIdle.Seconds())),
		fmt.Sprintf("interactive_timeout=%d", int(sessionIdle.Seconds())),
	}
	if cfg.AutocommitOn() {
		params = append(params, "autocommit=1")
	} else {
		params = append(params, "autocommit=0")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		strings.Join(params, "&"))
}

func (p *Pool) open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(Dsn(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One worker per name: a single underlying connection keeps statement
	// ordering trivially correct.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(sessionIdle)
	return db, nil
}

// Connect opens (or replaces) the named connection and verifies it with a
// ping.
func (p *Pool) Connect(name string, cfg config.DatabaseConfig) error {
	db, err := p.open(cfg)
	if err != nil {
		return fmt.Errorf("connect %q: %w", name, err)
	}
	if err := ping(db); err != nil {
		return fmt.Errorf("connect %q: %w", name, err)
	}

	p.mu.Lock()
	old := p.conns[name]
	p.conns[name] = &handle{name: name, cfg: cfg, db: db, lastPing: time.Now()}
	p.mu.Unlock()

	if old != nil {
		closeDB(old.db)
	}
	return nil
}

// Get returns the live gorm handle for name.
func (p *Pool) Get(name string) (*gorm.DB, error) {
	p.mu.Lock()
	h := p.conns[name]
	p.mu.Unlock()
	if h == nil || h.db == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoConnection, name)
	}
	return h.db, nil
}

// IsHealthy pings the named connection without reconnecting.
func (p *Pool) IsHealthy(name string) bool {
	db, err := p.Get(name)
	if err != nil {
		return false
	}
	if err := ping(db); err != nil {
		return false
	}
	p.mu.Lock()
	if h := p.conns[name]; h != nil {
		h.lastPing = time.Now()
	}
	p.mu.Unlock()
	return true
}

// Reconnect drops the current handle and dials again with the stored config.
func (p *Pool) Reconnect(name string) error {
	p.mu.Lock()
	h := p.conns[name]
	p.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: %q", ErrNoConnection, name)
	}
	p.log.Info("reconnecting", zap.String("connection", name))
	return p.Connect(name, h.cfg)
}

func (p *Pool) Close(name string) {
	p.mu.Lock()
	h := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()
	if h != nil {
		closeDB(h.db)
	}
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	handles := make([]*handle, 0, len(p.conns))
	for _, h := range p.conns {
		handles = append(handles, h)
	}
	p.conns = make(map[string]*handle)
	p.mu.Unlock()
	for _, h := range handles {
		closeDB(h.db)
	}
}

// Names lists the currently registered connection names.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	return names
}

// Exec runs a write statement with the retry policy: up to three attempts,
// reconnecting and backing off attempt×1s on connection-class errors, and
// surfacing anything else immediately.
func (p *Pool) Exec(name, query string, args ...interface{}) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := p.Get(name)
		if err != nil {
			return 0, err
		}
		res := db.Exec(query, args...)
		if res.Error == nil {
			return res.RowsAffected, nil
		}
		lastErr = res.Error
		if !IsConnectionError(res.Error) {
			return 0, res.Error
		}
		p.log.Warn("connection error during exec, recreating connection",
			zap.String("connection", name),
			zap.Int("attempt", attempt),
			zap.Error(res.Error))
		if err := p.Reconnect(name); err != nil {
			p.log.Warn("reconnect failed", zap.String("connection", name), zap.Error(err))
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	return 0, fmt.Errorf("exec on %q failed after %d attempts: %w", name, maxAttempts, lastErr)
}

// QueryRows streams a read; the caller owns the returned rows.
func (p *Pool) QueryRows(name, query string, args ...interface{}) (*sql.Rows, error) {
	db, err := p.Get(name)
	if err != nil {
		return nil, err
	}
	return db.Raw(query, args...).Rows()
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// MySQL error numbers treated as connection loss.
var connErrNumbers = map[uint16]bool{
	1053: true, // server shutdown in progress
	1927: true, // connection killed
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

// IsConnectionError classifies an error as connection-class: the handle is
// recreated and the statement retried. Everything else surfaces upward.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldrv.ErrInvalidConn) ||
		errors.Is(err, mysqldrv.ErrPktSync) || errors.Is(err, mysqldrv.ErrPktSyncMul) {
		return true
	}
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) {
		return connErrNumbers[mysqlErr.Number]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"invalid connection",
		"bad connection",
		"broken pipe",
		"connection refused",
		"connection reset",
		"read of closed file",
		"use of closed network connection",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
