package pool

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/config"
)

func TestDsn(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "db.example.com",
		Port:     3307,
		User:     "repl",
		Password: "secret",
		Database: "shop",
		Charset:  "utf8mb4",
	}
	dsn := Dsn(cfg)

	assert.Contains(t, dsn, "repl:secret@tcp(db.example.com:3307)/shop?")
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "timeout=10s")
	assert.Contains(t, dsn, "readTimeout=30s")
	assert.Contains(t, dsn, "writeTimeout=30s")
	assert.Contains(t, dsn, "wait_timeout=28800")
	assert.Contains(t, dsn, "interactive_timeout=28800")
	assert.Contains(t, dsn, "autocommit=1")
}

func TestDsnAutocommitOff(t *testing.T) {
	off := false
	cfg := config.DatabaseConfig{
		Host: "h", Port: 3306, User: "u", Database: "d",
		Charset: "utf8mb4", Autocommit: &off,
	}
	assert.Contains(t, Dsn(cfg), "autocommit=0")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn sentinel", driver.ErrBadConn, true},
		{"invalid conn sentinel", mysqldrv.ErrInvalidConn, true},
		{"packet sequence", mysqldrv.ErrPktSync, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"server gone away", &mysqldrv.MySQLError{Number: 2006, Message: "server has gone away"}, true},
		{"shutdown in progress", &mysqldrv.MySQLError{Number: 1053, Message: "shutdown"}, true},
		{"connection killed", &mysqldrv.MySQLError{Number: 1927, Message: "killed"}, true},
		{"duplicate key is not retryable", &mysqldrv.MySQLError{Number: 1062, Message: "dup"}, false},
		{"unknown column is not retryable", &mysqldrv.MySQLError{Number: 1054, Message: "unknown column"}, false},
		{"net error", timeoutErr{}, true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"closed file text", errors.New("read of closed file"), true},
		{"plain error", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestGetUnknownName(t *testing.T) {
	p := New(zap.NewNop())
	_, err := p.Get("missing")
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.False(t, p.IsHealthy("missing"))
	assert.ErrorIs(t, p.Reconnect("missing"), ErrNoConnection)
}
