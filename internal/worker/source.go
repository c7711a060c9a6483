package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/internal/pool"
	"github.com/tumurzakov/myrepetl/internal/schema"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

const (
	maxConnectAttempts = 5
	maxBackoff         = 30 * time.Second
	readerIdleTimeout  = 5 * time.Second
	heartbeatPeriod    = 2 * time.Second
)

// Source tails one binlog stream and publishes canonical row events. It does
// not filter or transform: beyond mapping lookup, all per-row work happens on
// the target side.
type Source struct {
	name     string
	cfg      config.DatabaseConfig
	repl     *config.ReplicationConfig
	pipeline *config.Config
	bus      *bus.Bus
	pool     *pool.Pool
	schema   *schema.Cache
	metrics  *metrics.Metrics
	log      *zap.Logger
	onFatal  func(name string, err error)

	running atomic.Bool
	fatal   atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	syncer  *replication.BinlogSyncer
	cancel  context.CancelFunc
	logFile string
}

func NewSource(name string, cfg config.DatabaseConfig, repl *config.ReplicationConfig,
	pipeline *config.Config, b *bus.Bus, p *pool.Pool, sc *schema.Cache,
	m *metrics.Metrics, logger *zap.Logger, onFatal func(string, error)) *Source {
	return &Source{
		name:     name,
		cfg:      cfg,
		repl:     repl,
		pipeline: pipeline,
		bus:      b,
		pool:     p,
		schema:   sc,
		metrics:  m,
		log:      logger.With(zap.String("source", name)),
		onFatal:  onFatal,
		done:     make(chan struct{}),
	}
}

func (w *Source) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	w.running.Store(true)
	go w.run(ctx)
}

// Stop cancels the reader and waits briefly for the loop to exit. Closing
// the syncer makes a blocked GetEvent return.
func (w *Source) Stop() {
	w.running.Store(false)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.syncer != nil {
		w.syncer.Close()
		w.syncer = nil
	}
	w.mu.Unlock()
	select {
	case <-w.done:
	case <-time.After(readerIdleTimeout):
		w.log.Warn("source worker did not stop in time")
	}
}

func (w *Source) IsRunning() bool { return w.running.Load() }

// HasFatal reports that the worker gave up after exhausting its connect
// attempts; the supervisor turns this into a global shutdown.
func (w *Source) HasFatal() bool { return w.fatal.Load() }

func (w *Source) Done() <-chan struct{} { return w.done }

// run is the CONNECTING → STREAMING ↔ RECONNECTING loop. Reader errors
// re-enter CONNECTING; five consecutive failed connects are fatal.
func (w *Source) run(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)
	up := w.metrics.WorkerUp.WithLabelValues("source", w.name)
	up.Set(1)
	defer up.Set(0)

	backoff := time.Second
	attempts := 0
	for w.running.Load() && ctx.Err() == nil {
		streamer, err := w.connect()
		if err != nil {
			attempts++
			w.log.Error("binlog connect failed",
				zap.Int("attempt", attempts), zap.Error(err))
			if attempts >= maxConnectAttempts {
				w.fatal.Store(true)
				if w.onFatal != nil {
					w.onFatal(w.name, fmt.Errorf("source %q: %d connect attempts failed: %w", w.name, attempts, err))
				}
				return
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}

		attempts = 0
		backoff = time.Second
		err = w.stream(ctx, streamer)
		w.closeSyncer()
		if err == nil || !w.running.Load() || ctx.Err() != nil {
			return
		}
		w.log.Warn("binlog stream interrupted, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

func (w *Source) connect() (*replication.BinlogStreamer, error) {
	pos, err := w.startPosition()
	if err != nil {
		return nil, err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        w.repl.ServerID,
		Flavor:          "mysql",
		Host:            w.cfg.Host,
		Port:            uint16(w.cfg.Port),
		User:            w.cfg.User,
		Password:        w.cfg.Password,
		Charset:         w.cfg.Charset,
		HeartbeatPeriod: heartbeatPeriod,
		ReadTimeout:     readerIdleTimeout,
		UseDecimal:      true,
		ParseTime:       true,
	})
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("start binlog sync at %s:%d: %w", pos.Name, pos.Pos, err)
	}

	w.mu.Lock()
	w.syncer = syncer
	w.logFile = pos.Name
	w.mu.Unlock()

	w.log.Info("binlog stream connected",
		zap.String("file", pos.Name), zap.Uint32("pos", pos.Pos),
		zap.Uint32("server_id", w.repl.ServerID))
	return streamer, nil
}

// startPosition resumes from the configured file+pos when provided,
// otherwise from the source's current tail.
func (w *Source) startPosition() (mysql.Position, error) {
	if w.repl.LogFile != "" && w.repl.Resume() {
		return mysql.Position{Name: w.repl.LogFile, Pos: w.repl.LogPos}, nil
	}
	return w.masterPosition()
}

// masterPosition reads SHOW MASTER STATUS through the pooled admin
// connection. The result has four columns before 5.6 and five after.
func (w *Source) masterPosition() (mysql.Position, error) {
	rows, err := w.pool.QueryRows(w.name, "SHOW MASTER STATUS")
	if err != nil {
		return mysql.Position{}, fmt.Errorf("show master status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		return mysql.Position{}, fmt.Errorf("binary logging is not enabled on source %q", w.name)
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return mysql.Position{}, err
	}

	file, _ := normalizeValue(values[0]).(string)
	var position uint32
	switch v := values[1].(type) {
	case int64:
		position = uint32(v)
	case uint64:
		position = uint32(v)
	case []byte:
		_, _ = fmt.Sscanf(string(v), "%d", &position)
	}
	if file == "" {
		return mysql.Position{}, fmt.Errorf("binary logging is not enabled on source %q", w.name)
	}
	return mysql.Position{Name: file, Pos: position}, nil
}

func (w *Source) stream(ctx context.Context, streamer *replication.BinlogStreamer) error {
	for w.running.Load() {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil || !w.running.Load() {
				return nil
			}
			return err
		}

		switch e := ev.Event.(type) {
		case *replication.RotateEvent:
			w.mu.Lock()
			w.logFile = string(e.NextLogName)
			w.mu.Unlock()
		case *replication.QueryEvent:
			// DDL may change the column layout; drop the cached metadata.
			if isDDL(string(e.Query)) {
				w.schema.InvalidateSchema(w.name, string(e.Schema))
			}
		case *replication.RowsEvent:
			w.handleRows(ev.Header, e)
		}
	}
	return nil
}

func (w *Source) handleRows(header *replication.EventHeader, e *replication.RowsEvent) {
	schemaName := string(e.Table.Schema)
	table := string(e.Table.Table)
	rules := w.pipeline.MappingsFor(w.name, schemaName, table)
	if len(rules) == 0 {
		return
	}
	w.metrics.EventsReceived.WithLabelValues(w.name).Inc()

	cols, err := w.columnNames(e, schemaName, table)
	if err != nil {
		w.log.Warn("cannot resolve column names, skipping event",
			zap.String("schema", schemaName), zap.String("table", table), zap.Error(err))
		return
	}

	events := w.convert(header, e, schemaName, table, cols)
	for _, rowEvent := range events {
		// Fan-out: one message per matching rule, addressed to its target.
		for _, rule := range rules {
			msg := model.NewRowMessage(w.name, rule.TargetName, rowEvent)
			if w.bus.Publish(msg) {
				w.metrics.EventsPublished.WithLabelValues(rule.TargetName).Inc()
			} else {
				w.metrics.EventsDropped.Inc()
			}
		}
	}
}

// columnNames prefers binlog table metadata (binlog_row_metadata=FULL) and
// falls back to information_schema.
func (w *Source) columnNames(e *replication.RowsEvent, schemaName, table string) ([]string, error) {
	if len(e.Table.ColumnName) == int(e.ColumnCount) {
		cols := make([]string, len(e.Table.ColumnName))
		for i, name := range e.Table.ColumnName {
			cols[i] = string(name)
		}
		return cols, nil
	}
	info, err := w.schema.Get(w.name, schemaName, table)
	if err != nil {
		return nil, err
	}
	return info.Columns, nil
}

func (w *Source) convert(header *replication.EventHeader, e *replication.RowsEvent,
	schemaName, table string, cols []string) []*model.RowEvent {
	w.mu.Lock()
	logFile := w.logFile
	w.mu.Unlock()

	newEvent := func(kind model.EventKind) *model.RowEvent {
		ev := model.NewRowEvent(kind, w.name, schemaName, table)
		ev.LogFile = logFile
		ev.LogPos = header.LogPos
		ev.ServerID = header.ServerID
		ev.Ts = int64(header.Timestamp)
		return ev
	}

	var events []*model.RowEvent
	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			ev := newEvent(model.KindInsert)
			ev.Values = namedRow(cols, row)
			events = append(events, ev)
		}
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			ev := newEvent(model.KindUpdate)
			ev.BeforeValues = namedRow(cols, e.Rows[i])
			ev.AfterValues = namedRow(cols, e.Rows[i+1])
			events = append(events, ev)
		}
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			ev := newEvent(model.KindDelete)
			ev.Values = namedRow(cols, row)
			events = append(events, ev)
		}
	}
	return events
}

func isDDL(query string) bool {
	up := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"CREATE", "ALTER", "DROP", "RENAME", "TRUNCATE"} {
		if strings.HasPrefix(up, prefix) {
			return true
		}
	}
	return false
}

func (w *Source) closeSyncer() {
	w.mu.Lock()
	if w.syncer != nil {
		w.syncer.Close()
		w.syncer = nil
	}
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
