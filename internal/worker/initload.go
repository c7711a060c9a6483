package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/internal/pool"
	"github.com/tumurzakov/myrepetl/internal/sqlbuilder"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

const backpressurePoll = 200 * time.Millisecond

// InitLoad bulk-populates one empty target table from the mapping's init
// query, emitting INIT events through the same bus as binlog traffic. It is
// one-shot: a target table that already holds rows is left alone.
type InitLoad struct {
	rule    *config.MappingRule
	source  config.DatabaseConfig
	bus     *bus.Bus
	pool    *pool.Pool
	metrics *metrics.Metrics
	log     *zap.Logger

	running   atomic.Bool
	completed atomic.Bool
}

func NewInitLoad(rule *config.MappingRule, source config.DatabaseConfig,
	b *bus.Bus, p *pool.Pool, m *metrics.Metrics, logger *zap.Logger) *InitLoad {
	return &InitLoad{
		rule:    rule,
		source:  source,
		bus:     b,
		pool:    p,
		metrics: m,
		log: logger.With(
			zap.String("mapping", rule.Key),
			zap.String("target", rule.TargetName)),
	}
}

func (w *InitLoad) IsRunning() bool   { return w.running.Load() }
func (w *InitLoad) IsCompleted() bool { return w.completed.Load() }

// Run streams the init query and publishes one INIT event per row. It
// returns once the cursor is exhausted, the context is cancelled, or the
// target turned out to be non-empty.
func (w *InitLoad) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	up := w.metrics.WorkerUp.WithLabelValues("init", w.rule.Key)
	up.Set(1)
	defer up.Set(0)

	empty, err := w.targetEmpty()
	if err != nil {
		return fmt.Errorf("init load %q: probe target: %w", w.rule.Key, err)
	}
	if !empty {
		w.log.Info("target table not empty, skipping init load",
			zap.String("table", w.rule.TargetTable))
		w.completed.Store(true)
		return nil
	}

	rows, err := w.pool.QueryRows(w.rule.SourceName, w.rule.InitQuery)
	if err != nil {
		return fmt.Errorf("init load %q: run init query: %w", w.rule.Key, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("init load %q: %w", w.rule.Key, err)
	}

	count := 0
	for rows.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("init load %q: scan: %w", w.rule.Key, err)
		}

		ev := model.NewRowEvent(model.KindInit, w.rule.SourceName, w.source.Database, w.rule.TableName)
		ev.Values = namedRow(cols, values)
		msg := model.NewRowMessage(w.rule.SourceName, w.rule.TargetName, ev)
		if err := w.publish(ctx, msg); err != nil {
			return err
		}
		w.metrics.InitRows.WithLabelValues(w.rule.Key).Inc()
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("init load %q: cursor: %w", w.rule.Key, err)
	}

	w.completed.Store(true)
	w.log.Info("init load completed", zap.Int("rows", count))
	return nil
}

func (w *InitLoad) targetEmpty() (bool, error) {
	rows, err := w.pool.QueryRows(w.rule.TargetName, sqlbuilder.BuildSelectOne(w.rule.TargetTable))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()
	if rows.Next() {
		return false, rows.Err()
	}
	return true, rows.Err()
}

// publish applies backpressure by watching the bus drop counter: when a
// publish is dropped, the load pauses until drops stop growing, then
// retries.
func (w *InitLoad) publish(ctx context.Context, msg model.Message) error {
	for {
		if w.bus.Publish(msg) {
			return nil
		}
		w.log.Debug("bus saturated, pausing init load")
		last := w.bus.Dropped()
		for {
			if !sleepCtx(ctx, backpressurePoll) {
				return ctx.Err()
			}
			cur := w.bus.Dropped()
			if cur == last {
				break
			}
			last = cur
		}
	}
}
