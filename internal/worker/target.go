package worker

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/internal/pool"
	"github.com/tumurzakov/myrepetl/internal/sqlbuilder"
	"github.com/tumurzakov/myrepetl/internal/transform"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

const shutdownFlushCap = 5 * time.Second

// targetDB is the slice of the connection pool the target worker uses;
// *pool.Pool implements it.
type targetDB interface {
	Exec(name, query string, args ...interface{}) (int64, error)
	IsHealthy(name string) bool
	Reconnect(name string) error
}

var _ targetDB = (*pool.Pool)(nil)

// Target consumes the bus messages addressed to one target database. It is
// deliberately single-threaded: one goroutine owns the connection and the
// batch accumulator, which is what delivers per-table write ordering.
type Target struct {
	name       string
	cfg        *config.TargetConfig
	pipeline   *config.Config
	sub        *bus.Subscription
	pool       targetDB
	transforms *transform.Registry
	metrics    *metrics.Metrics
	log        *zap.Logger

	batches       *batchSet
	flushInterval time.Duration

	running atomic.Bool
	done    chan struct{}
}

func NewTarget(name string, cfg *config.TargetConfig, pipeline *config.Config,
	b *bus.Bus, p targetDB, transforms *transform.Registry,
	m *metrics.Metrics, logger *zap.Logger) *Target {
	return &Target{
		name:          name,
		cfg:           cfg,
		pipeline:      pipeline,
		sub:           b.Subscribe(name),
		pool:          p,
		transforms:    transforms,
		metrics:       m,
		log:           logger.With(zap.String("target", name)),
		batches:       newBatchSet(cfg.BatchSize),
		flushInterval: cfg.FlushInterval(),
		done:          make(chan struct{}),
	}
}

func (w *Target) Start() {
	w.running.Store(true)
	go w.run()
}

// Stop asks the loop to exit and waits for the final flush, capped at the
// shutdown budget plus one flush interval.
func (w *Target) Stop() {
	w.running.Store(false)
	select {
	case <-w.done:
	case <-time.After(shutdownFlushCap + w.flushInterval):
		w.log.Warn("target worker did not stop in time")
	}
}

func (w *Target) IsRunning() bool { return w.running.Load() }

// Done is closed when the worker loop has exited.
func (w *Target) Done() <-chan struct{} { return w.done }

func (w *Target) run() {
	defer close(w.done)
	defer w.running.Store(false)
	up := w.metrics.WorkerUp.WithLabelValues("target", w.name)
	up.Set(1)
	defer up.Set(0)

	w.log.Info("target worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("flush_interval", w.flushInterval))

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for w.running.Load() {
		select {
		case msg := <-w.sub.C():
			switch msg.Type {
			case model.MessageShutdown:
				w.finalFlush()
				return
			case model.MessageRow:
				w.handle(msg.Event)
				w.flushAged()
			case model.MessageHealthcheck:
				w.log.Debug("healthcheck", zap.String("from", msg.Source))
			}
		case <-w.sub.Shutdown():
			w.finalFlush()
			return
		case <-ticker.C:
			w.flushAged()
		}
	}
	w.finalFlush()
}

func (w *Target) handle(ev *model.RowEvent) {
	if ev == nil {
		return
	}
	rules := w.rulesFor(ev)
	if len(rules) == 0 {
		w.log.Debug("no mapping for event",
			zap.String("schema", ev.Schema), zap.String("table", ev.Table))
		return
	}
	w.ensureConnection()
	for _, rule := range rules {
		w.apply(rule, ev)
	}
}

func (w *Target) rulesFor(ev *model.RowEvent) []*config.MappingRule {
	all := w.pipeline.MappingsFor(ev.SourceName, ev.Schema, ev.Table)
	rules := all[:0]
	for _, rule := range all {
		if rule.TargetName == w.name {
			rules = append(rules, rule)
		}
	}
	return rules
}

// ensureConnection pings the target and reconnects once before the event is
// processed; a still-dead connection is left to the exec retry path.
func (w *Target) ensureConnection() {
	if w.pool.IsHealthy(w.name) {
		return
	}
	w.metrics.Reconnects.WithLabelValues(w.name).Inc()
	if err := w.pool.Reconnect(w.name); err != nil {
		w.log.Warn("target reconnect failed", zap.Error(err))
	}
}

func (w *Target) apply(rule *config.MappingRule, ev *model.RowEvent) {
	switch ev.Kind {
	case model.KindInsert, model.KindInit:
		if !rule.Predicate.Eval(ev.Values) {
			w.metrics.EventsFiltered.WithLabelValues(w.name).Inc()
			return
		}
		w.append(rule, w.buildRow(rule, ev, ev.Values))

	case model.KindUpdate:
		afterOK := rule.Predicate.Eval(ev.AfterValues)
		beforeOK := rule.Predicate.Eval(ev.BeforeValues)
		switch {
		case afterOK:
			w.append(rule, w.buildRow(rule, ev, ev.AfterValues))
		case beforeOK:
			// The row left the replicated set: remove the stale target copy.
			w.log.Debug("update moved row outside filter, deleting",
				zap.String("table", rule.TargetTable), zap.String("event_id", ev.EventID))
			w.delete(rule, w.buildRow(rule, ev, ev.BeforeValues))
		default:
			w.metrics.EventsFiltered.WithLabelValues(w.name).Inc()
		}

	case model.KindDelete:
		if !rule.Predicate.Eval(ev.Values) {
			w.metrics.EventsFiltered.WithLabelValues(w.name).Inc()
			return
		}
		w.delete(rule, w.buildRow(rule, ev, ev.Values))
	}
}

// buildRow maps a source row into target shape: static value, transform, or
// plain copy per column.
func (w *Target) buildRow(rule *config.MappingRule, ev *model.RowEvent, source map[string]interface{}) map[string]interface{} {
	sourceTable := ev.Schema + "." + ev.Table
	out := make(map[string]interface{}, rule.Columns.Len())
	for _, entry := range rule.Columns.Entries() {
		spec := entry.Spec
		switch {
		case spec.HasValue:
			out[spec.TargetColumn] = spec.Value
		case spec.Transform != "":
			out[spec.TargetColumn] = w.transforms.Apply(spec.Transform, source[entry.Source], source, sourceTable)
		default:
			out[spec.TargetColumn] = source[entry.Source]
		}
	}
	return out
}

func (w *Target) append(rule *config.MappingRule, row map[string]interface{}) {
	if w.batches.add(rule, row) {
		w.flushRule(rule)
	}
}

// delete flushes the rule's pending batch first so the delete lands after
// every earlier upsert for the same table, then executes individually.
func (w *Target) delete(rule *config.MappingRule, row map[string]interface{}) {
	w.flushRule(rule)
	sql, args := sqlbuilder.BuildDelete(rule.TargetTable, rule.PrimaryKey, row[rule.PrimaryKey])
	if _, err := w.pool.Exec(w.name, sql, args...); err != nil {
		w.metrics.EventErrors.WithLabelValues(w.name).Inc()
		w.log.Error("delete failed",
			zap.String("table", rule.TargetTable),
			zap.Any("pk", row[rule.PrimaryKey]),
			zap.Error(err))
		return
	}
	w.metrics.EventsApplied.WithLabelValues(w.name, string(model.KindDelete)).Inc()
}

func (w *Target) flushRule(rule *config.MappingRule) {
	w.flushSlot(w.batches.take(rule.Key))
}

func (w *Target) flushAged() {
	for _, s := range w.batches.aged(w.flushInterval, time.Now()) {
		w.flushSlot(s)
	}
}

func (w *Target) flushSlot(s *batchSlot) {
	if s == nil || len(s.rows) == 0 {
		return
	}
	start := time.Now()
	sql, args, err := sqlbuilder.BuildBatchUpsert(s.rule.TargetTable, s.rule.TargetColumns(), s.rows, s.rule.PrimaryKey)
	if err != nil {
		w.metrics.EventErrors.WithLabelValues(w.name).Add(float64(len(s.rows)))
		w.log.Error("build batch upsert failed", zap.String("table", s.rule.TargetTable), zap.Error(err))
		return
	}
	if _, err := w.pool.Exec(w.name, sql, args...); err != nil {
		// Schema mismatch or exhausted retries: the batch is dropped, the
		// worker keeps consuming.
		w.metrics.EventErrors.WithLabelValues(w.name).Add(float64(len(s.rows)))
		w.log.Error("batch upsert failed",
			zap.String("table", s.rule.TargetTable),
			zap.Int("rows", len(s.rows)),
			zap.Error(err))
		return
	}
	w.metrics.BatchSize.Observe(float64(len(s.rows)))
	w.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	w.metrics.EventsApplied.WithLabelValues(w.name, string(model.KindInsert)).Add(float64(len(s.rows)))
	w.log.Debug("batch flushed",
		zap.String("table", s.rule.TargetTable),
		zap.Int("rows", len(s.rows)),
		zap.Duration("took", time.Since(start)))
}

// finalFlush drains remaining batches best-effort within the shutdown cap.
func (w *Target) finalFlush() {
	deadline := time.Now().Add(shutdownFlushCap)
	slots := w.batches.takeAll()
	for i, s := range slots {
		if time.Now().After(deadline) {
			dropped := 0
			for _, rest := range slots[i:] {
				dropped += len(rest.rows)
			}
			w.log.Warn("shutdown flush budget exhausted", zap.Int("rows_dropped", dropped))
			return
		}
		w.flushSlot(s)
	}
	w.log.Info("target worker stopped")
}
