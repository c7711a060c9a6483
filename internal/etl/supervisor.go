// Package etl wires the pipeline together: the supervisor owns the bus, the
// connection pool, the metrics, and every worker, and drives startup order,
// the periodic health loop, and shutdown.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/internal/pool"
	"github.com/tumurzakov/myrepetl/internal/schema"
	"github.com/tumurzakov/myrepetl/internal/transform"
	"github.com/tumurzakov/myrepetl/internal/worker"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

// ErrConnect marks startup connection failures, which exit with a different
// code than configuration errors.
var ErrConnect = errors.New("connection failed")

const sourceRestartGap = 2 * time.Second

type Options struct {
	Monitor         bool
	MonitorInterval time.Duration
}

type Supervisor struct {
	cfg     *config.Config
	opts    Options
	log     *zap.Logger
	bus     *bus.Bus
	pool    *pool.Pool
	metrics *metrics.Metrics
	reg     *transform.Registry
	schema  *schema.Cache
	server  *metrics.Server

	mu      sync.Mutex
	sources map[string]*worker.Source
	targets map[string]*worker.Target
	inits   []*worker.InitLoad

	initGroup *errgroup.Group
	initCtx   context.Context
	cancel    context.CancelFunc

	start      time.Time
	stopOnce   sync.Once
	stopped    chan struct{}
	finished   chan struct{}
	healthDone chan struct{}
}

func NewSupervisor(cfg *config.Config, opts Options, logger *zap.Logger) *Supervisor {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	m := metrics.New()
	return &Supervisor{
		cfg:        cfg,
		opts:       opts,
		log:        logger,
		bus:        bus.New(cfg.BusSize, logger),
		pool:       pool.New(logger),
		metrics:    m,
		reg:        transform.NewRegistry(logger),
		stopped:    make(chan struct{}),
		finished:   make(chan struct{}),
		healthDone: make(chan struct{}),
		sources:    make(map[string]*worker.Source),
		targets:    make(map[string]*worker.Target),
	}
}

// Registry exposes the transform registry so embedders can add in-process
// functions before Start.
func (s *Supervisor) Registry() *transform.Registry { return s.reg }

// Start brings the pipeline up: transforms, connections, then target
// workers, init loads, and finally source workers, so consumers are always
// ready before producers.
func (s *Supervisor) Start() error {
	s.start = time.Now()
	s.schema = schema.NewCache(s.pool)

	if err := s.loadTransforms(); err != nil {
		return err
	}
	if err := s.connectAll(); err != nil {
		return err
	}
	s.startMetricsServer()
	s.startTargets()
	s.startInitLoads()
	s.startSources()
	go s.healthLoop()

	s.log.Info("pipeline started",
		zap.Int("sources", len(s.sources)),
		zap.Int("targets", len(s.targets)),
		zap.Int("init_loads", len(s.inits)))
	return nil
}

func (s *Supervisor) loadTransforms() error {
	names := s.cfg.TransformNames()
	if err := s.reg.LoadModule(s.cfg.Dir, s.cfg.Module); err != nil && len(names) > 0 {
		s.log.Warn("transform module not loaded", zap.Error(err))
	}
	if err := s.reg.Validate(names); err != nil {
		return fmt.Errorf("transform resolution: %w", err)
	}
	return nil
}

func (s *Supervisor) connectAll() error {
	for _, name := range sortedKeys(s.cfg.Targets) {
		if err := s.pool.Connect(name, s.cfg.Targets[name].DatabaseConfig); err != nil {
			return fmt.Errorf("%w: target %q: %v", ErrConnect, name, err)
		}
	}
	for _, name := range sortedKeys(s.cfg.Sources) {
		if err := s.pool.Connect(name, *s.cfg.Sources[name]); err != nil {
			return fmt.Errorf("%w: source %q: %v", ErrConnect, name, err)
		}
	}
	return nil
}

func (s *Supervisor) startMetricsServer() {
	mon := s.cfg.Monitoring
	if mon == nil || !mon.Enabled {
		return
	}
	port := mon.MetricsPort
	if port == 0 {
		port = s.cfg.MetricsPort
	}
	s.server = metrics.NewServer(port, s.metrics, s.Health, s.log)
	s.server.Start()
}

func (s *Supervisor) startTargets() {
	for _, name := range sortedKeys(s.cfg.Targets) {
		w := worker.NewTarget(name, s.cfg.Targets[name], s.cfg,
			s.bus, s.pool, s.reg, s.metrics, s.log)
		s.mu.Lock()
		s.targets[name] = w
		s.mu.Unlock()
		w.Start()
	}
}

func (s *Supervisor) startInitLoads() {
	s.initCtx, s.cancel = context.WithCancel(context.Background())
	s.initGroup, s.initCtx = errgroup.WithContext(s.initCtx)

	var keys []string
	for key, rule := range s.cfg.Mapping {
		if rule.InitQuery != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule := s.cfg.Mapping[key]
		w := worker.NewInitLoad(rule, *s.cfg.Sources[rule.SourceName],
			s.bus, s.pool, s.metrics, s.log)
		s.mu.Lock()
		s.inits = append(s.inits, w)
		s.mu.Unlock()
		s.initGroup.Go(func() error {
			if err := w.Run(s.initCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("init load failed", zap.Error(err))
			}
			// One failing init load never takes the others down.
			return nil
		})
	}
}

func (s *Supervisor) startSources() {
	for _, name := range sortedKeys(s.cfg.Sources) {
		s.startSource(name)
	}
}

func (s *Supervisor) startSource(name string) {
	w := worker.NewSource(name, *s.cfg.Sources[name], s.cfg.Replication[name],
		s.cfg, s.bus, s.pool, s.schema, s.metrics, s.log, s.onSourceFatal)
	s.mu.Lock()
	s.sources[name] = w
	s.mu.Unlock()
	w.Start()
}

// onSourceFatal fires after a source exhausts its connect attempts; per the
// propagation policy this is the one error class that becomes a global
// shutdown.
func (s *Supervisor) onSourceFatal(name string, err error) {
	s.log.Error("source failed permanently, shutting down pipeline",
		zap.String("source", name), zap.Error(err))
	go s.Shutdown()
}

// healthLoop pings targets (reconnecting the dead ones) and restarts source
// workers that stopped without a fatal verdict.
func (s *Supervisor) healthLoop() {
	defer close(s.healthDone)
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}

		for _, name := range sortedKeys(s.cfg.Targets) {
			if !s.pool.IsHealthy(name) {
				s.log.Warn("target connection down", zap.String("target", name))
				s.metrics.Reconnects.WithLabelValues(name).Inc()
				if err := s.pool.Reconnect(name); err != nil {
					s.log.Error("target reconnect failed", zap.String("target", name), zap.Error(err))
				}
			}
		}

		s.mu.Lock()
		stale := make([]string, 0)
		for name, src := range s.sources {
			if !src.IsRunning() && !src.HasFatal() {
				stale = append(stale, name)
			}
		}
		s.mu.Unlock()
		for _, name := range stale {
			s.log.Warn("source worker stopped unexpectedly, restarting",
				zap.String("source", name))
			time.Sleep(sourceRestartGap)
			select {
			case <-s.stopped:
				return
			default:
			}
			s.startSource(name)
		}

		s.bus.Publish(model.NewHealthcheckMessage("supervisor"))

		stats := s.bus.Stats()
		s.metrics.BusSize.Set(float64(stats.Size))
		if s.opts.Monitor {
			s.log.Info("pipeline statistics",
				zap.Int64("published", stats.Published),
				zap.Int64("dropped", stats.Dropped),
				zap.Int("queue_size", stats.Size),
				zap.Int64("queue_peak", stats.Peak),
				zap.Duration("uptime", time.Since(s.start)))
		}
	}
}

// Health snapshots the system for the /health endpoint.
func (s *Supervisor) Health() metrics.Health {
	s.mu.Lock()
	sourcesRunning, sourcesTotal := 0, len(s.sources)
	for _, w := range s.sources {
		if w.IsRunning() {
			sourcesRunning++
		}
	}
	targetsRunning, targetsTotal := 0, len(s.targets)
	for _, w := range s.targets {
		if w.IsRunning() {
			targetsRunning++
		}
	}
	initsCompleted := 0
	for _, w := range s.inits {
		if w.IsCompleted() {
			initsCompleted++
		}
	}
	initsTotal := len(s.inits)
	s.mu.Unlock()

	connections := make(map[string]bool)
	for _, name := range s.pool.Names() {
		connections[name] = s.pool.IsHealthy(name)
	}

	stats := s.bus.Stats()
	status := "healthy"
	switch {
	case targetsRunning < targetsTotal || (sourcesTotal > 0 && sourcesRunning == 0):
		status = "critical"
	case sourcesRunning < sourcesTotal || stats.Dropped > 0:
		status = "warning"
	}

	return metrics.Health{
		Status:        status,
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: time.Since(s.start).Seconds(),
		Components: map[string]interface{}{
			"threads": map[string]interface{}{
				"source_threads": map[string]int{"running": sourcesRunning, "total": sourcesTotal},
				"target_threads": map[string]int{"running": targetsRunning, "total": targetsTotal},
				"init_threads":   map[string]int{"completed": initsCompleted, "total": initsTotal},
			},
			"database_connections": connections,
			"message_queue": map[string]interface{}{
				"published": stats.Published,
				"dropped":   stats.Dropped,
				"size":      stats.Size,
				"peak":      stats.Peak,
			},
		},
	}
}

// Shutdown stops everything in reverse dependency order: sources first so no
// new events appear, then a bus-wide shutdown broadcast, then the targets
// with their final flush, and finally the connections.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down")
		close(s.stopped)

		s.mu.Lock()
		sources := make([]*worker.Source, 0, len(s.sources))
		for _, w := range s.sources {
			sources = append(sources, w)
		}
		targets := make([]*worker.Target, 0, len(s.targets))
		for _, w := range s.targets {
			targets = append(targets, w)
		}
		s.mu.Unlock()

		for _, w := range sources {
			w.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.bus.PublishShutdown()
		for _, w := range targets {
			w.Stop()
		}
		if s.initGroup != nil {
			_ = s.initGroup.Wait()
		}
		<-s.healthDone
		if s.server != nil {
			s.server.Stop()
		}
		s.pool.CloseAll()
		s.log.Info("shutdown complete")
		close(s.finished)
	})
}

// Wait blocks until Shutdown has completed.
func (s *Supervisor) Wait() {
	<-s.finished
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
