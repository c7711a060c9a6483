package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/etl"
	"github.com/tumurzakov/myrepetl/internal/log"
	"github.com/tumurzakov/myrepetl/internal/pool"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

const usage = `usage: myrepetl [flags] <command> <config.json>

commands:
  run    start the replication pipeline and block until interrupted
  test   check every configured source and target connection

flags:
`

const (
	exitOK          = 0
	exitConfig      = 1
	exitConnect     = 2
	exitInterrupted = 130
)

func main() {
	logLevel := flag.String("log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
	logFormat := flag.String("log-format", "console", "console or json")
	logFile := flag.String("log-file", "", "log to this file with rotation instead of stdout")
	monitor := flag.Bool("monitor", false, "log pipeline statistics periodically")
	monitorInterval := flag.Int("monitor-interval", 30, "health check interval in seconds")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(exitConfig)
	}
	command, configPath := flag.Arg(0), flag.Arg(1)

	logger, err := log.New(log.Options{
		Level:  *logLevel,
		Format: *logFormat,
		File:   *logFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "myrepetl: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		os.Exit(exitConfig)
	}

	switch command {
	case "run":
		os.Exit(runPipeline(cfg, logger, *monitor, *monitorInterval))
	case "test":
		os.Exit(testConnections(cfg, logger))
	default:
		flag.Usage()
		os.Exit(exitConfig)
	}
}

func runPipeline(cfg *config.Config, logger *zap.Logger, monitor bool, intervalSec int) int {
	sup := etl.NewSupervisor(cfg, etl.Options{
		Monitor:         monitor,
		MonitorInterval: time.Duration(intervalSec) * time.Second,
	}, logger)

	if err := sup.Start(); err != nil {
		if errors.Is(err, etl.ErrConnect) {
			logger.Error("startup connection failure", zap.Error(err))
			return exitConnect
		}
		logger.Error("configuration error", zap.Error(err))
		return exitConfig
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	go func() {
		sig := <-quit
		logger.Info("signal received", zap.String("signal", sig.String()))
		interrupted = true
		sup.Shutdown()
	}()

	sup.Wait()
	if interrupted {
		return exitInterrupted
	}
	return exitOK
}

// testConnections dials every configured connection and reports OK or FAIL
// per name.
func testConnections(cfg *config.Config, logger *zap.Logger) int {
	p := pool.New(logger)
	defer p.CloseAll()

	failed := 0
	check := func(kind, name string, db config.DatabaseConfig) {
		if err := p.Connect(kind+":"+name, db); err != nil {
			failed++
			fmt.Printf("%s %s: FAIL %v\n", kind, name, err)
			return
		}
		fmt.Printf("%s %s: OK\n", kind, name)
	}

	for _, name := range sortedKeys(cfg.Sources) {
		check("source", name, *cfg.Sources[name])
	}
	for _, name := range sortedKeys(cfg.Targets) {
		check("target", name, cfg.Targets[name].DatabaseConfig)
	}

	if failed > 0 {
		return exitConnect
	}
	return exitOK
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
