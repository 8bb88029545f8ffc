// File: cmd/lapcd/main.go
// Author: momentics <momentics@gmail.com>
//
// lapcd is the daemon binding a server.Server to a fixed pool of
// shared-memory rendezvous slots (server.ShmAcceptor). Flags, config
// file, and environment follow §6: --config/--socket/--metrics-port/
// --debug/--dry-run, LAPC_LOG and LAPC_HOME, and exit codes 0/2/3/4.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/momentics/lapc/control"
	"github.com/momentics/lapc/server"
)

const (
	exitSuccess     = 0
	exitBadConfig   = 2
	exitBindFailure = 3
	exitWorkerCrash = 4
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var (
		configPath  string
		socketPath  string
		metricsPort int
		debugFlag   bool
		dryRun      bool
	)

	root := &cobra.Command{
		Use:           "lapcd",
		Short:         "LAPC shared-memory transport daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&socketPath, "socket", "", "socket path recorded in the config (slot names come from the runtime directory, not this flag)")
	flags.IntVar(&metricsPort, "metrics-port", 0, "TCP port serving /metrics and /healthz (0 disables)")
	flags.BoolVar(&debugFlag, "debug", false, "expose the /debug probe-dump endpoint")
	flags.BoolVar(&dryRun, "dry-run", false, "load config and build the server, then exit without serving")

	exitCode := exitSuccess
	root.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := runDaemon(configPath, socketPath, metricsPort, debugFlag, dryRun, flags)
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		if exitCode == exitSuccess {
			exitCode = exitBadConfig
		}
		fmt.Fprintln(os.Stderr, "lapcd:", err)
	}
	return exitCode
}

func runDaemon(configPath, socketOverride string, metricsPort int, debugFlag, dryRun bool, flags *pflag.FlagSet) (int, error) {
	cfg, err := control.Load(configPath, "LAPC", flags)
	if err != nil {
		return exitBadConfig, fmt.Errorf("loading config: %w", err)
	}

	if v := os.Getenv("LAPC_LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LAPC_HOME"); v != "" {
		cfg.Home = v
	}
	if socketOverride != "" {
		cfg.Socket = socketOverride
	}
	if metricsPort != 0 {
		cfg.MetricsPort = metricsPort
	}
	cfg.Debug = cfg.Debug || debugFlag
	cfg.DryRun = cfg.DryRun || dryRun

	logger, err := control.NewLogger(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return exitBadConfig, fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Home == "" {
		cfg.Home = filepath.Join(os.TempDir(), "lapcd")
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return exitBindFailure, fmt.Errorf("creating runtime directory %s: %w", cfg.Home, err)
	}

	pidPath := filepath.Join(cfg.Home, "lapcd.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return exitBindFailure, fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidPath)

	slotPrefix := filepath.Base(cfg.Home)
	namePath := filepath.Join(cfg.Home, "lapcd.name")
	if err := os.WriteFile(namePath, []byte(slotPrefix), 0o644); err != nil {
		return exitBindFailure, fmt.Errorf("writing socket/handshake-name file: %w", err)
	}
	defer os.Remove(namePath)

	acceptor, err := server.NewShmAcceptor(server.ShmAcceptorConfig{
		Prefix:   slotPrefix,
		Slots:    64,
		RingSize: int(cfg.RingSize.Bytes()),
	}, uint32(os.Getpid()))
	if err != nil {
		return exitBindFailure, fmt.Errorf("binding shared-memory slots: %w", err)
	}
	defer acceptor.Close()

	registry := control.NewRegistry()
	debugProbes := control.NewDebugProbes()
	control.RegisterPlatformProbes(debugProbes)

	srvCfg := server.Config{
		Workers:         cfg.Workers,
		QueueCapacity:   cfg.QueueCapacity,
		CancelGrace:     cfg.CancelGrace,
		ShutdownGrace:   cfg.ShutdownGrace,
		PoolCapacity:    int(cfg.PoolCapacity),
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
	}
	if srvCfg.Workers <= 0 {
		srvCfg.Workers = runtime.NumCPU()
	}

	srv := server.New(srvCfg, acceptor, echoHandler{})
	srv.SetMetrics(registry)

	debugProbes.RegisterProbe("queue.depth", func() any { return srv.QueueDepth() })
	debugProbes.RegisterProbe("queue.capacity", func() any { return srv.QueueCapacity() })
	debugProbes.RegisterProbe("pool.stats", func() any { return srv.Pool().Stats() })
	debugProbes.RegisterProbe("degraded.count", func() any { return srv.DegradedCount() })

	logger.Info("lapcd configured",
		zap.String("home", cfg.Home),
		zap.String("slot_prefix", slotPrefix),
		zap.Int("workers", srvCfg.Workers),
		zap.String("ring_size", cfg.RingSize.String()),
	)

	if cfg.DryRun {
		logger.Info("dry run requested: exiting without serving")
		return exitSuccess, nil
	}

	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 {
		metricsSrv = newMetricsServer(cfg.MetricsPort, registry, srv, debugProbes, cfg.Debug, cfg)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go acceptor.Run(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP received, reloading configuration")
				control.TriggerHotReload()
				continue
			}
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			srv.Shutdown()
			cancel()
			<-serveErr
			stopMetricsServer(metricsSrv)
			return exitSuccess, nil

		case err := <-serveErr:
			cancel()
			stopMetricsServer(metricsSrv)
			if err != nil {
				return exitWorkerCrash, fmt.Errorf("server loop exited: %w", err)
			}
			return exitSuccess, nil
		}
	}
}

func stopMetricsServer(s *http.Server) {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Shutdown(shutdownCtx)
}
