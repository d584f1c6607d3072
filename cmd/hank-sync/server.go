package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hmaj79-hank/hank-sync/internal/audit"
	"github.com/hmaj79-hank/hank-sync/internal/logging"
	"github.com/hmaj79-hank/hank-sync/internal/metrics"
	"github.com/hmaj79-hank/hank-sync/internal/server"
	"github.com/hmaj79-hank/hank-sync/internal/storage/local"
	"github.com/hmaj79-hank/hank-sync/internal/trust"
)

func cmdServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	g := addGlobals(fs)
	root := fs.String("root", "", "Root directory for received files")
	bind := fs.String("bind", "", "UDP address to listen on (default 0.0.0.0:4433)")
	auditLog := fs.String("audit-log", "", "Audit log file (default <root>/audit.jsonl)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	idle := fs.Duration("idle-timeout", 0, "Abort uploads that send nothing for this long (default 60s)")
	parseArgs(fs, args)

	cfg := setup(g, "json")
	defer logging.Sync()

	if *root != "" {
		cfg.Server.Root = *root
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *auditLog != "" {
		cfg.Server.AuditLog = *auditLog
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *idle != 0 {
		cfg.Server.IdleTimeout = *idle
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := local.New(local.Config{
		RootPath:   cfg.Server.Root,
		CreateDirs: true,
		Protected:  []string{cfg.AuditLogPath()},
	})
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	al, err := audit.Open(cfg.AuditLogPath(), audit.DefaultCapacity)
	if err != nil {
		logging.Fatal("audit log open failed", zap.Error(err))
	}

	der, key, err := trust.BootstrapIdentity()
	if err != nil {
		logging.Fatal("identity bootstrap failed", zap.Error(err))
	}
	tc, err := trust.ServerConfig(der, key)
	if err != nil {
		logging.Fatal("transport config failed", zap.Error(err))
	}
	ln, err := server.Listen(cfg.Server.Bind, tc)
	if err != nil {
		logging.Fatal("bind failed", zap.Error(err))
	}

	fingerprint := trust.Fingerprint(der)
	logging.Info("hank-sync server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root", store.Root()),
		zap.String("audit_log", al.Path()),
		zap.Duration("idle_timeout", cfg.Server.IdleTimeout),
		zap.String("fingerprint", fingerprint))
	fmt.Fprintf(os.Stderr, "certificate fingerprint: %s\n", fingerprint)
	al.Record(audit.NewEntry(audit.EventServerStart).
		WithPath(store.Root()).
		WithMessage("listening on " + ln.Addr().String()))

	srv := server.New(server.Config{
		Storage:     store,
		Audit:       al,
		IdleTimeout: cfg.Server.IdleTimeout,
	})

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(egCtx, ln)
	})

	if cfg.Server.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = eg.Wait()
	logging.Info("shutting down...")

	stopEntry := audit.NewEntry(audit.EventServerStop)
	if err != nil {
		stopEntry = stopEntry.Failed(err)
	}
	al.Record(stopEntry)
	if cerr := al.Close(); cerr != nil {
		logging.Error("audit log close failed", zap.Error(cerr))
	}

	if err != nil {
		logging.Error("server stopped with error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}
