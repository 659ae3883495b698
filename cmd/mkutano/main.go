// cmd/mkutano/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"mkutano/internal/api"
	"mkutano/internal/buffer"
	"mkutano/internal/config"
	"mkutano/internal/connectivity"
	"mkutano/internal/offline"
	"mkutano/internal/remote"
	"mkutano/internal/status"
	"mkutano/internal/syncengine"
	"mkutano/internal/telemetry"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("mkutano: exiting", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	shareValue, err := decimal.NewFromString(cfg.Sync.ShareValue)
	if err != nil {
		return fmt.Errorf("invalid SHARE_VALUE %q: %w", cfg.Sync.ShareValue, err)
	}

	storage, err := buffer.NewFileStorage(cfg.Buffer.Path)
	if err != nil {
		return err
	}
	buf, err := buffer.Open(ctx, storage,
		buffer.WithNamespace(cfg.Buffer.Namespace),
		buffer.WithMaxAttempts(cfg.Buffer.MaxAttempts),
		buffer.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to open offline buffer: %w", err)
	}
	defer buf.Close()

	var (
		svc     remote.Service
		monitor *connectivity.Monitor
		prober  *connectivity.Prober
	)
	if cfg.Remote.URL == "" {
		log.Warn("mkutano: REMOTE_URL not set, using in-memory ledger store")
		svc = remote.NewMemoryStore()
		monitor = connectivity.NewMonitor(true, log)
	} else {
		svc = remote.NewClient(cfg.Remote.URL,
			remote.BreakerSettings{
				MaxFailures: uint32(cfg.Remote.BreakerFailures),
				OpenTimeout: cfg.Remote.BreakerTimeout,
			},
			remote.WithBearerToken(cfg.Remote.Token),
			remote.WithClientLogger(log),
		)
		monitor = connectivity.NewMonitor(false, log)
		probe := connectivity.HTTPProbe(&http.Client{Timeout: cfg.Remote.Timeout}, cfg.Remote.URL+cfg.Remote.HealthPath)
		prober = connectivity.NewProber(monitor, probe, cfg.Remote.ProbeInterval, cfg.Remote.Timeout, log)
		prober.Start(ctx)
		defer prober.Stop()
	}

	engine := syncengine.New(buf, svc, monitor,
		syncengine.WithItemTimeout(cfg.Sync.ItemTimeout),
		syncengine.WithLogger(log),
	)
	auto := syncengine.NewAutoSync(engine, buf, monitor, syncengine.AutoSyncConfig{
		Interval:  cfg.Sync.Interval,
		MinGap:    cfg.Sync.MinGap,
		Retention: cfg.Buffer.Retention,
	}, log)
	auto.Start(ctx)
	defer auto.Stop()

	reporter := status.NewReporter(buf, monitor, engine)
	go reporter.Watch(ctx, "", cfg.Sync.StatsInterval, func(s status.Snapshot) {
		log.Info("mkutano: sync status", "pending", s.Pending, "synced", s.Synced, "failed", s.Failed,
			"needs_attention", s.NeedsAttention, "online", s.Online)
	})

	handler := api.NewHandler(api.Deps{
		Offline: offline.NewService(buf, svc, monitor, offline.Config{
			ShareValue:    shareValue,
			RemoteTimeout: cfg.Remote.Timeout,
		}, log),
		Syncer:    engine,
		Reporter:  reporter,
		Buffer:    buf,
		Online:    monitor,
		Trigger:   auto.Trigger,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Logger:    log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mkutano: capture API listening", "port", cfg.Server.Port, "remote", cfg.Remote.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("mkutano: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
