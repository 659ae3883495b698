// cmd/remote/main.go
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

	"mkutano/internal/config"
	"mkutano/internal/remote"
	"mkutano/internal/telemetry"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("remote: exiting", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceName += "-remote"
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	db, err := config.SetupDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := remote.CreateTables(ctx, db); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	handler := remote.NewHandler(remote.NewPostgresStore(db), log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.RemotePort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("remote: ledger service listening", "port", cfg.Server.RemotePort)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
