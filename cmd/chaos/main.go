// cmd/chaos/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mkutano/internal/chaos"
	"mkutano/internal/config"
	"mkutano/internal/telemetry"
)

var errHypothesisFailed = errors.New("at least one hypothesis did not hold")

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("chaos: exiting", "error", err)
		os.Exit(1)
	}
	log.Info("chaos: all hypotheses held")
}

func run(log *slog.Logger) error {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceName += "-chaos"
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	drill, err := chaos.NewDrill(ctx, chaos.DrillConfig{
		Writes:      cfg.Chaos.Writes,
		ItemTimeout: cfg.Chaos.ItemTimeout,
		Seed:        uint64(cfg.Chaos.Seed),
		Observe:     cfg.Chaos.Observe,
	}, log)
	if err != nil {
		return fmt.Errorf("drill setup: %w", err)
	}

	engine := chaos.NewEngine(cfg.Chaos.SampleEvery, log)
	for _, exp := range chaos.Experiments(drill) {
		engine.RegisterExperiment(exp)
	}

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Sync Resilience Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     cfg.Chaos.Pause,
	})
	if err != nil {
		return fmt.Errorf("game day interrupted: %w", err)
	}
	if !held {
		return errHypothesisFailed
	}
	return nil
}
