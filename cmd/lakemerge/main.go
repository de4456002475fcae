// Command lakemerge loads a scan configuration and runs the merge-on-read scan.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/config"
	"github.com/sandboxws/isotope/lakemerge/pkg/engine"
	"github.com/sandboxws/isotope/lakemerge/pkg/logging"
	"github.com/sandboxws/isotope/lakemerge/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "lakemerge.yaml", "path to the configuration file")
	validateOnly := flag.Bool("validate", false, "validate the scan plan and exit")
	flag.Parse()

	if err := run(*configPath, *validateOnly); err != nil {
		slog.Error("lakemerge failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, validateOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	plan := &cfg.Scan
	if err := engine.ValidatePlan(plan); err != nil {
		return err
	}
	slog.Info("loaded scan plan",
		"scan", plan.Name,
		"partitions", len(plan.Partitions),
		"primary_keys", plan.PrimaryKeys,
		"sink", plan.Sink.Kind,
	)
	if validateOnly {
		return nil
	}

	if cfg.Metrics.Enabled {
		srv := metrics.ServeMetrics(cfg.Metrics.Addr)
		defer srv.Close()
		slog.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	eng := engine.NewEngine(plan, memory.DefaultAllocator)
	return engine.RunWithGracefulShutdown(context.Background(), eng, cfg.ShutdownTimeout)
}
