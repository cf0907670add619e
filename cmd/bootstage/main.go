package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewline/bootstage/internal/background"
	"github.com/crewline/bootstage/internal/config"
	"github.com/crewline/bootstage/internal/diag"
	"github.com/crewline/bootstage/internal/engine"
	"github.com/crewline/bootstage/internal/logging"
	"github.com/crewline/bootstage/internal/store"
	"github.com/crewline/bootstage/internal/strategy"
	"github.com/crewline/bootstage/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bootstage:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a JSON configuration file")
		dbPath     = flag.String("db", "bootstage.db", "path to the timing history database")
		query      = flag.String("query", "", "jq query to run against the diagnostic document after the run")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	handler := logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	orch, err := engine.New(engine.Options{
		Config:  cfg,
		Archive: st,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	registerDemoStages(orch, logger)

	// Stream progress to the terminal while the run executes. The tracker
	// publishes a final snapshot with Done set, which ends the loop.
	done := make(chan struct{})
	if cfg.EnableProgressTracking {
		progressCh, cancelProgress := orch.SubscribeProgress()
		defer cancelProgress()
		go func() {
			defer close(done)
			for snap := range progressCh {
				fmt.Printf("\r[%5.1f%%] %-60s", snap.Percent, progressLine(snap))
				if snap.Done {
					fmt.Println()
					return
				}
			}
		}()
	} else {
		close(done)
	}

	summary, runErr := orch.Initialize(ctx, runtimeConditions())
	<-done

	if summary != nil {
		printSummary(summary)
	}

	if runErr == nil && cfg.EnableBackgroundInitialization {
		bg := background.NewRunner(orch, logger, 0, "")
		if err := bg.Start(ctx); err != nil {
			return err
		}
		defer bg.Stop()

		// Give the drain loop a moment so deferred stages show up in the
		// diagnostics below.
		time.Sleep(2 * time.Second)
	}

	if *query != "" {
		reporter := diag.NewReporter(orch)
		out, err := reporter.Query(ctx, *query)
		if err != nil {
			return err
		}
		fmt.Printf("query result: %v\n", out)
	}

	return runErr
}

// registerDemoStages installs simulated callbacks with realistic latencies.
func registerDemoStages(orch *engine.Orchestrator, logger *slog.Logger) {
	for _, d := range schema.AllStages() {
		d := d
		_ = orch.RegisterStage(d.ID, func(ctx context.Context, rc *engine.RunContext) error {
			base := d.EstimatedDuration
			if base <= 0 {
				base = 50 * time.Millisecond
			}
			jittered := time.Duration(float64(base) * (0.6 + 0.8*rand.Float64()))

			rc.Checkpoint(d.ID, "working")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}

			logger.DebugContext(ctx, "stage simulated",
				slog.String("stage", string(d.ID)),
				slog.Duration("took", jittered))
			return nil
		})
	}
}

// runtimeConditions probes the environment the adaptive selector evaluates.
// The demo reads overrides from env vars instead of platform APIs.
func runtimeConditions() strategy.RuntimeContext {
	var rc strategy.RuntimeContext
	rc.ColdStart = true
	rc.ForcedRefresh = os.Getenv("BOOTSTAGE_FORCED_REFRESH") == "1"
	rc.LowMemory = os.Getenv("BOOTSTAGE_LOW_MEMORY") == "1"
	rc.NetworkQuality = os.Getenv("BOOTSTAGE_NETWORK")
	if rc.NetworkQuality == "" {
		rc.NetworkQuality = "good"
	}
	return rc
}

func progressLine(snap schema.InitializationProgress) string {
	if snap.Done {
		if snap.HasCriticalFailures {
			return "failed: " + snap.Message
		}
		return "done"
	}
	line := string(snap.CurrentStage)
	if snap.CurrentDetail != "" {
		line += " (" + snap.CurrentDetail + ")"
	}
	return line
}

func printSummary(s *schema.ExecutionSummary) {
	fmt.Printf("run %s: %s via %s in %s\n", s.RunID, s.Status, s.Strategy, s.TotalDuration.Round(time.Millisecond))
	fmt.Printf("  completed=%d failed=%d skipped=%d deferred=%d success_rate=%.2f\n",
		s.Completed, s.Failed, s.Skipped, s.Deferred, s.SuccessRate)
	if s.Error != "" {
		fmt.Printf("  error: %s\n", s.Error)
	}
}
