package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/repository"
	"github.com/icunnyngham/sherpa/internal/retry"
	"github.com/icunnyngham/sherpa/internal/service"
)

var (
	demoTrial      int64
	demoIterations int
	demoInterval   time.Duration
)

var workerDemoCmd = &cobra.Command{
	Use:   "worker-demo",
	Short: "Run a synthetic trial as a worker",
	Long: `Resolves the assigned trial (--trial or SHERPA_TRIAL_ID), then reports a
synthetic learning curve until the iterations run out or the controller asks
the trial to stop.

The database address comes from SHERPA_DB_HOST and SHERPA_DB_PORT
(default localhost:27010). With backend: sqlite the controller's SQLite file
is used instead.`,
	Args: cobra.NoArgs,
	RunE: runWorkerDemo,
}

func init() {
	workerDemoCmd.Flags().Int64Var(&demoTrial, "trial", 0, "trial id (default $SHERPA_TRIAL_ID)")
	workerDemoCmd.Flags().IntVar(&demoIterations, "iterations", 10, "iterations to report")
	workerDemoCmd.Flags().DurationVar(&demoInterval, "interval", time.Second, "time between reports")
}

func runWorkerDemo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer worker.Close()

	trial, err := worker.GetAssignedTrial(ctx, domain.TrialID(demoTrial))
	if err != nil {
		return err
	}
	log := logger.With(zap.Int64("trial_id", int64(trial.ID)))
	log.Info("running trial", zap.Any("parameters", trial.Parameters))

	start := time.Now()
	for it := 1; it <= demoIterations; it++ {
		objective := demoObjective(trial.Parameters, it)
		outcome, err := worker.SendMetrics(ctx, trial, it, objective, map[string]any{
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			return err
		}
		log.Debug("reported", zap.Int("iteration", it), zap.Float64("objective", objective))
		if outcome.Cancelled() {
			log.Info("trial stopped by controller", zap.Int("iteration", it))
			return nil
		}

		if it < demoIterations {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(demoInterval):
			}
		}
	}

	log.Info("trial finished", zap.String("state", string(worker.Complete())))
	return nil
}

func connectWorker(ctx context.Context) (*service.Worker, error) {
	if cfg.Controller.Backend != config.BackendSQLite {
		return service.ConnectWorker(ctx, cfg.Worker, nil, logger)
	}

	store, err := repository.NewSQLiteStore(cfg.Controller.SQLiteDSN())
	if err != nil {
		return nil, err
	}
	return service.NewWorker(store, service.WorkerOptions{
		Retry: retry.Policy{Attempts: cfg.Worker.RetryAttempts, Backoff: cfg.Worker.RetryBackoff},
	}, logger), nil
}

// demoObjective is a saturating learning curve scaled by the trial's numeric
// parameters.
func demoObjective(p domain.Parameters, iteration int) float64 {
	scale := 1.0
	for _, k := range p.Keys() {
		switch v := p[k].(type) {
		case int64:
			scale += float64(v) / 100
		case float64:
			scale += v
		}
	}
	return scale * (1 - math.Exp(-float64(iteration)/3))
}
