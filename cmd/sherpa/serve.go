package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icunnyngham/sherpa/internal/config"
	"github.com/icunnyngham/sherpa/internal/hub"
	"github.com/icunnyngham/sherpa/internal/repository"
	"github.com/icunnyngham/sherpa/internal/retry"
	"github.com/icunnyngham/sherpa/internal/service"
	"github.com/icunnyngham/sherpa/internal/supervisor"
	transporthttp "github.com/icunnyngham/sherpa/internal/transport/http"
)

var serveResume bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the study controller",
	Long: `Starts the database (mongod, or an embedded SQLite file with backend: sqlite),
then serves the controller API and the result stream until interrupted.

With --resume, results already in the database are marked as seen and are not
delivered again.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveResume, "resume", false, "continue an existing study")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cfg.Controller
	if serveResume {
		c.Resume = true
	}

	logger.Info("starting controller",
		zap.String("backend", c.Backend),
		zap.String("data_dir", c.DataDir),
		zap.Int("http_port", c.HTTPPort))

	if c.Backend == config.BackendSQLite {
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := repository.NewSQLiteStore(c.SQLiteDSN())
		if err != nil {
			return err
		}
		defer store.Close()
		return serveController(ctx, store, supervisor.Embedded{}, c)
	}

	opts := supervisor.Options{
		Binary:          c.MongodPath,
		DataDir:         c.DataDir,
		Port:            c.Port,
		StartupGrace:    c.StartupGrace,
		ShutdownTimeout: c.ShutdownTimeout,
	}
	return supervisor.With(ctx, opts, logger, func(s *supervisor.Supervisor) error {
		store, err := dialSupervised(ctx, s, c)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		return serveController(ctx, store, s, c)
	})
}

// dialSupervised connects to the freshly started mongod, which may need a
// moment before it accepts connections.
func dialSupervised(ctx context.Context, s *supervisor.Supervisor, c config.Controller) (*repository.MongoStore, error) {
	uri := repository.MongoURI("localhost", s.Port())
	store, err := retry.Do(ctx, retry.Policy{Attempts: 20, Backoff: 500 * time.Millisecond},
		func(ctx context.Context, attempt int) (*repository.MongoStore, bool, error) {
			if err := s.CheckLiveness(); err != nil {
				return nil, false, err
			}
			dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			store, err := repository.NewMongoStore(dialCtx, uri, c.Database)
			if err != nil {
				logger.Debug("database not accepting connections yet", zap.Int("attempt", attempt), zap.Error(err))
				return nil, false, nil
			}
			return store, true, nil
		})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("database at %s never accepted connections", uri)
	}
	return store, err
}

func serveController(ctx context.Context, store repository.Store, live service.Liveness, c config.Controller) error {
	ctrl, err := service.NewController(ctx, store, live, service.ControllerOptions{Resume: c.Resume}, logger)
	if err != nil {
		return err
	}

	h := hub.New(logger)
	go h.Run()
	defer h.Stop()

	e := transporthttp.NewServer(ctrl, h, c, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", c.HTTPPort)
		logger.Info("controller API listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		return nil
	})
	if c.FeedInterval > 0 {
		g.Go(func() error {
			return ctrl.RunResultFeed(gctx, c.FeedInterval, h)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down controller")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown API server gracefully", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
