package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cleared-dev/tally/internal/logging"
	"github.com/cleared-dev/tally/internal/reconcile"
	"github.com/cleared-dev/tally/internal/session"
	"github.com/cleared-dev/tally/internal/web"
)

func newServeCommand() *cobra.Command {
	var addr string
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reconciliation web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr, envFile)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")

	return cmd
}

func runServe(cmd *cobra.Command, addr, envFile string) error {
	// Variables already set in the environment win over the file.
	envErr := godotenv.Load(envFile)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if envErr == nil {
		logger.Info("loaded environment file", "path", envFile)
	} else if !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("could not read environment file", "path", envFile, "error", envErr)
	}

	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	importOpts, err := cfg.ImportOptions()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	store := session.NewStore(cfg.Server.SessionTTL, importOpts, logger)
	srv := web.NewServer(store, reconcile.New(engineOpts), web.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ReadTimeout:    cfg.Server.ReadTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		store.Run(gctx, sweepInterval(cfg.Server.SessionTTL))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

// sweepInterval is ttl capped at one minute. Zero disables sweeping.
func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return 0
	case ttl < time.Minute:
		return ttl
	}
	return time.Minute
}
