package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/runstat"
	"github.com/loykin/runstat/internal/logger"
	itls "github.com/loykin/runstat/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runstat daemon",
		Long: `Run the daemon: watch the container runtime, keep service status current
and serve the HTTP API (and /metrics when enabled).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags.ConfigPath)
		},
	}
}

// runServe blocks until ctx is done or a component fails.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := runstat.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	mgr, err := runstat.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		if err := runstat.RegisterMetricsDefault(mgr); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
	}
	srv := runstat.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, mgr, cfg.Metrics.Enabled)
	tlsCfg, err := itls.Setup(cfg.Server.TLS)
	if err != nil {
		return err
	}
	srv.TLSConfig = tlsCfg

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		slog.Info("Starting runstat HTTP server", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil, "services", len(mgr.Services()))
		var err error
		if tlsCfg != nil {
			// certificates come from TLSConfig.GetCertificate
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	err = g.Wait()
	slog.Info("Shut down", "error", err)
	return err
}
