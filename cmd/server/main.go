/*
main.go - Application entry point

PURPOSE:
  The creditguard binary. Runs the HTTP API with the background
  reconciliation scheduler, or performs one-shot operations against the
  configured store.

COMMANDS:
  serve       HTTP server + scheduler, graceful shutdown on SIGINT/SIGTERM
  reconcile   One reconciliation sweep of a business, prints the report
  audit       Prints a customer's audit trail

GLOBAL FLAGS:
  --config    YAML configuration file (optional)
  --verbose   Debug logging

CONFIGURATION:
  See config/config.go. Every setting can be overridden with a
  CREDITGUARD_* environment variable or a .env file.

EXAMPLES:
  creditguard serve --config ./creditguard.yaml
  CREDITGUARD_DATABASE_DRIVER=memory creditguard serve
  creditguard reconcile --business biz-1 --auto-fix
  creditguard audit --customer cus-1 --action BLOCK --action OVERRIDE

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the scheduler (cancels a sweep in progress)
  4. Close the store and the Redis client

SEE ALSO:
  - wiring.go: store / locker construction
  - api/server.go: Router configuration
*/
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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/creditguard/api"
	"github.com/warp/creditguard/config"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// load reads the configuration and builds the logger.
func (o *RootOptions) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, config.NewLogger(cfg.Log), nil
}

// NewRootCommand creates the creditguard root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "creditguard",
		Short: "Customer credit guard",
		Long:  "Keeps every customer's credit outstanding consistent, bounded and reconciled with the bill ledger.",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API and the reconciliation scheduler",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.engine, a.store, logger)
	router := api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins})

	scheduler := api.NewReconciliationScheduler(a.engine, a.locker, cfg.Reconciliation.Businesses, logger)
	scheduler.Enabled = cfg.Reconciliation.Enabled
	scheduler.CheckInterval = cfg.Reconciliation.Interval
	scheduler.AutoFix = cfg.Reconciliation.AutoFix
	scheduler.LockTTL = cfg.Redis.LockTTL
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   cfg.Server.Addr,
			"driver": cfg.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
