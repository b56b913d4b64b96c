// Package cmd defines and implements the CLI commands for the collectord
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/app"
	"github.com/JakeFAU/collectord/internal/config"
	"github.com/JakeFAU/collectord/internal/logging"
	"github.com/JakeFAU/collectord/internal/pipeline"
	"github.com/JakeFAU/collectord/internal/status"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context, collectorID string) (pipeline.Report, error)
	Store() *status.Store
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// appHolder carries the application from PersistentPreRunE back to
// execute, which closes it whether or not the command failed.
type appHolder struct {
	app App
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "collectord",
		Short: "Collects, structures and tracks documents from public sources.",
		Long: `collectord periodically downloads documents from configured sources,
structures them and records the health of every collector run.`,
		SilenceUsage: true,

		// Builds and injects the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			holder, ok := cmd.Context().Value(appKey).(*appHolder)
			if !ok {
				return errors.New("command context carries no application holder")
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			holder.app, err = newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(), newRunCmd(), newStatusCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	holder, ok := ctx.Value(appKey).(*appHolder)
	if !ok || holder.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return holder.app, nil
}

func (h *appHolder) close(ctx context.Context) {
	if h.app == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := h.app.Close(closeCtx); err != nil {
		zap.L().Warn("application close failed", zap.Error(err))
	}
	h.app = nil
}

// execute runs the CLI with args and closes the application afterwards.
func execute(ctx context.Context, args []string, out io.Writer) error {
	holder := &appHolder{}
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(context.WithValue(ctx, appKey, holder))
	holder.close(ctx)
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}
