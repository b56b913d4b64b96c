package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/collectord/internal/collector"
)

// errRunFailed makes the process exit non-zero when a run ends in error.
var errRunFailed = errors.New("run finished with status error")

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <collector>",
		Short: "Runs one collector once and prints its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := appInstance.RunOnce(ctx, args[0])
			if report.RunID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return fmt.Errorf("write report: %w", encErr)
				}
			}
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if report.Status == collector.StatusError {
				return fmt.Errorf("%w: %s", errRunFailed, report.Message)
			}
			return nil
		},
	}
}
