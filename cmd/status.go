package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/status"
)

type statusView struct {
	CollectorID string           `json:"collector_id"`
	Status      collector.Status `json:"status"`
	Latest      *status.Event    `json:"latest,omitempty"`
	Summary     status.Summary   `json:"summary"`
}

func newStatusCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "status <collector>",
		Short: "Prints a collector's current status and daily summary as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := appInstance.Store()
			ctx := cmd.Context()
			id := args[0]

			day := store.DayStart(time.Now())
			if date != "" {
				if day, err = store.ParseDate(date); err != nil {
					return err
				}
			}

			view := statusView{CollectorID: id}
			if view.Status, err = store.CurrentStatus(ctx, id); err != nil {
				return fmt.Errorf("current status: %w", err)
			}
			latest, err := store.Latest(ctx, id)
			switch {
			case err == nil:
				view.Latest = &latest
			case !errors.Is(err, status.ErrNotFound):
				return fmt.Errorf("latest event: %w", err)
			}
			if view.Summary, err = store.DailySummary(ctx, id, day); err != nil {
				return fmt.Errorf("daily summary: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "summary day as YYYY-MM-DD (default today)")
	return cmd
}
