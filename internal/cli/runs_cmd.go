package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent batch runs from the metastore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			if runID != "" {
				tableRuns, err := a.history.ListTableRuns(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TABLE\tSTATUS\tATTEMPTS\tEXTRACTED\tREJECTED\tLOADED\tWATERMARK\tERROR")
				for _, tr := range tableRuns {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
						tr.Dest, tr.Status, tr.Attempts,
						tr.RowsExtracted, tr.RowsRejected, tr.RowsLoaded,
						tr.Watermark, tr.Error)
				}
				return nil
			}

			runs, err := a.history.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tSTATUS\tOK\tFAILED\tSKIPPED\tSTARTED\tELAPSED")
			for _, r := range runs {
				elapsed := ""
				if r.FinishedAt != nil {
					elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					r.ID, r.Status, r.Succeeded, r.Failed, r.Skipped,
					r.StartedAt.Format(time.RFC3339), elapsed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&runID, "id", "", "Show per-table detail for one run")
	return cmd
}
