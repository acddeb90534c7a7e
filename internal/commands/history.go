package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/runlog"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [directory]",
		Short: "List past reconciliation runs recorded with run --history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			entries, err := runlog.Read(dir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tINTERNAL\tPROVIDER\tMATCHED\tINTERNAL ONLY\tPROVIDER ONLY\tAMOUNT MISMATCHES\tSTATUS MISMATCHES")
			for _, e := range entries {
				s := e.Summary
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\n",
					e.Timestamp.Format(time.DateTime), e.InternalFile, e.ProviderFile,
					s.Matched, s.TotalInternal, s.InternalOnly, s.ProviderOnly,
					s.AmountMismatches, s.StatusMismatches)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "show only the most recent runs; 0 shows all")

	return cmd
}
