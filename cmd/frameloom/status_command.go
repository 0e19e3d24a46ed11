package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"frameloom/internal/production"
)

func newStatusCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize units by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			stats, err := cmdCtx.store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			total := 0
			rows := make([][]string, 0, len(stats))
			for _, status := range production.AllStatuses() {
				count := stats[status]
				if count == 0 {
					continue
				}
				total += count
				rows = append(rows, []string{string(status), strconv.Itoa(count)})
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no units")
				return nil
			}
			rows = append(rows, []string{"total", strconv.Itoa(total)})

			depth, err := cmdCtx.store.OutboxDepth(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"STATUS", "UNITS"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			fmt.Fprintf(out, "mirror outbox: %d pending\n", depth)
			return nil
		},
	}
}
