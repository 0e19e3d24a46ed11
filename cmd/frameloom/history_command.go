package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(cmdCtx *commandContext) *cobra.Command {
	var segmentIndex int

	cmd := &cobra.Command{
		Use:   "history <unit-id>",
		Short: "Show archived segment results, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			entries, err := cmdCtx.store.ListArchiveEntries(cmd.Context(), args[0], segmentIndex)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no archive entries")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					strconv.FormatInt(entry.ID, 10),
					strconv.Itoa(entry.SegmentIndex),
					string(entry.ResultStatus),
					entry.ArtifactRef,
					entry.Reason,
					entry.ArchivedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "SEG", "STATUS", "ARTIFACT", "REASON", "ARCHIVED"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&segmentIndex, "segment", -1, "Only show entries for this segment index")
	return cmd
}

func newLocksCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "Show live per-unit locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			infos, err := cmdCtx.locks.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no live locks")
				return nil
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, []string{
					info.UnitID,
					info.Operation,
					info.HolderID,
					info.ExpiresAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"UNIT", "OPERATION", "HOLDER", "EXPIRES"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
