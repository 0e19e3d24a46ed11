package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"frameloom/internal/consistency"
	"frameloom/internal/pipeline"
)

func newScriptCommand(cmdCtx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "script <unit-id>...",
		Short: "Generate scripts for one or more units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			result := cmdCtx.orchestrator.GenerateScriptsBatch(cmd.Context(), args, concurrency)
			return reportBatch(cmd.OutOrStdout(), "script", result)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Cap on units processed in parallel (0 uses the configured default)")
	return cmd
}

func newSegmentCommand(cmdCtx *commandContext) *cobra.Command {
	var (
		index       int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "segment <unit-id>...",
		Short: "Generate the next ready segment for one or more units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			if index >= 0 && len(args) > 1 {
				return fmt.Errorf("--index targets a single unit")
			}
			if index >= 0 {
				if err := cmdCtx.orchestrator.GenerateSegment(cmd.Context(), args[0], index); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "segment %d generated for %s\n", index, args[0])
				return nil
			}
			result := cmdCtx.orchestrator.GenerateSegmentsBatch(cmd.Context(), args, concurrency)
			return reportBatch(cmd.OutOrStdout(), "segment", result)
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "Generate a specific segment index instead of the next ready one")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Cap on units processed in parallel (0 uses the configured default)")
	return cmd
}

func newAssembleCommand(cmdCtx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "assemble <unit-id>...",
		Short: "Assemble completed segments into the final artifact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			result := cmdCtx.orchestrator.AssembleBatch(cmd.Context(), args, concurrency)
			return reportBatch(cmd.OutOrStdout(), "assemble", result)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Cap on units processed in parallel (0 uses the configured default)")
	return cmd
}

func newRedoCommand(cmdCtx *commandContext) *cobra.Command {
	var resetScript bool

	cmd := &cobra.Command{
		Use:   "redo <unit-id> <segment-index>",
		Short: "Archive and invalidate a segment and everything after it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			var fromIndex int
			if _, err := fmt.Sscanf(args[1], "%d", &fromIndex); err != nil {
				return fmt.Errorf("invalid segment index %q", args[1])
			}
			result, err := cmdCtx.orchestrator.CascadeRedo(cmd.Context(), args[0], fromIndex, resetScript)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d results, cleared %d segments, unit is now %s\n",
				len(result.ArchivedEntries), len(result.ClearedIndices), result.NewStatus)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetScript, "reset-script", false, "Also blank the affected specs and regenerate the script")
	return cmd
}

func newRetryCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <unit-id>",
		Short: "Clear a terminal failure and rewind to the supported stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			if err := cmdCtx.orchestrator.RetryTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unit %s reset for retry\n", args[0])
			return nil
		},
	}
}

func newSyncCommand(cmdCtx *commandContext) *cobra.Command {
	var (
		drain       bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "sync <unit-id>...",
		Short: "Queue mirror pushes for one or more units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			result := cmdCtx.orchestrator.SyncMirrorBatch(cmd.Context(), args, concurrency)
			if err := reportBatch(cmd.OutOrStdout(), "sync", result); err != nil {
				return err
			}
			if !drain {
				return nil
			}
			client := cmdCtx.mirrorClient()
			if client == nil {
				return fmt.Errorf("mirror is disabled; cannot drain")
			}
			cfg := cmdCtx.config
			worker := consistency.NewWorker(
				cmdCtx.store,
				client,
				cfg.Mirror.MaxAttempts,
				time.Duration(cfg.Mirror.RetryBaseSeconds)*time.Second,
				time.Duration(cfg.Mirror.RetryMaxSeconds)*time.Second,
				nil,
			)
			pushed, err := worker.DrainDue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d mirror updates\n", pushed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "Push queued updates immediately instead of waiting for the daemon")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Cap on units processed in parallel (0 uses the configured default)")
	return cmd
}

func reportBatch(out io.Writer, operation string, result pipeline.BatchResult) error {
	for _, unitID := range result.Succeeded {
		fmt.Fprintf(out, "%s ok: %s\n", operation, unitID)
	}
	for _, failure := range result.Failed {
		fmt.Fprintf(out, "%s failed: %s (%s): %v\n", operation, failure.UnitID, failure.Kind, failure.Err)
	}
	if !result.OK() {
		return fmt.Errorf("%s: %d of %d units failed", operation, len(result.Failed), len(result.Failed)+len(result.Succeeded))
	}
	return nil
}
