package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"frameloom/internal/production"
)

func newCreateCommand(cmdCtx *commandContext) *cobra.Command {
	var externalRef string
	var segments int

	cmd := &cobra.Command{
		Use:   "create <opening-image-ref>",
		Short: "Register a new production unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			unit, err := cmdCtx.orchestrator.CreateUnit(cmd.Context(), args[0], externalRef, segments)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created unit %s (%d segments)\n", unit.ID, unit.TotalSegments)
			return nil
		},
	}
	cmd.Flags().StringVar(&externalRef, "external-ref", "", "External reference for mirror mapping")
	cmd.Flags().IntVar(&segments, "segments", 0, "Segment count (defaults to config)")
	return cmd
}

func newListCommand(cmdCtx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List production units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			var statuses []production.Status
			if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
				status, ok := production.ParseStatus(trimmed)
				if !ok {
					return fmt.Errorf("unknown status %q", trimmed)
				}
				statuses = append(statuses, status)
			}
			units, err := cmdCtx.store.ListUnits(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no units")
				return nil
			}

			rows := make([][]string, 0, len(units))
			for _, unit := range units {
				rows = append(rows, []string{
					unit.ID,
					string(unit.Status),
					fmt.Sprintf("%d/%d", unit.CompletedSegments(), unit.TotalSegments),
					unit.ExternalRef,
					unit.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "STATUS", "SEGMENTS", "EXTERNAL REF", "UPDATED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show units in this status")
	return cmd
}

func newShowCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show one unit with its segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdCtx.ensureServices(); err != nil {
				return err
			}
			unit, err := cmdCtx.store.GetUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if unit == nil {
				return fmt.Errorf("unit %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Unit:        %s\n", unit.ID)
			fmt.Fprintf(out, "Status:      %s\n", unit.Status)
			fmt.Fprintf(out, "Image:       %s\n", unit.OpeningImageRef)
			if unit.ExternalRef != "" {
				fmt.Fprintf(out, "External:    %s\n", unit.ExternalRef)
			}
			if unit.CurrentSegment >= 0 {
				fmt.Fprintf(out, "In flight:   segment %d\n", unit.CurrentSegment)
			}
			if unit.FinalArtifactRef != "" {
				fmt.Fprintf(out, "Final:       %s\n", unit.FinalArtifactRef)
			}
			if unit.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:       %s\n", unit.ErrorMessage)
			}

			rows := make([][]string, 0, unit.TotalSegments)
			for idx := 0; idx < unit.TotalSegments; idx++ {
				status := string(production.SegmentPending)
				artifact, errMsg := "", ""
				if res, ok := unit.ResultFor(idx); ok {
					status = string(res.Status)
					artifact = res.ArtifactRef
					errMsg = res.ErrorMessage
				}
				summary := ""
				if spec, ok := unit.SpecFor(idx); ok {
					summary = spec.Summary
				}
				rows = append(rows, []string{strconv.Itoa(idx), status, summary, artifact, errMsg})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "STATUS", "SUMMARY", "ARTIFACT", "ERROR"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
