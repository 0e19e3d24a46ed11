package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	cmdCtx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "frameloom",
		Short:         "Frameloom image-to-video pipeline CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := cmdCtx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newCreateCommand(cmdCtx))
	rootCmd.AddCommand(newStatusCommand(cmdCtx))
	rootCmd.AddCommand(newListCommand(cmdCtx))
	rootCmd.AddCommand(newShowCommand(cmdCtx))
	rootCmd.AddCommand(newScriptCommand(cmdCtx))
	rootCmd.AddCommand(newSegmentCommand(cmdCtx))
	rootCmd.AddCommand(newAssembleCommand(cmdCtx))
	rootCmd.AddCommand(newRedoCommand(cmdCtx))
	rootCmd.AddCommand(newRetryCommand(cmdCtx))
	rootCmd.AddCommand(newSyncCommand(cmdCtx))
	rootCmd.AddCommand(newHistoryCommand(cmdCtx))
	rootCmd.AddCommand(newLocksCommand(cmdCtx))
	rootCmd.AddCommand(newConfigCommand(cmdCtx))

	return rootCmd
}

// shouldSkipConfig reports whether a command can run without loading the
// config file (config init must work on a fresh machine).
func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}
