package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the labsql command used to run the agent outside Lambda.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "labsql",
		Short:         "labsql: patient-scoped SQL generation agent",
		Long:          "labsql turns questions about a patient's lab results into a single read-only SQL statement.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
	)
	return root
}
