package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conduit/core/version"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "conduit %s (receipt schema %s)\n", version.Version, version.ReceiptVersion)
			return nil
		},
	}
}
