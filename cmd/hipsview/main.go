// Package main is the entry point for the hipsview engine.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "hipsview",
		Short:         "Stream HiPS tiles for a moving camera",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCommand(), newCellsCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
