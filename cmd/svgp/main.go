// Command svgp fits a sparse variational Gaussian process to tabular data
// and writes its predictions.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "svgp",
	Short:         "Sparse variational Gaussian process regression and classification",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
