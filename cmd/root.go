package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dhtlab",
	Short: "A comparative laboratory for Chord and Pastry overlays",
	Long: `dhtlab builds Chord and Pastry overlay networks over a shared
per-peer ordered index and measures the routing-hop cost of lookups,
updates and churn.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
