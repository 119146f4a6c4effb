package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Task router for heterogeneous agents",
	Long: `Relay routes tasks to the agents most likely to complete them well.

Agents register with the kinds of work they can do. Each submitted task is
scored against the eligible agents using their recent success rate, cost,
latency, and current load; failures retry with exponential backoff, and
agents that fail repeatedly are circuit-broken until they recover. Routing
weights retrain continuously from recorded outcomes.

Start the router with 'relay run', then submit work with 'relay submit'
from any shell sharing the same database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
