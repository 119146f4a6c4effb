package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display the effective configuration.

Configuration is stored at ~/.config/relay/config.yaml
Project-specific overrides can be placed in .relay.yaml
Routing policy lives in a separate hot-reloadable file; see
'relay config init-policy'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Printf("database.path: %s\n", cfg.Database.Path)
		fmt.Printf("policy.path: %s\n", cfg.Policy.Path)
		fmt.Printf("queue.visibility_timeout: %s\n", cfg.Queue.VisibilityTimeout)
		fmt.Printf("queue.dequeue_timeout: %s\n", cfg.Queue.DequeueTimeout)
		fmt.Printf("queue.redelivery_interval: %s\n", cfg.Queue.RedeliveryInterval)
		fmt.Printf("coordinator.poll_interval: %s\n", cfg.Coordinator.PollInterval)
		fmt.Printf("coordinator.reconcile_on_start: %t\n", cfg.Coordinator.ReconcileOnStart)
		fmt.Printf("coordinator.debug_log: %s\n", cfg.Coordinator.DebugLog)

		snapshot, err := config.LoadPolicy(cfg.Policy.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "policy: %v\n", err)
			return nil
		}
		fmt.Printf("\npolicy defaults (version %d):\n", snapshot.Version)
		fmt.Printf("  max_attempts: %d\n", snapshot.Defaults.MaxAttempts)
		fmt.Printf("  attempt_timeout: %s\n", snapshot.Defaults.AttemptTimeout)
		fmt.Printf("  backoff: %s x%.1f max %s\n",
			snapshot.Defaults.BackoffBase, snapshot.Defaults.BackoffMultiplier, snapshot.Defaults.BackoffMax)
		fmt.Printf("  breaker: %d failures, open for %s\n",
			snapshot.Defaults.BreakerThreshold, snapshot.Defaults.BreakerOpenFor)
		fmt.Printf("  learning: enabled=%t interval=%s retrain_every=%d alpha=%.2f window=%s\n",
			snapshot.Learning.Enabled, snapshot.Learning.Interval,
			snapshot.Learning.RetrainEvery, snapshot.Learning.Alpha, snapshot.Learning.Window)
		return nil
	},
}

var configInitPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Write the default policy file",
	Long: `Write the built-in routing policy to the configured policy path as a
starting point for editing. The running router reloads the file on
every save.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.WriteDefaultPolicy(cfg.Policy.Path); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", color.GreenString("✓"), cfg.Policy.Path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitPolicyCmd)
}
