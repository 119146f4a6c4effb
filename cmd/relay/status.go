package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/state"
	"relay/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task state",
	Long: `Display task state from the shared database.

Without arguments, lists recent tasks. With a task ID, shows the task's
full history: every attempt, the agent it ran on, and the routing
decisions behind each dispatch.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := os.Stat(cfg.Database.Path); os.IsNotExist(err) {
		fmt.Println("No tasks yet. Start the router with 'relay run' and submit with 'relay submit'.")
		return nil
	}

	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if len(args) == 1 {
		return displayTask(db, args[0])
	}
	return displayRecentTasks(db)
}

func displayRecentTasks(db *state.DB) error {
	tasks, err := db.ListTasks(nil)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return nil
	}

	if len(tasks) > 20 {
		tasks = tasks[len(tasks)-20:]
	}
	for _, t := range tasks {
		fmt.Printf("  %s  %-10s %-12s attempts=%d  %s\n",
			t.ID, t.Kind, statusString(t.Status), t.Attempts, formatAge(t.CreatedAt))
	}
	return nil
}

func displayTask(db *state.DB, taskID string) error {
	task, err := db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	fmt.Printf("Task: %s\n", task.ID)
	fmt.Printf("  Kind:     %s\n", task.Kind)
	fmt.Printf("  Status:   %s\n", statusString(task.Status))
	fmt.Printf("  Created:  %s ago\n", formatAge(task.CreatedAt))
	if task.Deadline != nil {
		fmt.Printf("  Deadline: %s\n", task.Deadline.Format(time.RFC3339))
	}
	if task.CompletedAt != nil {
		fmt.Printf("  Finished: %s ago\n", formatAge(*task.CompletedAt))
	}
	if task.Error != "" {
		fmt.Printf("  Error:    %s\n", color.RedString(task.Error))
	}
	if len(task.Result) > 0 {
		fmt.Printf("  Result:   %s\n", task.Result)
	}

	runs, err := db.ListRuns(taskID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) > 0 {
		fmt.Println("\nAttempts:")
		for _, r := range runs {
			outcome := string(r.Outcome)
			if outcome == "" {
				outcome = "in flight"
			}
			fmt.Printf("  #%d agent=%s outcome=%s cost=%.2f latency=%s\n",
				r.Attempt, r.AgentID, outcome, r.Cost, r.Latency().Round(time.Millisecond))
			if r.Error != "" {
				fmt.Printf("     %s\n", r.Error)
			}
		}
	}

	decisions, err := db.ListDecisions(taskID)
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}
	if len(decisions) > 0 {
		fmt.Println("\nRouting decisions:")
		for _, d := range decisions {
			fmt.Printf("  #%d chose %s score=%.4f", d.Attempt, d.AgentID, d.Score)
			if len(d.Rejected) > 0 {
				fmt.Printf(" (over %d others)", len(d.Rejected))
			}
			fmt.Println()
		}
	}
	return nil
}

func statusString(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusSucceeded:
		return color.GreenString(string(s))
	case models.TaskStatusFailed:
		return color.RedString(string(s))
	case models.TaskStatusRunning:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
