package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/state"
	"relay/pkg/models"
)

var (
	submitPriority int
	submitDeadline time.Duration
	submitID       string
)

var submitCmd = &cobra.Command{
	Use:   "submit <kind> [payload]",
	Short: "Submit a task to the router",
	Long: `Submit a task for execution. The payload is a JSON document; it is
opaque to the router and passed to the executing agent as-is.

The task is written to the shared database as pending; a running
'relay run' process picks it up on its next sweep. Track it with
'relay status <task-id>'.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "task priority (higher runs sooner)")
	submitCmd.Flags().DurationVar(&submitDeadline, "deadline", 0, "wall-clock deadline from now (0 = none)")
	submitCmd.Flags().StringVar(&submitID, "id", "", "explicit task ID (default: generated)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	payload := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return &models.ValidationError{Field: "payload", Reason: "must be valid JSON"}
		}
		payload = json.RawMessage(args[1])
	}

	task := &models.Task{
		ID:        submitID,
		Kind:      args[0],
		Payload:   payload,
		Priority:  submitPriority,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	if task.Kind == "" {
		return &models.ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if submitDeadline > 0 {
		d := time.Now().Add(submitDeadline)
		task.Deadline = &d
	}

	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	existing, err := db.GetTask(task.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &models.ValidationError{Field: "id", Reason: "already exists"}
	}

	if err := db.CreateTask(task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	fmt.Println(task.ID)
	fmt.Fprintf(os.Stderr, "submitted %s task; check progress with 'relay status %s'\n",
		task.Kind, task.ID)
	return nil
}
