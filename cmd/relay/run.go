package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/coordinator"
	"relay/internal/learning"
	"relay/internal/metrics"
	"relay/internal/policy"
	"relay/internal/queue"
	"relay/internal/recovery"
	"relay/internal/state"
	"relay/internal/worker"
	"relay/pkg/models"
)

var (
	runAgents  []string
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the router and its workers",
	Long: `Start the relay router: the coordinator, the message queue, the
learning loop, and a pool of workers hosting simulated agents.

Agents are declared with repeated --agent flags:

  relay run --agent fast:research,summarize:4 \
            --agent careful:research:2:0.05:300ms

The format is id:kinds:capacity[:failure_rate[:delay]]. Kinds are
comma-separated. With no --agent flags, two simulated general-purpose
agents are started.

Tasks submitted with 'relay submit' against the same database are picked
up automatically. Stop with Ctrl-C; interrupted tasks are reconciled on
the next start.`,
	RunE: runRouter,
}

func init() {
	runCmd.Flags().StringArrayVar(&runAgents, "agent", nil,
		"simulated agent spec: id:kinds:capacity[:failure_rate[:delay]]")
	runCmd.Flags().IntVar(&runWorkers, "workers", 2, "worker goroutines")
}

func runRouter(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	snapshot, err := config.LoadPolicy(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	store := config.NewPolicyStore(snapshot)

	watcher, err := config.WatchPolicy(store, cfg.Policy.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy hot-reload disabled: %v\n", err)
	} else {
		defer watcher.Close()
	}

	q := queue.New(db, queue.Config{
		VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
		RedeliveryInterval: cfg.Queue.RedeliveryInterval,
	})
	defer q.Close()
	if err := q.Restore(); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	engine := policy.NewEngine(store)
	rec := recovery.New(store)
	collector := metrics.NewCollector(db)
	defer collector.Close()
	learner := learning.New(engine, collector, store)

	dbg, err := coordinator.NewDebugLogger(cfg.Coordinator.DebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer dbg.Close()

	coord := coordinator.New(coordinator.Options{
		Config:    cfg,
		DB:        db,
		Queue:     q,
		Engine:    engine,
		Policies:  store,
		Recovery:  rec,
		Collector: collector,
		Learner:   learner,
		Debug:     dbg,
	})

	w := worker.New(q, cfg.Queue.DequeueTimeout)
	specs := runAgents
	if len(specs) == 0 {
		specs = []string{"sim-a:general:2", "sim-b:general:2:0.2:200ms"}
	}
	for _, spec := range specs {
		desc, exec, err := parseAgentSpec(spec)
		if err != nil {
			return err
		}
		if err := coord.RegisterAgent(desc); err != nil {
			return err
		}
		w.Register(desc.ID, exec)
		fmt.Printf("%s agent %s kinds=%s capacity=%d\n",
			color.GreenString("✓"), desc.ID, strings.Join(desc.Kinds, ","), desc.Capacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if snapshot.Learning.Enabled {
		go learner.Run(ctx)
	}
	for i := 0; i < runWorkers; i++ {
		go w.Run(ctx)
	}

	fmt.Printf("%s relay running (db: %s)\n", color.GreenString("✓"), cfg.Database.Path)
	coord.Run(ctx)
	return nil
}

// parseAgentSpec parses id:kinds:capacity[:failure_rate[:delay]] into a
// descriptor and a simulated executor.
func parseAgentSpec(spec string) (models.AgentDescriptor, worker.Executor, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return models.AgentDescriptor{}, nil,
			fmt.Errorf("agent spec %q: want id:kinds:capacity[:failure_rate[:delay]]", spec)
	}

	desc := models.AgentDescriptor{
		ID:    parts[0],
		Kinds: strings.Split(parts[1], ","),
	}
	capacity, err := strconv.Atoi(parts[2])
	if err != nil {
		return models.AgentDescriptor{}, nil, fmt.Errorf("agent spec %q: bad capacity: %v", spec, err)
	}
	desc.Capacity = capacity

	failureRate := 0.0
	if len(parts) > 3 {
		failureRate, err = strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return models.AgentDescriptor{}, nil, fmt.Errorf("agent spec %q: bad failure rate: %v", spec, err)
		}
	}
	delay := 100 * time.Millisecond
	if len(parts) > 4 {
		delay, err = time.ParseDuration(parts[4])
		if err != nil {
			return models.AgentDescriptor{}, nil, fmt.Errorf("agent spec %q: bad delay: %v", spec, err)
		}
	}

	return desc, worker.NewSimulatedExecutor(delay, failureRate, 1.0), nil
}
