package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/spf13/cobra"

	"github.com/cuemby/nodeagent/pkg/agent"
	"github.com/cuemby/nodeagent/pkg/desiredstate"
	"github.com/cuemby/nodeagent/pkg/log"
	"github.com/cuemby/nodeagent/pkg/metrics"
	"github.com/cuemby/nodeagent/pkg/portalloc"
	"github.com/cuemby/nodeagent/pkg/reconciler"
	"github.com/cuemby/nodeagent/pkg/runtime"
	"github.com/cuemby/nodeagent/pkg/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nodeagent",
	Short:   "nodeagent reconciles local containers against a desired state",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nodeagent version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data_dir from config")
	rootCmd.PersistentFlags().String("log-level", "", "Override log_level from config")
	rootCmd.PersistentFlags().Bool("log-json", false, "Override log_json from config")
	rootCmd.PersistentFlags().String("containerd-socket", "", "Override containerd_socket from config")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and run until terminated",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().String("tasks-file", "", "YAML file describing desired jobs (standalone mode)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(mustFlagString(cmd, "config"))
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewBoltExecutionsStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open executions store: %w", err)
	}
	defer st.Close()

	client, err := containerd.New(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer client.Close()

	publisher := runtime.NewHostPortPublisher()
	factory := runtime.NewContainerdFactory(client, cfg.ContainerdNS, publisher)

	desired := desiredstate.NewStaticSource()
	tasksFile, _ := cmd.Flags().GetString("tasks-file")
	if tasksFile == "" {
		tasksFile = cfg.TasksFile
	}
	if tasksFile != "" {
		tasks, err := loadTasks(tasksFile)
		if err != nil {
			return fmt.Errorf("load tasks file: %w", err)
		}
		desired.Set(tasks)
	}

	a := agent.New(agent.Config{
		Store:          st,
		Factory:        factory,
		Desired:        desired,
		Allocator:      portalloc.New(cfg.PortRange.toAllocatorRange()),
		ReactorTimeout: cfg.reactorTimeout(),
		OnFatal: func(fe *reconciler.FatalError) {
			logger.Fatal().Err(fe).Msg("fatal reconciler error, terminating")
		},
	})
	if err := a.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	logger.Info().Msg("agent running, press ctrl+c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	a.Stop()
	logger.Info().Msg("shutdown complete")
	return nil
}

func mustFlagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// applyFlagOverrides merges explicitly-set persistent flags onto cfg,
// matching the teacher's flags-over-config precedence.
func applyFlagOverrides(cmd *cobra.Command, cfg *Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
	if v, _ := cmd.Flags().GetString("containerd-socket"); v != "" {
		cfg.ContainerdSocket = v
	}
}
