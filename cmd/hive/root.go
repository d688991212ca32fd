package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"k8s.io/utils/clock"

	"hive/internal/config"
	agentdomain "hive/internal/domain/agent"
	busdomain "hive/internal/domain/bus"
	leasedomain "hive/internal/domain/lease"
	memorydomain "hive/internal/domain/memory"
	qualitydomain "hive/internal/domain/quality"
	taskdomain "hive/internal/domain/task"
	"hive/internal/embedding"
	agentinfra "hive/internal/infra/agent"
	businfra "hive/internal/infra/bus"
	eventinfra "hive/internal/infra/event"
	leaseinfra "hive/internal/infra/lease"
	memoryinfra "hive/internal/infra/memory"
	qualityinfra "hive/internal/infra/quality"
	taskinfra "hive/internal/infra/task"
	"hive/internal/logging"
	"hive/internal/observability"
	"hive/internal/storage"
)

// app is the lazily-built dependency container behind every subcommand.
type app struct {
	configPath string
	verbose    bool

	cfg     *config.Config
	logger  *observability.Logger
	engine  *storage.Engine
	metrics *observability.MetricsCollector

	tasks    taskdomain.Store
	registry agentdomain.Registry
	leases   leasedomain.Manager
	bus      busdomain.Bus
	memory   memorydomain.Store
	quality  qualitydomain.Engine
	events   *eventinfra.SQLiteFeed
	provider embedding.Provider
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "hive",
		Short:         "Multi-agent task orchestration runtime",
		Long:          "hive runs a pool of worker agents over a persistent, dependency-aware task queue with file leasing, messaging, shared memory, and quality tracking.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				color.NoColor = true
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file path (default: hive.yaml in cwd or ~/.hive)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCommand(a),
		newAgentCommand(a),
		newTaskCommand(a),
		newApplyCommand(a),
		newStatusCommand(a),
		newEventsCommand(a),
		newMemoryCommand(a),
		newQualityCommand(a),
		newInitCommand(a),
	)
	return root
}

// open loads config and wires the stores. Idempotent; subcommands call it
// from their RunE.
func (a *app) open() error {
	if a.engine != nil {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Observability.Logging.Level
	if a.verbose {
		level = "debug"
	}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	})
	printf := logging.FromSlog(a.logger.Slog())

	engine, err := storage.Open(cfg.Database.Path, storage.Options{
		BusyTimeout: cfg.Database.BusyTimeout,
		Logger:      printf,
	})
	if err != nil {
		return err
	}
	a.engine = engine

	a.metrics, err = observability.NewMetricsCollector(cfg.Observability.Metrics, a.logger)
	if err != nil {
		return err
	}

	a.provider, err = embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		HealthTTL:  cfg.Embedding.CacheTTL,
	}, printf)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	a.tasks = taskinfra.NewStore(engine, clk, printf)
	a.registry = agentinfra.NewRegistry(engine, clk, printf)
	a.leases = leaseinfra.NewManager(engine, clk, printf)
	a.bus = businfra.NewBus(engine, clk, cfg.Bus.DefaultTTL, printf)
	a.memory = memoryinfra.NewStore(engine, clk, memoryinfra.Options{
		MaxEntries:      cfg.Memory.MaxEntries,
		SearchBatchSize: cfg.Memory.SearchBatchSize,
		QueryCacheSize:  cfg.Embedding.CacheSize,
		Provider:        a.provider,
		Logger:          printf,
	})
	a.quality = qualityinfra.NewEngine(engine, clk, printf)
	a.events = eventinfra.NewFeed(engine, clk)
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		_ = a.engine.Close()
		a.engine = nil
	}
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// runWithApp wraps a RunE body with container setup and teardown.
func runWithApp(a *app, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(); err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args)
	}
}

func printKV(key string, format string, args ...any) {
	fmt.Printf("%s %s\n", color.CyanString("%-18s", key+":"), fmt.Sprintf(format, args...))
}
