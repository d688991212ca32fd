package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the swarm runtime.
type MetricsCollector struct {
	meter metric.Meter

	// Task metrics
	tasksCreated   metric.Int64Counter
	tasksClaimed   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	claimLatency   metric.Float64Histogram
	claimConflicts metric.Int64Counter

	// Agent metrics
	agentsBusy    metric.Int64UpDownCounter
	agentsReaped  metric.Int64Counter
	heartbeats    metric.Int64Counter
	messagesSent  metric.Int64Counter
	messagesAcked metric.Int64Counter

	// Memory metrics
	searchLatency     metric.Float64Histogram
	memoriesStored    metric.Int64Counter
	memoriesCompacted metric.Int64Counter

	// Quality metrics
	regressions  metric.Int64Counter
	gateFailures metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
	logger           *Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. When disabled, every
// Record method is a no-op so call sites never need to branch.
func NewMetricsCollector(config MetricsConfig, logger *Logger) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("hive")

	tasksCreated, err := meter.Int64Counter(
		"hive.tasks.created.total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_created counter: %w", err)
	}

	tasksClaimed, err := meter.Int64Counter(
		"hive.tasks.claimed.total",
		metric.WithDescription("Total number of tasks claimed by agents"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_claimed counter: %w", err)
	}

	tasksCompleted, err := meter.Int64Counter(
		"hive.tasks.completed.total",
		metric.WithDescription("Total number of tasks completed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_completed counter: %w", err)
	}

	tasksFailed, err := meter.Int64Counter(
		"hive.tasks.failed.total",
		metric.WithDescription("Total number of task failures reported"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_failed counter: %w", err)
	}

	claimLatency, err := meter.Float64Histogram(
		"hive.claim.latency",
		metric.WithDescription("Atomic claim transaction latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_latency histogram: %w", err)
	}

	claimConflicts, err := meter.Int64Counter(
		"hive.claim.conflicts.total",
		metric.WithDescription("Claim attempts that lost a write race and retried"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_conflicts counter: %w", err)
	}

	agentsBusy, err := meter.Int64UpDownCounter(
		"hive.agents.busy",
		metric.WithDescription("Number of agents currently working a task"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents_busy gauge: %w", err)
	}

	agentsReaped, err := meter.Int64Counter(
		"hive.agents.reaped.total",
		metric.WithDescription("Agents marked offline by the stale reaper"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents_reaped counter: %w", err)
	}

	heartbeats, err := meter.Int64Counter(
		"hive.agents.heartbeats.total",
		metric.WithDescription("Heartbeats recorded by registered agents"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	messagesSent, err := meter.Int64Counter(
		"hive.messages.sent.total",
		metric.WithDescription("Messages published to the bus"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages_sent counter: %w", err)
	}

	messagesAcked, err := meter.Int64Counter(
		"hive.messages.acked.total",
		metric.WithDescription("Messages acknowledged by recipients"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages_acked counter: %w", err)
	}

	searchLatency, err := meter.Float64Histogram(
		"hive.memory.search.latency",
		metric.WithDescription("Semantic search latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search_latency histogram: %w", err)
	}

	memoriesStored, err := meter.Int64Counter(
		"hive.memory.stored.total",
		metric.WithDescription("Memory entries written to the store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memories_stored counter: %w", err)
	}

	memoriesCompacted, err := meter.Int64Counter(
		"hive.memory.compacted.total",
		metric.WithDescription("Memory entries removed by compaction"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memories_compacted counter: %w", err)
	}

	regressions, err := meter.Int64Counter(
		"hive.quality.regressions.total",
		metric.WithDescription("Quality regressions detected against the baseline"),
		metric.WithUnit("{regression}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create regressions counter: %w", err)
	}

	gateFailures, err := meter.Int64Counter(
		"hive.quality.gate_failures.total",
		metric.WithDescription("Gate evaluations that failed"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate_failures counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		tasksCreated:      tasksCreated,
		tasksClaimed:      tasksClaimed,
		tasksCompleted:    tasksCompleted,
		tasksFailed:       tasksFailed,
		claimLatency:      claimLatency,
		claimConflicts:    claimConflicts,
		agentsBusy:        agentsBusy,
		agentsReaped:      agentsReaped,
		heartbeats:        heartbeats,
		messagesSent:      messagesSent,
		messagesAcked:     messagesAcked,
		searchLatency:     searchLatency,
		memoriesStored:    memoriesStored,
		memoriesCompacted: memoriesCompacted,
		regressions:       regressions,
		gateFailures:      gateFailures,
		logger:            logger,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if m.logger != nil {
			m.logger.Info("prometheus metrics server listening", "port", port)
		}
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.Error("prometheus server error", "error", err)
			}
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordTaskCreated records a task entering the store.
func (m *MetricsCollector) RecordTaskCreated(ctx context.Context, priority string) {
	if m.tasksCreated == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// RecordClaim records the outcome of an atomic claim attempt.
func (m *MetricsCollector) RecordClaim(ctx context.Context, agentID string, latency time.Duration, retries int) {
	if m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
	m.claimLatency.Record(ctx, latency.Seconds())
	if retries > 0 {
		m.claimConflicts.Add(ctx, int64(retries))
	}
}

// RecordTaskCompleted records a successful task completion.
func (m *MetricsCollector) RecordTaskCompleted(ctx context.Context, agentID string) {
	if m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

// RecordTaskFailed records a task failure, tagged with whether a retry was scheduled.
func (m *MetricsCollector) RecordTaskFailed(ctx context.Context, agentID string, willRetry bool) {
	if m.tasksFailed == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.Bool("will_retry", willRetry),
	))
}

// AgentStartedWork moves an agent into the busy gauge.
func (m *MetricsCollector) AgentStartedWork(ctx context.Context) {
	if m.agentsBusy == nil {
		return
	}
	m.agentsBusy.Add(ctx, 1)
}

// AgentStoppedWork moves an agent out of the busy gauge.
func (m *MetricsCollector) AgentStoppedWork(ctx context.Context) {
	if m.agentsBusy == nil {
		return
	}
	m.agentsBusy.Add(ctx, -1)
}

// RecordAgentsReaped records agents transitioned offline by the reaper.
func (m *MetricsCollector) RecordAgentsReaped(ctx context.Context, count int) {
	if m.agentsReaped == nil || count <= 0 {
		return
	}
	m.agentsReaped.Add(ctx, int64(count))
}

// RecordHeartbeat records a heartbeat from an agent.
func (m *MetricsCollector) RecordHeartbeat(ctx context.Context) {
	if m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

// RecordMessageSent records a message published to the bus.
func (m *MetricsCollector) RecordMessageSent(ctx context.Context, messageType string, broadcast bool) {
	if m.messagesSent == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", messageType),
		attribute.Bool("broadcast", broadcast),
	))
}

// RecordMessageAcked records an acknowledged message.
func (m *MetricsCollector) RecordMessageAcked(ctx context.Context) {
	if m.messagesAcked == nil {
		return
	}
	m.messagesAcked.Add(ctx, 1)
}

// RecordSearch records a semantic search and its latency.
func (m *MetricsCollector) RecordSearch(ctx context.Context, latency time.Duration, scanned int, earlyExit bool) {
	if m.searchLatency == nil {
		return
	}
	m.searchLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.Int("scanned", scanned),
		attribute.Bool("early_exit", earlyExit),
	))
}

// RecordMemoryStored records memory entries written to the store.
func (m *MetricsCollector) RecordMemoryStored(ctx context.Context, category string) {
	if m.memoriesStored == nil {
		return
	}
	m.memoriesStored.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordCompaction records entries removed by a compaction pass.
func (m *MetricsCollector) RecordCompaction(ctx context.Context, removed int) {
	if m.memoriesCompacted == nil || removed <= 0 {
		return
	}
	m.memoriesCompacted.Add(ctx, int64(removed))
}

// RecordRegression records a detected quality regression.
func (m *MetricsCollector) RecordRegression(ctx context.Context, severity string) {
	if m.regressions == nil {
		return
	}
	m.regressions.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordGateFailure records a failed gate evaluation.
func (m *MetricsCollector) RecordGateFailure(ctx context.Context, gate string) {
	if m.gateFailures == nil {
		return
	}
	m.gateFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}
