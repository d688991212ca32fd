package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, 9464, config.Metrics.PrometheusPort)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithAgentID(context.Background(), "ag-builder-1")
	ctx = ContextWithTaskID(ctx, "bd-1a2b3c4d")

	logger.InfoContext(ctx, "claimed task")

	out := buf.String()
	assert.Contains(t, out, `"agent_id":"ag-builder-1"`)
	assert.Contains(t, out, `"task_id":"bd-1a2b3c4d"`)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	logger.Warn("stale agent detected")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "stale agent detected")
}

func TestDisabledMetricsCollectorIsNoop(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	// All of these must be safe on a disabled collector.
	collector.RecordTaskCreated(ctx, "high")
	collector.RecordClaim(ctx, "ag-1", 0, 2)
	collector.RecordTaskCompleted(ctx, "ag-1")
	collector.RecordTaskFailed(ctx, "ag-1", true)
	collector.AgentStartedWork(ctx)
	collector.AgentStoppedWork(ctx)
	collector.RecordAgentsReaped(ctx, 3)
	collector.RecordMessageSent(ctx, "task_handoff", false)
	collector.RecordSearch(ctx, 0, 100, true)
	collector.RecordCompaction(ctx, 10)
	collector.RecordRegression(ctx, "severe")

	require.NoError(t, collector.Shutdown(ctx))
}

func TestDisabledTracerProviderIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := tp.StartSpan(context.Background(), SpanTaskClaim, AgentAttrs("ag-1")...)
	span.End()
	require.NotNil(t, ctx)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "***", SanitizeAPIKey("short"))
	long := "sk-abcdefghijklmnopqrstuvwxyz"
	masked := SanitizeAPIKey(long)
	assert.True(t, strings.HasPrefix(masked, "sk-abcde"))
	assert.True(t, strings.HasSuffix(masked, "wxyz"))
	assert.NotContains(t, masked, "ijklmnop")
}
