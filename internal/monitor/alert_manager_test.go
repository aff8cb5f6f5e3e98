package monitor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pipeline-orchestrator/internal/executor"
	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
	"github.com/t77yq/pipeline-orchestrator/internal/testutil"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedStats executor.Stats

func (f fixedStats) Stats() executor.Stats { return executor.Stats(f) }

func TestAlertManager_AddRule(t *testing.T) {
	manager := NewAlertManager(newStore(t), NewMonitor(nil, Thresholds{}, zaptest.NewLogger(t)), nil, nil, nil, time.Minute, zaptest.NewLogger(t))

	rule1 := &model.AlertRule{
		Name:      "High CPU Usage",
		Type:      model.AlertTypeResourceUsage,
		Target:    "cpu",
		Threshold: 80.0,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule1))
	require.NotEmpty(t, rule1.ID)
	require.False(t, rule1.CreatedAt.IsZero())
	require.Equal(t, rule1.CreatedAt, rule1.UpdatedAt)

	rule2 := &model.AlertRule{Name: "Collector Down", Type: model.AlertTypeServiceDown, Target: "collector"}
	require.NoError(t, manager.AddRule(rule2))
	require.NotEqual(t, rule1.ID, rule2.ID)
	assert.Equal(t, model.AlertSeverityWarning, rule2.Severity)

	rule1.Threshold = 90
	require.NoError(t, manager.UpdateRule(rule1))
	got, err := manager.GetRule(rule1.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.Threshold)

	require.NoError(t, manager.DeleteRule(rule2.ID))
	_, err = manager.GetRule(rule2.ID)
	assert.True(t, model.IsNotFound(err))

	for _, bad := range []*model.AlertRule{
		{Name: "no type"},
		{Name: "negative", Type: model.AlertTypeDeadLetter},
		{Name: "percent", Type: model.AlertTypeResourceUsage, Threshold: 150},
		{Name: "disk", Type: model.AlertTypeResourceUsage, Threshold: 50, Target: "disk"},
	} {
		var ve *model.ValidationError
		assert.ErrorAs(t, manager.AddRule(bad), &ve, bad.Name)
	}
}

func TestAlertManager_ServiceDownIsDeduplicatedAndResolved(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := newStore(t)

	_, js, _ := testutil.StartJetStream(t)
	bus, err := service.NewEventBus(js, logger)
	require.NoError(t, err)

	health := NewMonitor(store, Thresholds{Degraded: 1, Down: 2}, logger)
	channel := &recordingChannel{}
	notifier := NewNotifier(NotifierConfig{MaxRetries: 1, RetryDelay: 10 * time.Millisecond}, []NotificationChannel{channel}, logger)
	notifier.Start()
	defer notifier.Stop()

	manager := NewAlertManager(store, health, nil, notifier, bus, time.Hour, logger)
	require.NoError(t, manager.SetRules([]model.AlertRule{
		{ID: "collector-down", Name: "Collector down", Type: model.AlertTypeServiceDown, Target: "collector", Severity: model.AlertSeverityCritical},
		{ID: "any-degraded", Name: "Service degraded", Type: model.AlertTypeServiceDegraded},
	}))

	fail := model.Outcome{Service: "collector", Succeeded: false, Error: "503", At: time.Now()}
	health.RecordOutcome(ctx, fail)
	health.RecordOutcome(ctx, fail)
	require.Equal(t, model.HealthDown, health.ServiceStatus("collector"))

	raised, err := manager.EvaluateRules(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 2)

	// still down: no new alert
	raised, err = manager.EvaluateRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, raised)
	assert.Len(t, manager.ActiveAlerts(), 2)

	health.RecordOutcome(ctx, model.Outcome{Service: "collector", Succeeded: true, At: time.Now()})
	raised, err = manager.EvaluateRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, raised)
	assert.Empty(t, manager.ActiveAlerts())

	stored, err := store.ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, a := range stored {
		assert.NotNil(t, a.ResolvedAt)
	}

	msgs, err := testutil.ConsumeMessages(js, service.EventSubject(model.TopicAlertTriggered), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	var event model.Event
	require.NoError(t, json.Unmarshal(msgs[0], &event))
	assert.Equal(t, "collector", event.Data["target"])

	msgs, err = testutil.ConsumeMessages(js, service.EventSubject(model.TopicAlertResolved), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.Eventually(t, func() bool { return len(channel.sent()) == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestAlertManager_DeadLetterQueueAndResourceRules(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := newStore(t)

	engine := fixedStats{QueueDepth: 12, PoolSize: 4}
	metrics := NewMetricsCollector(engine, time.Minute, logger)
	metrics.Record(SystemMetrics{Timestamp: time.Now(), CPUUsage: 95, MemoryUsage: 40})

	manager := NewAlertManager(store, NewMonitor(store, Thresholds{}, logger), metrics, nil, nil, time.Hour, logger)
	require.NoError(t, manager.SetRules([]model.AlertRule{
		{Name: "dead letters", Type: model.AlertTypeDeadLetter, Threshold: 1},
		{Name: "backlog", Type: model.AlertTypeQueueDepth, Threshold: 10},
		{Name: "hot host", Type: model.AlertTypeResourceUsage, Threshold: 90},
	}))

	raised, err := manager.EvaluateRules(ctx)
	require.NoError(t, err)
	targets := map[string]bool{}
	for _, a := range raised {
		targets[a.Target] = true
	}
	assert.Equal(t, map[string]bool{"ready_queue": true, "cpu": true}, targets)

	require.NoError(t, store.AppendDeadLetter(ctx, &model.DeadLetterEntry{
		ID: "dl-1", InstanceID: "i-1", TaskName: "collect", Workflow: "content", CreatedAt: time.Now(),
	}))
	raised, err = manager.EvaluateRules(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, "dead_letters", raised[0].Target)
	assert.Equal(t, 1, raised[0].Data["count"])

	// replaying the entry clears the backlog
	require.NoError(t, store.MarkReplayed(ctx, "dl-1", "i-2", time.Now()))
	metrics.Record(SystemMetrics{Timestamp: time.Now(), CPUUsage: 10, MemoryUsage: 40})
	_, err = manager.EvaluateRules(ctx)
	require.NoError(t, err)
	active := manager.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "ready_queue", active[0].Target)
}

func TestAlertManager_SilencedRuleKeepsAlerts(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := newStore(t)
	health := NewMonitor(store, Thresholds{}, logger)
	manager := NewAlertManager(store, health, nil, nil, nil, time.Hour, logger)

	rule := &model.AlertRule{ID: "down", Name: "down", Type: model.AlertTypeServiceDown}
	require.NoError(t, manager.AddRule(rule))
	require.NoError(t, health.ReportExternalHealth(ctx, "analyzer", model.HealthDown, "maintenance"))

	raised, err := manager.EvaluateRules(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)

	rule.Silenced = true
	require.NoError(t, manager.UpdateRule(rule))
	require.NoError(t, health.ReportExternalHealth(ctx, "analyzer", model.HealthHealthy, ""))
	_, err = manager.EvaluateRules(ctx)
	require.NoError(t, err)
	assert.Len(t, manager.ActiveAlerts(), 1)

	// restart restores the active alert from the store
	restarted := NewAlertManager(store, health, nil, nil, nil, time.Hour, logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, restarted.Start(runCtx))
	defer restarted.Stop()
	assert.Len(t, restarted.ActiveAlerts(), 1)
}

func TestAlertManager_WorkflowFailedFromEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t)
	store := newStore(t)

	_, js, _ := testutil.StartJetStream(t)
	bus, err := service.NewEventBus(js, logger)
	require.NoError(t, err)

	channel := &recordingChannel{}
	notifier := NewNotifier(NotifierConfig{MaxRetries: 1, RetryDelay: 10 * time.Millisecond}, []NotificationChannel{channel}, logger)
	notifier.Start()
	defer notifier.Stop()

	manager := NewAlertManager(store, NewMonitor(store, Thresholds{}, logger), nil, notifier, nil, time.Hour, logger)
	require.NoError(t, manager.SetRules([]model.AlertRule{
		{ID: "content-failed", Name: "content run failed", Type: model.AlertTypeWorkflowFailed, Target: "content", Severity: model.AlertSeverityError},
	}))
	require.NoError(t, bus.Subscribe(ctx, string(model.TopicWorkflowFailed), "", func(e *model.Event) error {
		return manager.HandleEvent(ctx, e)
	}))

	failed := &model.Event{ID: "r-1:workflow_failed", Topic: model.TopicWorkflowFailed, Workflow: "content", RunID: "r-1",
		Data: map[string]interface{}{"failed_tasks": []string{"collect"}}}
	require.NoError(t, bus.Publish(ctx, failed))
	require.NoError(t, bus.Publish(ctx, failed))
	require.NoError(t, bus.Publish(ctx, &model.Event{ID: "r-2:workflow_failed", Topic: model.TopicWorkflowFailed, Workflow: "daily", RunID: "r-2"}))
	require.NoError(t, bus.Publish(ctx, &model.Event{ID: "r-3:workflow_completed", Topic: model.TopicWorkflowCompleted, Workflow: "content", RunID: "r-3"}))

	require.Eventually(t, func() bool { return len(channel.sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, channel.sent(), 1)

	stored, err := store.ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "content", stored[0].Target)
	assert.Equal(t, "r-1", stored[0].Data["run_id"])
	assert.NotNil(t, stored[0].ResolvedAt)

	// one-off alerts never become active or get resolved by evaluation
	assert.Empty(t, manager.ActiveAlerts())
	raised, err := manager.EvaluateRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, raised)
}
