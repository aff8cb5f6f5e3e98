package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
)

// AlertStore persists alerts and exposes the dead-letter backlog
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *model.Alert) error
	ListAlerts(ctx context.Context, activeOnly bool, limit int) ([]*model.Alert, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

const (
	targetDeadLetters = "dead_letters"
	targetQueue       = "ready_queue"
	targetCPU         = "cpu"
	targetMemory      = "memory"
)

// AlertManager evaluates alert rules against health, the dead-letter
// backlog and system metrics. An alert stays active, and is not raised
// again, until its condition clears.
type AlertManager struct {
	logger   *zap.Logger
	store    AlertStore
	health   *Monitor
	metrics  *MetricsCollector
	notifier *Notifier
	events   service.Publisher

	rules sync.Map // rule id -> *model.AlertRule

	mu     sync.Mutex
	active map[string]*model.Alert // rule id + target -> alert

	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewAlertManager creates a new alert manager; metrics, notifier and events may be nil.
func NewAlertManager(store AlertStore, health *Monitor, metrics *MetricsCollector, notifier *Notifier, events service.Publisher, interval time.Duration, logger *zap.Logger) *AlertManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		store:    store,
		health:   health,
		metrics:  metrics,
		notifier: notifier,
		events:   events,
		active:   make(map[string]*model.Alert),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start restores active alerts and starts the evaluation loop
func (m *AlertManager) Start(ctx context.Context) error {
	alerts, err := m.store.ListAlerts(ctx, true, 0)
	if err != nil {
		return fmt.Errorf("failed to load active alerts: %w", err)
	}
	m.mu.Lock()
	for _, a := range alerts {
		m.active[alertKey(a.RuleID, a.Target)] = a
	}
	m.mu.Unlock()

	go m.evaluationLoop(ctx)

	m.logger.Info("Alert manager started", zap.Int("active_alerts", len(alerts)))
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, &model.NotFoundError{Kind: "alert rule", Name: id}
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	existing, ok := m.rules.Load(rule.ID)
	if !ok {
		return &model.NotFoundError{Kind: "alert rule", Name: rule.ID}
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = existing.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return &model.NotFoundError{Kind: "alert rule", Name: id}
	}
	m.rules.Delete(id)
	return nil
}

// SetRules replaces all rules, as on a configuration reload. Alerts of
// rules that no longer exist are resolved on the next evaluation.
func (m *AlertManager) SetRules(rules []model.AlertRule) error {
	for i := range rules {
		if err := validateRule(&rules[i]); err != nil {
			return err
		}
	}
	m.rules.Range(func(key, _ interface{}) bool {
		m.rules.Delete(key)
		return true
	})
	for i := range rules {
		rule := rules[i]
		if rule.ID == "" {
			rule.ID = rule.Name
		}
		if err := m.AddRule(&rule); err != nil {
			return err
		}
	}
	return nil
}

// Rules returns all rules ordered by id
func (m *AlertManager) Rules() []*model.AlertRule {
	var out []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		out = append(out, value.(*model.AlertRule))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveAlerts returns the alerts that have not been resolved
func (m *AlertManager) ActiveAlerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func validateRule(rule *model.AlertRule) error {
	subject := rule.Name
	if subject == "" {
		subject = "alert rule"
	}
	switch rule.Type {
	case model.AlertTypeServiceDown, model.AlertTypeServiceDegraded, model.AlertTypeWorkflowFailed:
	case model.AlertTypeDeadLetter, model.AlertTypeQueueDepth:
		if rule.Threshold <= 0 {
			return &model.ValidationError{Subject: subject, Reason: "threshold must be positive"}
		}
	case model.AlertTypeResourceUsage:
		if rule.Threshold <= 0 || rule.Threshold > 100 {
			return &model.ValidationError{Subject: subject, Reason: "threshold must be a percentage"}
		}
		if rule.Target != "" && rule.Target != targetCPU && rule.Target != targetMemory {
			return &model.ValidationError{Subject: subject, Reason: "target must be cpu or memory"}
		}
	default:
		return &model.ValidationError{Subject: subject, Reason: fmt.Sprintf("unknown alert type %q", rule.Type)}
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	return nil
}

func alertKey(ruleID, target string) string {
	return ruleID + "|" + target
}

// evaluationLoop periodically evaluates alert conditions
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.EvaluateRules(ctx); err != nil {
				m.logger.Error("Failed to evaluate alert rules", zap.Error(err))
			}
		}
	}
}

// condition is one firing (rule, target) pair found by an evaluation.
type condition struct {
	rule    *model.AlertRule
	target  string
	message string
	data    map[string]interface{}
}

// EvaluateRules checks every rule, raises alerts for new conditions and
// resolves active alerts whose condition cleared. It returns the alerts
// raised by this evaluation.
func (m *AlertManager) EvaluateRules(ctx context.Context) ([]*model.Alert, error) {
	firing := make(map[string]condition)
	evaluated := make(map[string]bool)

	for _, rule := range m.Rules() {
		if rule.Silenced {
			continue
		}
		evaluated[rule.ID] = true
		conds, err := m.evaluate(ctx, rule)
		if err != nil {
			m.logger.Warn("Skipping alert rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			// keep the rule's current alerts as they are
			m.mu.Lock()
			for _, a := range m.active {
				if a.RuleID == rule.ID {
					firing[alertKey(a.RuleID, a.Target)] = condition{rule: rule, target: a.Target}
				}
			}
			m.mu.Unlock()
			continue
		}
		for _, c := range conds {
			firing[alertKey(rule.ID, c.target)] = c
		}
	}

	now := time.Now()
	var raised, resolved []*model.Alert

	m.mu.Lock()
	for key, c := range firing {
		if _, ok := m.active[key]; ok {
			continue
		}
		alert := &model.Alert{
			ID:        uuid.New().String(),
			RuleID:    c.rule.ID,
			RuleName:  c.rule.Name,
			Type:      c.rule.Type,
			Target:    c.target,
			Severity:  c.rule.Severity,
			Message:   c.message,
			Data:      c.data,
			CreatedAt: now,
		}
		m.active[key] = alert
		raised = append(raised, alert)
	}
	for key, alert := range m.active {
		if _, ok := firing[key]; ok {
			continue
		}
		// a silenced rule keeps its alerts until it is evaluated again
		if _, exists := m.rules.Load(alert.RuleID); exists && !evaluated[alert.RuleID] {
			continue
		}
		resolvedAt := now
		alert.ResolvedAt = &resolvedAt
		delete(m.active, key)
		resolved = append(resolved, alert)
	}
	m.mu.Unlock()

	for _, alert := range raised {
		m.logger.Warn("Alert triggered",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("type", string(alert.Type)),
			zap.String("target", alert.Target),
			zap.String("severity", string(alert.Severity)))
		m.emit(ctx, alert, model.TopicAlertTriggered)
	}
	for _, alert := range resolved {
		m.logger.Info("Alert resolved",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("target", alert.Target))
		m.emit(ctx, alert, model.TopicAlertResolved)
	}
	return raised, nil
}

// HandleEvent raises a workflow_failed alert for every matching rule when a
// run fails. The alert describes a single occurrence, so it is stored
// already resolved and never enters the active set.
func (m *AlertManager) HandleEvent(ctx context.Context, event *model.Event) error {
	if event.Topic != model.TopicWorkflowFailed {
		return nil
	}
	for _, rule := range m.Rules() {
		if rule.Type != model.AlertTypeWorkflowFailed || rule.Silenced {
			continue
		}
		if rule.Target != "" && rule.Target != event.Workflow {
			continue
		}
		now := time.Now()
		data := map[string]interface{}{"run_id": event.RunID}
		for k, v := range event.Data {
			data[k] = v
		}
		alert := &model.Alert{
			ID:         uuid.New().String(),
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Type:       rule.Type,
			Target:     event.Workflow,
			Severity:   rule.Severity,
			Message:    fmt.Sprintf("workflow %s run %s failed", event.Workflow, event.RunID),
			Data:       data,
			CreatedAt:  now,
			ResolvedAt: &now,
		}
		m.logger.Warn("Alert triggered",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("type", string(alert.Type)),
			zap.String("target", alert.Target),
			zap.String("run_id", event.RunID))
		m.emit(ctx, alert, model.TopicAlertTriggered)
	}
	return nil
}

func (m *AlertManager) emit(ctx context.Context, alert *model.Alert, topic model.EventTopic) {
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		m.logger.Error("Failed to store alert", zap.String("id", alert.ID), zap.Error(err))
	}
	if m.events != nil {
		event := &model.Event{
			ID:         alert.ID + ":" + string(topic),
			Topic:      topic,
			OccurredAt: time.Now(),
			Data: map[string]interface{}{
				"alert_id": alert.ID,
				"rule_id":  alert.RuleID,
				"type":     string(alert.Type),
				"target":   alert.Target,
				"severity": string(alert.Severity),
				"message":  alert.Message,
			},
		}
		if err := m.events.Publish(ctx, event); err != nil {
			m.logger.Warn("Failed to publish alert event", zap.String("id", alert.ID), zap.Error(err))
		}
	}
	if m.notifier != nil {
		m.notifier.Notify(alert)
	}
}

func (m *AlertManager) evaluate(ctx context.Context, rule *model.AlertRule) ([]condition, error) {
	switch rule.Type {
	case model.AlertTypeWorkflowFailed:
		// raised from events, see HandleEvent
		return nil, nil

	case model.AlertTypeServiceDown, model.AlertTypeServiceDegraded:
		var out []condition
		for _, rec := range m.health.Records() {
			if rule.Target != "" && rec.Service != rule.Target {
				continue
			}
			down := rec.Status == model.HealthDown
			if down || (rule.Type == model.AlertTypeServiceDegraded && rec.Status == model.HealthDegraded) {
				out = append(out, condition{
					rule:    rule,
					target:  rec.Service,
					message: fmt.Sprintf("service %s is %s", rec.Service, rec.Status),
					data: map[string]interface{}{
						"status":               string(rec.Status),
						"consecutive_failures": rec.ConsecutiveFailures,
						"last_error":           rec.LastError,
					},
				})
			}
		}
		return out, nil

	case model.AlertTypeDeadLetter:
		count, err := m.store.CountDeadLetters(ctx)
		if err != nil {
			return nil, err
		}
		if float64(count) < rule.Threshold {
			return nil, nil
		}
		return []condition{{
			rule:    rule,
			target:  targetDeadLetters,
			message: fmt.Sprintf("%d dead letters awaiting replay", count),
			data:    map[string]interface{}{"count": count},
		}}, nil

	case model.AlertTypeResourceUsage:
		if m.metrics == nil {
			return nil, fmt.Errorf("no metrics collector")
		}
		sample := m.metrics.Latest()
		if sample.Timestamp.IsZero() {
			return nil, fmt.Errorf("no metrics sample yet")
		}
		var out []condition
		for target, usage := range map[string]float64{targetCPU: sample.CPUUsage, targetMemory: sample.MemoryUsage} {
			if rule.Target != "" && rule.Target != target {
				continue
			}
			if usage >= rule.Threshold {
				out = append(out, condition{
					rule:    rule,
					target:  target,
					message: fmt.Sprintf("%s usage %.1f%% over %.1f%%", target, usage, rule.Threshold),
					data:    map[string]interface{}{"usage": usage},
				})
			}
		}
		return out, nil

	case model.AlertTypeQueueDepth:
		if m.metrics == nil {
			return nil, fmt.Errorf("no metrics collector")
		}
		depth := m.metrics.EngineStats().QueueDepth
		if float64(depth) < rule.Threshold {
			return nil, nil
		}
		return []condition{{
			rule:    rule,
			target:  targetQueue,
			message: fmt.Sprintf("%d instances waiting for a worker", depth),
			data:    map[string]interface{}{"queue_depth": depth},
		}}, nil
	}
	return nil, fmt.Errorf("unknown alert type %q", rule.Type)
}
