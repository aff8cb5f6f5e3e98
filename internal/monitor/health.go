package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// HealthStore persists health records
type HealthStore interface {
	SaveHealth(ctx context.Context, rec *model.HealthRecord) error
	ListHealth(ctx context.Context) ([]*model.HealthRecord, error)
}

// Thresholds are the consecutive-failure counts at which a service is
// considered degraded and down.
type Thresholds struct {
	Degraded int
	Down     int
}

// DefaultThresholds are used for zero values
var DefaultThresholds = Thresholds{Degraded: 3, Down: 5}

type serviceHealth struct {
	mu  sync.Mutex
	rec model.HealthRecord
}

// Monitor derives per-service health from execution outcomes and external
// reports. Each service has its own lock; readers never take a global one.
type Monitor struct {
	logger *zap.Logger
	store  HealthStore

	services sync.Map // service name -> *serviceHealth

	mu         sync.RWMutex
	thresholds Thresholds
	listeners  []func(model.HealthRecord)
}

// NewMonitor creates a health monitor
func NewMonitor(store HealthStore, thresholds Thresholds, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:     logger.Named("monitor"),
		store:      store,
		thresholds: normalize(thresholds),
	}
}

func normalize(t Thresholds) Thresholds {
	if t.Degraded <= 0 {
		t.Degraded = DefaultThresholds.Degraded
	}
	if t.Down <= 0 {
		t.Down = DefaultThresholds.Down
	}
	if t.Down < t.Degraded {
		t.Down = t.Degraded
	}
	return t
}

// Load restores persisted health records
func (m *Monitor) Load(ctx context.Context) error {
	recs, err := m.store.ListHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load health records: %w", err)
	}
	for _, rec := range recs {
		m.services.Store(rec.Service, &serviceHealth{rec: *rec})
	}
	m.logger.Info("Health records loaded", zap.Int("count", len(recs)))
	return nil
}

// Reconfigure replaces the thresholds; they apply from the next outcome.
func (m *Monitor) Reconfigure(t Thresholds) {
	m.mu.Lock()
	m.thresholds = normalize(t)
	m.mu.Unlock()
}

// OnChange registers fn to be called whenever a service's status changes.
func (m *Monitor) OnChange(fn func(model.HealthRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) entry(service string) *serviceHealth {
	if v, ok := m.services.Load(service); ok {
		return v.(*serviceHealth)
	}
	v, _ := m.services.LoadOrStore(service, &serviceHealth{rec: model.HealthRecord{
		Service: service,
		Status:  model.HealthHealthy,
		Source:  model.HealthSourceDerived,
	}})
	return v.(*serviceHealth)
}

// RecordOutcome updates the service's record from one attempt outcome. A
// success resets the failure count; failures move the service to degraded
// and then down as the thresholds are crossed. Any outcome replaces an
// external override.
func (m *Monitor) RecordOutcome(ctx context.Context, outcome model.Outcome) {
	m.mu.RLock()
	t := m.thresholds
	m.mu.RUnlock()

	e := m.entry(outcome.Service)
	e.mu.Lock()
	prev := e.rec.Status
	if outcome.Succeeded {
		e.rec.ConsecutiveFailures = 0
		e.rec.LastError = ""
		e.rec.Status = model.HealthHealthy
	} else {
		e.rec.ConsecutiveFailures++
		e.rec.LastError = outcome.Error
		switch {
		case e.rec.ConsecutiveFailures >= t.Down:
			e.rec.Status = model.HealthDown
		case e.rec.ConsecutiveFailures >= t.Degraded:
			e.rec.Status = model.HealthDegraded
		default:
			e.rec.Status = model.HealthHealthy
		}
	}
	e.rec.Source = model.HealthSourceDerived
	e.rec.UpdatedAt = outcome.At
	if e.rec.UpdatedAt.IsZero() {
		e.rec.UpdatedAt = time.Now()
	}
	rec := e.rec
	m.persist(ctx, &rec)
	e.mu.Unlock()

	if rec.Status != prev {
		m.logger.Info("Service health changed",
			zap.String("service", rec.Service),
			zap.String("from", string(prev)),
			zap.String("to", string(rec.Status)),
			zap.Int("consecutive_failures", rec.ConsecutiveFailures))
		m.notify(rec)
	}
}

// ReportExternalHealth overrides the derived status of a service until the
// next outcome is recorded for it.
func (m *Monitor) ReportExternalHealth(ctx context.Context, service string, status model.HealthStatus, reason string) error {
	if service == "" {
		return &model.ValidationError{Subject: "health report", Reason: "service is required"}
	}
	if !status.Valid() {
		return &model.ValidationError{Subject: service, Reason: fmt.Sprintf("unknown health status %q", status)}
	}

	e := m.entry(service)
	e.mu.Lock()
	prev := e.rec.Status
	e.rec.Status = status
	e.rec.Source = model.HealthSourceExternal
	e.rec.LastError = reason
	e.rec.UpdatedAt = time.Now()
	rec := e.rec
	m.persist(ctx, &rec)
	e.mu.Unlock()

	m.logger.Info("External health report",
		zap.String("service", service),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	if rec.Status != prev {
		m.notify(rec)
	}
	return nil
}

func (m *Monitor) persist(ctx context.Context, rec *model.HealthRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveHealth(ctx, rec); err != nil {
		m.logger.Error("Failed to persist health record",
			zap.String("service", rec.Service),
			zap.Error(err))
	}
}

func (m *Monitor) notify(rec model.HealthRecord) {
	m.mu.RLock()
	fns := append([]func(model.HealthRecord){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// ServiceStatus returns the current status; a service with no record is healthy.
func (m *Monitor) ServiceStatus(service string) model.HealthStatus {
	v, ok := m.services.Load(service)
	if !ok {
		return model.HealthHealthy
	}
	e := v.(*serviceHealth)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Status
}

// Admit checks the services a task depends on and returns a
// DependencyUnhealthyError for the first one that is down.
func (m *Monitor) Admit(task string, services []string) error {
	for _, svc := range services {
		if status := m.ServiceStatus(svc); !status.Admits() {
			return &model.DependencyUnhealthyError{Task: task, Service: svc, Status: status}
		}
	}
	return nil
}

// Records returns a snapshot of all health records ordered by service
func (m *Monitor) Records() []model.HealthRecord {
	var out []model.HealthRecord
	m.services.Range(func(_, value interface{}) bool {
		e := value.(*serviceHealth)
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
