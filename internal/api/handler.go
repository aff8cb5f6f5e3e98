package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/executor"
	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/scheduler"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

// Store is the read side of persistence used by the API.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	QueryRuns(ctx context.Context, f storage.RunFilter) ([]*model.WorkflowRun, error)
	QueryInstances(ctx context.Context, f storage.InstanceFilter) ([]*model.TaskInstance, error)
	ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]*model.DeadLetterEntry, error)
	ListAlerts(ctx context.Context, activeOnly bool, limit int) ([]*model.Alert, error)
}

// Workflows lists registered workflows.
type Workflows interface {
	Workflows() []*model.WorkflowDefinition
}

// Runs starts and aborts workflow runs.
type Runs interface {
	StartRun(ctx context.Context, req scheduler.RunRequest) (*model.WorkflowRun, error)
	AbortRun(ctx context.Context, runID string) (*model.WorkflowRun, error)
}

// Engine replays dead letters and reports pool usage.
type Engine interface {
	Replay(ctx context.Context, deadLetterID string) (*model.TaskInstance, error)
	Stats() executor.Stats
}

// Health reads and overrides service health.
type Health interface {
	Records() []model.HealthRecord
	ReportExternalHealth(ctx context.Context, service string, status model.HealthStatus, reason string) error
}

// HealthReporter publishes health reports to every orchestrator process.
type HealthReporter interface {
	ReportHealth(ctx context.Context, report service.HealthReport) error
}

// AlertRules manages alert rules.
type AlertRules interface {
	Rules() []*model.AlertRule
	GetRule(id string) (*model.AlertRule, error)
	AddRule(rule *model.AlertRule) error
	UpdateRule(rule *model.AlertRule) error
	DeleteRule(id string) error
	ActiveAlerts() []*model.Alert
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store     Store
	workflows Workflows
	runs      Runs
	engine    Engine
	health    Health
	alerts    AlertRules
	reporter  HealthReporter
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(store Store, workflows Workflows, runs Runs, engine Engine, health Health, alerts AlertRules, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		workflows: workflows,
		runs:      runs,
		engine:    engine,
		health:    health,
		alerts:    alerts,
		logger:    logger.Named("api"),
	}
}

// SetHealthReporter makes health reports go through r instead of only the
// local monitor, so processes sharing the work see the same override.
func (h *Handler) SetHealthReporter(r HealthReporter) {
	h.reporter = r
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.healthCheck)

	r.Get("/workflows", h.listWorkflows)
	r.Post("/workflows/{name}/runs", h.startRun)

	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.getRun)
	r.Post("/runs/{id}/abort", h.abortRun)

	r.Get("/deadletters", h.listDeadLetters)
	r.Post("/deadletters/{id}/replay", h.replayDeadLetter)

	r.Get("/services", h.listServices)
	r.Put("/services/{service}/health", h.reportHealth)

	r.Get("/alerts", h.listAlerts)
	r.Get("/alerts/rules", h.listRules)
	r.Post("/alerts/rules", h.addRule)
	r.Get("/alerts/rules/{id}", h.getRule)
	r.Put("/alerts/rules/{id}", h.updateRule)
	r.Delete("/alerts/rules/{id}", h.deleteRule)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"engine": h.engine.Stats(),
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workflows.Workflows())
}

type startRunRequest struct {
	// Key makes the request idempotent: a second run with the same key is rejected.
	Key string `json:"key"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	name := chi.URLParam(r, "name")
	rr := scheduler.RunRequest{Workflow: name, Trigger: model.TriggerManual}
	if req.Key != "" {
		rr.TriggerKey = "manual/" + name + "/" + req.Key
	}
	run, err := h.runs.StartRun(r.Context(), rr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RunFilter{Workflow: q.Get("workflow"), Limit: intParam(r, "limit", 50), Offset: intParam(r, "offset", 0)}
	if st := q.Get("status"); st != "" {
		f.Statuses = []model.RunStatus{model.RunStatus(st)}
	}
	runs, err := h.store.QueryRuns(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*model.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runView struct {
	*model.WorkflowRun
	Tasks []*model.TaskInstance `json:"tasks"`
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	instances, err := h.store.QueryInstances(r.Context(), storage.InstanceFilter{RunID: run.ID})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runView{WorkflowRun: run, Tasks: instances})
}

func (h *Handler) abortRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.AbortRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.store.ListDeadLetters(r.Context(), storage.DeadLetterFilter{
		Unreplayed: q.Get("unreplayed") == "true",
		TaskName:   q.Get("task"),
		Limit:      intParam(r, "limit", 50),
		Offset:     intParam(r, "offset", 0),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*model.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Records())
}

type healthReport struct {
	Status model.HealthStatus `json:"status"`
	Reason string             `json:"reason"`
}

func (h *Handler) reportHealth(w http.ResponseWriter, r *http.Request) {
	var req healthReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := chi.URLParam(r, "service")
	if h.reporter != nil {
		if !req.Status.Valid() {
			h.writeError(w, &model.ValidationError{Subject: name, Reason: "unknown health status " + string(req.Status)})
			return
		}
		report := service.HealthReport{Service: name, Status: req.Status, Reason: req.Reason}
		if err := h.reporter.ReportHealth(r.Context(), report); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"service": name, "status": string(req.Status)})
		return
	}
	if err := h.health.ReportExternalHealth(r.Context(), name, req.Status, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": name, "status": string(req.Status)})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, h.alerts.ActiveAlerts())
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), false, intParam(r, "limit", 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alerts.Rules())
}

func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.alerts.AddRule(&rule); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.alerts.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := h.alerts.UpdateRule(&rule); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.alerts.DeleteRule(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the typed errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	status := http.StatusInternalServerError
	switch {
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateTrigger),
		errors.Is(err, model.ErrRunTerminal),
		errors.Is(err, model.ErrAlreadyReplayed):
		status = http.StatusConflict
	default:
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
