package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/resolver"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

// advance moves a run forward from the persisted state of its instances:
// downstream tasks of failed ones are skipped, tasks whose dependencies all
// succeeded get a Pending instance, Pending instances pass the health gate
// and are dispatched, and a run whose instances are all terminal is
// finished.
func (s *Scheduler) advance(ctx context.Context, run *model.WorkflowRun) error {
	if run.Status.IsTerminal() {
		return nil
	}
	wf, err := s.defs.Workflow(run.Workflow)
	if err != nil {
		return s.finish(ctx, run, model.RunStatusFailed, fmt.Sprintf("workflow %s is not registered", run.Workflow))
	}
	graph, err := s.defs.Graph(run.Workflow)
	if err != nil {
		return err
	}
	order, err := graph.Order()
	if err != nil {
		return err
	}

	instances, err := s.store.QueryInstances(ctx, storage.InstanceFilter{RunID: run.ID})
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	byTask := make(map[string]*model.TaskInstance, len(instances))
	for _, inst := range instances {
		byTask[inst.TaskName] = inst
	}
	if run.Instances == nil {
		run.Instances = map[string]string{}
	}
	dirty := false
	for name, inst := range byTask {
		if run.Instances[name] != inst.ID {
			run.Instances[name] = inst.ID
			dirty = true
		}
	}

	// a task that ended without succeeding skips its whole subtree; order is
	// topological, so the cause recorded is the furthest upstream one
	for _, name := range order {
		cause, ok := byTask[name]
		if !ok || !endedUnsuccessfully(cause) {
			continue
		}
		for _, down := range graph.Descendants(name) {
			if _, exists := byTask[down]; exists {
				continue
			}
			inst, err := s.createSkipped(ctx, run, down, cause)
			if err != nil {
				return s.conflictOrErr(err, run, down)
			}
			byTask[down] = inst
			run.Instances[down] = inst.ID
			dirty = true
		}
	}

	if wf.FailFast {
		if failed := fatalFailure(graph, byTask); failed != nil {
			return s.failFast(ctx, run, failed)
		}
	}

	completed := make(map[string]bool, len(byTask))
	for name, inst := range byTask {
		if inst.State == model.TaskStateSucceeded {
			completed[name] = true
		}
	}
	for _, name := range graph.ReadyTasks(run, completed) {
		def, _ := graph.Task(name)
		inst, err := s.createPending(ctx, run, graph, def, byTask)
		if err != nil {
			return s.conflictOrErr(err, run, name)
		}
		byTask[name] = inst
		run.Instances[name] = inst.ID
		dirty = true
	}

	if run.Status == model.RunStatusCreated && len(run.Instances) > 0 {
		now := time.Now()
		run.Status = model.RunStatusRunning
		run.StartedAt = &now
		dirty = true
		s.publish(ctx, &model.Event{
			ID:       run.ID + ":" + string(model.TopicWorkflowStarted),
			Topic:    model.TopicWorkflowStarted,
			Workflow: run.Workflow,
			RunID:    run.ID,
			Data: map[string]interface{}{
				"trigger":     string(run.Trigger),
				"trigger_key": run.TriggerKey,
			},
		})
	}
	if dirty {
		run.UpdatedAt = time.Now()
		if stop, err := s.saveRun(ctx, run); err != nil || stop {
			return err
		}
	}

	for _, name := range order {
		inst, ok := byTask[name]
		if !ok || inst.State != model.TaskStatePending || inst.QueuedAt != nil {
			continue
		}
		def, _ := graph.Task(name)
		if err := s.admit(ctx, graph, def, inst); err != nil {
			return err
		}
	}

	return s.finalize(ctx, run, graph, byTask)
}

// conflictOrErr treats an instance another scheduler created first as a
// reason to stop this pass; the next pass sees it.
func (s *Scheduler) conflictOrErr(err error, run *model.WorkflowRun, task string) error {
	if errors.Is(err, model.ErrConflict) {
		s.logger.Debug("Instance already created elsewhere",
			zap.String("run_id", run.ID),
			zap.String("task", task))
		return nil
	}
	return err
}

// saveRun writes the run unless it was finished in the meantime, in which
// case the stored run is copied into run and stop is true.
func (s *Scheduler) saveRun(ctx context.Context, run *model.WorkflowRun) (stop bool, err error) {
	current, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		return true, err
	}
	if current.Status.IsTerminal() {
		*run = *current
		return true, nil
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return true, err
	}
	return false, nil
}

// endedUnsuccessfully reports whether inst is terminal without a result its
// dependents could use.
func endedUnsuccessfully(inst *model.TaskInstance) bool {
	switch inst.State {
	case model.TaskStateDeadLettered, model.TaskStateSkipped, model.TaskStateAborted:
		return true
	}
	return false
}

// fatalFailure returns a dead-lettered instance whose task may fail the run.
func fatalFailure(graph *resolver.Graph, byTask map[string]*model.TaskInstance) *model.TaskInstance {
	for _, def := range graph.Tasks() {
		inst, ok := byTask[def.Name]
		if ok && inst.State == model.TaskStateDeadLettered && !def.ContinueOnFailure {
			return inst
		}
	}
	return nil
}

func (s *Scheduler) createSkipped(ctx context.Context, run *model.WorkflowRun, name string, cause *model.TaskInstance) (*model.TaskInstance, error) {
	now := time.Now()
	inst := &model.TaskInstance{
		ID:            uuid.New().String(),
		TaskName:      name,
		Workflow:      run.Workflow,
		RunID:         run.ID,
		CorrelationID: run.ID,
		State:         model.TaskStatePending,
		Error:         fmt.Sprintf("upstream task %s ended %s", cause.TaskName, cause.State),
		ScheduledAt:   now,
		EndedAt:       &now,
		CreatedAt:     now,
	}
	inst.Transition(model.TaskStateSkipped, now)
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	s.logger.Info("Task skipped",
		zap.String("run_id", run.ID),
		zap.String("task", name),
		zap.String("upstream", cause.TaskName),
		zap.String("upstream_state", string(cause.State)))
	s.publish(ctx, &model.Event{
		ID:         fmt.Sprintf("%s:%s:%d", inst.ID, model.TopicTaskSkipped, 0),
		Topic:      model.TopicTaskSkipped,
		Workflow:   run.Workflow,
		RunID:      run.ID,
		InstanceID: inst.ID,
		TaskName:   name,
		Data:       map[string]interface{}{"upstream": cause.TaskName},
	})
	return inst, nil
}

func (s *Scheduler) createPending(ctx context.Context, run *model.WorkflowRun, graph *resolver.Graph, def *model.TaskDefinition, byTask map[string]*model.TaskInstance) (*model.TaskInstance, error) {
	input, err := inputFor(graph, def, byTask)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	scheduled := now
	if len(graph.Dependencies(def.Name)) == 0 {
		scheduled = run.ScheduledFor
	}
	inst := &model.TaskInstance{
		ID:            uuid.New().String(),
		TaskName:      def.Name,
		Workflow:      run.Workflow,
		RunID:         run.ID,
		CorrelationID: run.ID,
		State:         model.TaskStatePending,
		Priority:      def.Priority,
		MaxAttempts:   def.Retry.MaxAttempts,
		Input:         input,
		ScheduledAt:   scheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.logger.Debug("Task instance created",
		zap.String("run_id", run.ID),
		zap.String("task", def.Name),
		zap.String("instance_id", inst.ID))
	return inst, nil
}

// inputFor is the definition payload for a root task. A task with
// dependencies gets {"payload": ..., "upstream": {task: result}}.
func inputFor(graph *resolver.Graph, def *model.TaskDefinition, byTask map[string]*model.TaskInstance) ([]byte, error) {
	deps := graph.Dependencies(def.Name)
	if len(deps) == 0 {
		return slices.Clone(def.Payload), nil
	}
	upstream := make(map[string]json.RawMessage, len(deps))
	for _, dep := range deps {
		if inst, ok := byTask[dep]; ok {
			upstream[dep] = rawJSON(inst.Result)
		}
	}
	body, err := json.Marshal(struct {
		Payload  json.RawMessage            `json:"payload,omitempty"`
		Upstream map[string]json.RawMessage `json:"upstream"`
	}{rawJSON(def.Payload), upstream})
	if err != nil {
		return nil, fmt.Errorf("failed to build input for %s: %w", def.Name, err)
	}
	return body, nil
}

// rawJSON embeds b as is when it is JSON and as a string otherwise.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

// admissionServices are the services the task depends on: those of its
// upstream tasks and the ones it names in requires.
func admissionServices(graph *resolver.Graph, def *model.TaskDefinition) []string {
	var services []string
	for _, dep := range graph.Dependencies(def.Name) {
		if d, ok := graph.Task(dep); ok && !slices.Contains(services, d.ServiceName()) {
			services = append(services, d.ServiceName())
		}
	}
	for _, svc := range def.Requires {
		if !slices.Contains(services, svc) {
			services = append(services, svc)
		}
	}
	return services
}

// admit dispatches a Pending instance or leaves it Pending with the reason
// it is blocked. A blocked instance never spends an attempt.
func (s *Scheduler) admit(ctx context.Context, graph *resolver.Graph, def *model.TaskDefinition, inst *model.TaskInstance) error {
	if s.health != nil {
		if err := s.health.Admit(def.Name, admissionServices(graph, def)); err != nil {
			var unhealthy *model.DependencyUnhealthyError
			if !errors.As(err, &unhealthy) {
				return err
			}
			s.block(ctx, inst, err.Error())
			s.armRecheck()
			return nil
		}
	}

	err := s.engine.Dispatch(ctx, inst)
	switch {
	case err == nil:
		s.logger.Debug("Task admitted",
			zap.String("run_id", inst.RunID),
			zap.String("task", inst.TaskName),
			zap.String("instance_id", inst.ID))
		return nil
	case errors.Is(err, model.ErrAlreadyDispatched):
		return nil
	default:
		return fmt.Errorf("failed to dispatch %s: %w", inst.TaskName, err)
	}
}

func (s *Scheduler) block(ctx context.Context, inst *model.TaskInstance, reason string) {
	if inst.BlockedReason == reason {
		return
	}
	next := inst.Clone()
	next.BlockedReason = reason
	next.UpdatedAt = time.Now()
	if err := s.store.UpdateInstance(ctx, next); err != nil {
		if !errors.Is(err, model.ErrConflict) {
			s.logger.Warn("Failed to record blocked reason", zap.String("instance_id", inst.ID), zap.Error(err))
		}
		return
	}
	*inst = *next
	s.logger.Info("Task blocked by unhealthy dependency",
		zap.String("run_id", inst.RunID),
		zap.String("task", inst.TaskName),
		zap.String("reason", reason))
}

// finalize finishes the run once every task has a terminal instance.
func (s *Scheduler) finalize(ctx context.Context, run *model.WorkflowRun, graph *resolver.Graph, byTask map[string]*model.TaskInstance) error {
	// the graph may have changed since the run started; every current task
	// needs an instance and every instance must have ended
	for _, def := range graph.Tasks() {
		if _, ok := byTask[def.Name]; !ok {
			return nil
		}
	}
	for _, inst := range byTask {
		if !inst.State.IsTerminal() {
			return nil
		}
	}

	var reasons []string
	aborted := false
	for _, def := range graph.Tasks() {
		inst := byTask[def.Name]
		switch inst.State {
		case model.TaskStateDeadLettered:
			if !def.ContinueOnFailure {
				reasons = append(reasons, deadLetterReason(inst))
			}
		case model.TaskStateAborted:
			aborted = true
		}
	}

	switch {
	case len(reasons) > 0:
		return s.finish(ctx, run, model.RunStatusFailed, strings.Join(reasons, "; "))
	case aborted:
		return s.finish(ctx, run, model.RunStatusAborted, "instances were aborted")
	default:
		return s.finish(ctx, run, model.RunStatusCompleted, "")
	}
}

// failFast fails the run on its first fatal dead letter and aborts the rest.
func (s *Scheduler) failFast(ctx context.Context, run *model.WorkflowRun, failed *model.TaskInstance) error {
	if err := s.finish(ctx, run, model.RunStatusFailed, "fail_fast: "+deadLetterReason(failed)); err != nil {
		return err
	}
	aborted, err := s.engine.AbortRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to abort rest of run: %w", err)
	}
	s.logger.Info("Fail-fast run aborted",
		zap.String("run_id", run.ID),
		zap.String("task", failed.TaskName),
		zap.Int("aborted_instances", len(aborted)))
	return nil
}

func deadLetterReason(inst *model.TaskInstance) string {
	return (&model.DeadLetterError{
		InstanceID: inst.ID,
		Task:       inst.TaskName,
		Attempts:   len(inst.Attempts),
		Last:       inst.Error,
	}).Error()
}

var runTopics = map[model.RunStatus]model.EventTopic{
	model.RunStatusCompleted: model.TopicWorkflowCompleted,
	model.RunStatusFailed:    model.TopicWorkflowFailed,
	model.RunStatusAborted:   model.TopicWorkflowAborted,
}

// finish records the terminal status with the failed and skipped tasks and
// publishes the workflow event.
func (s *Scheduler) finish(ctx context.Context, run *model.WorkflowRun, status model.RunStatus, reason string) error {
	instances, err := s.store.QueryInstances(ctx, storage.InstanceFilter{RunID: run.ID})
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	run.FailedTasks, run.SkippedTasks = nil, nil
	for _, inst := range instances {
		switch inst.State {
		case model.TaskStateDeadLettered:
			run.FailedTasks = append(run.FailedTasks, inst.TaskName)
		case model.TaskStateSkipped:
			run.SkippedTasks = append(run.SkippedTasks, inst.TaskName)
		}
	}
	slices.Sort(run.FailedTasks)
	slices.Sort(run.SkippedTasks)

	now := time.Now()
	run.Status = status
	run.Error = reason
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Workflow),
		zap.String("status", string(status)),
	}
	if status == model.RunStatusCompleted {
		s.logger.Info("Workflow run finished", fields...)
	} else {
		s.logger.Warn("Workflow run finished", append(fields,
			zap.Strings("failed_tasks", run.FailedTasks),
			zap.Strings("skipped_tasks", run.SkippedTasks),
			zap.String("error", reason))...)
	}

	topic := runTopics[status]
	s.publish(ctx, &model.Event{
		ID:       run.ID + ":" + string(topic),
		Topic:    topic,
		Workflow: run.Workflow,
		RunID:    run.ID,
		Data: map[string]interface{}{
			"failed_tasks":  run.FailedTasks,
			"skipped_tasks": run.SkippedTasks,
			"error":         reason,
		},
	})
	return nil
}
