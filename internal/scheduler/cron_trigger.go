package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// maxSkipScan caps how many missed instants are counted after a long outage.
const maxSkipScan = 10000

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// CronTriggerKey identifies the run fired for one instant of a time trigger.
func CronTriggerKey(workflow, task string, at time.Time) string {
	return fmt.Sprintf("cron/%s/%s/%d", workflow, task, at.Unix())
}

func (s *Scheduler) evaluateTriggers(ctx context.Context, wf *model.WorkflowDefinition, now time.Time) error {
	var errs []error
	for _, def := range wf.Tasks {
		if def.Schedule == "" {
			continue
		}
		if err := s.evaluateTrigger(ctx, wf, def, now); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", model.TriggerID(wf.Name, def.Name), err))
		}
	}
	return errors.Join(errs...)
}

// evaluateTrigger fires one run for every instant of the task's schedule
// between the last evaluation and now. Instants older than the catch-up
// window are logged and dropped. A trigger seen for the first time starts
// at now and never fires retroactively; a disabled task only moves its
// cursor forward.
func (s *Scheduler) evaluateTrigger(ctx context.Context, wf *model.WorkflowDefinition, def *model.TaskDefinition, now time.Time) error {
	sched, err := model.ParseSchedule(def.Schedule)
	if err != nil {
		return err
	}
	cfg := s.config()
	now = now.In(cfg.Location)

	id := model.TriggerID(wf.Name, def.Name)
	state, err := s.store.GetTrigger(ctx, id)
	switch {
	case model.IsNotFound(err):
		state = &model.CronSchedule{
			ID:            id,
			Workflow:      wf.Name,
			TaskName:      def.Name,
			LastEvaluated: now,
		}
	case err != nil:
		return err
	}
	state.Expression = def.Schedule

	cursor := state.LastEvaluated.In(cfg.Location)
	if def.Disabled {
		cursor = now
	}

	windowStart := now.Add(-cfg.CatchUpWindow)
	if cursor.Before(windowStart) {
		s.skipMissed(wf.Name, def.Name, sched.Next, cursor, windowStart)
		// Next rounds up to the following second, so this lands on windowStart
		cursor = windowStart.Add(-time.Nanosecond)
	}

	var fireErr error
	for at := sched.Next(cursor); !at.IsZero() && !at.After(now); at = sched.Next(at) {
		if err := s.fire(ctx, wf.Name, def.Name, at); err != nil {
			fireErr = err
			break
		}
		fired := at
		state.LastFired = &fired
		cursor = at
	}
	if fireErr == nil {
		cursor = now
	}

	state.LastEvaluated = cursor
	next := sched.Next(now)
	state.NextRunTime = &next
	state.UpdatedAt = time.Now()
	if err := s.store.SaveTrigger(ctx, state); err != nil {
		return err
	}
	return fireErr
}

func (s *Scheduler) skipMissed(workflow, task string, next func(time.Time) time.Time, from, until time.Time) {
	var first, last time.Time
	count := 0
	for at := next(from); !at.IsZero() && at.Before(until) && count < maxSkipScan; at = next(at) {
		if count == 0 {
			first = at
		}
		last = at
		count++
	}
	if count == 0 {
		return
	}
	s.logger.Warn("Skipping missed trigger instants outside catch-up window",
		zap.String("workflow", workflow),
		zap.String("task", task),
		zap.Int("skipped", count),
		zap.Time("first", first),
		zap.Time("last", last))
}

func (s *Scheduler) fire(ctx context.Context, workflow, task string, at time.Time) error {
	key := CronTriggerKey(workflow, task, at)
	run, err := s.startRun(ctx, RunRequest{
		Workflow:     workflow,
		Trigger:      model.TriggerCron,
		TriggerKey:   key,
		ScheduledFor: at,
	})
	if errors.Is(err, model.ErrDuplicateTrigger) {
		s.logger.Debug("Trigger instant already fired", zap.String("trigger_key", key))
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Time trigger fired",
		zap.String("workflow", workflow),
		zap.String("task", task),
		zap.Time("instant", at),
		zap.String("run_id", run.ID))
	return nil
}
