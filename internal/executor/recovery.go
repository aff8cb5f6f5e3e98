package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

// AbortRun moves every non-terminal instance of the run to Aborted and
// stops its local execution. Terminal instances keep their state and
// result. It returns the instances it aborted.
func (e *Engine) AbortRun(ctx context.Context, runID string) ([]*model.TaskInstance, error) {
	instances, err := e.store.QueryInstances(ctx, storage.InstanceFilter{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of run %s: %w", runID, err)
	}

	var aborted []*model.TaskInstance
	for _, inst := range instances {
		ok, err := e.abortInstance(ctx, inst)
		if err != nil {
			return aborted, err
		}
		if !ok {
			continue
		}
		aborted = append(aborted, inst)

		e.mu.Lock()
		if en, tracked := e.inflight[inst.ID]; tracked {
			switch en.state {
			case entryRunning:
				if en.cancel != nil {
					en.cancel()
				}
			case entryWaiting:
				if en.timer != nil {
					en.timer.Stop()
				}
				delete(e.inflight, inst.ID)
			}
			// a queued entry is dropped when a worker loads the Aborted state
		}
		e.mu.Unlock()

		e.logger.Info("Task aborted",
			zap.String("instance_id", inst.ID),
			zap.String("task", inst.TaskName),
			zap.String("run_id", runID))
		e.publish(ctx, model.TopicTaskAborted, inst, nil)
		e.notifySettled(inst)
	}
	return aborted, nil
}

// abortInstance writes Aborted, reloading on conflict until the write wins
// or the instance is terminal.
func (e *Engine) abortInstance(ctx context.Context, inst *model.TaskInstance) (bool, error) {
	for {
		if inst.State.IsTerminal() {
			return false, nil
		}
		now := time.Now()
		next := inst.Clone()
		next.EndedAt = &now
		next.NextAttemptAt = nil
		next.ErrorKind = model.ErrorKindAborted
		next.Transition(model.TaskStateAborted, now)

		err := e.store.UpdateInstance(ctx, next)
		if err == nil {
			*inst = *next
			return true, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return false, fmt.Errorf("failed to abort instance %s: %w", inst.ID, err)
		}
		fresh, err := e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		*inst = *fresh
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.config().SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := e.Sweep(ctx, now); err != nil {
				e.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep re-drives non-terminal instances this process does not track: a
// Running instance past its deadline plus the grace period is failed with a
// timeout, a Failed one continues to Retrying, a Retrying one gets its
// timer back and an admitted Pending one is queued again.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	instances, err := e.store.QueryInstances(ctx, storage.InstanceFilter{
		States: []model.TaskState{
			model.TaskStatePending,
			model.TaskStateRunning,
			model.TaskStateFailed,
			model.TaskStateRetrying,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to query open instances: %w", err)
	}

	grace := e.config().GracePeriod
	recovered := 0
	for _, inst := range instances {
		if e.tracked(inst.ID) {
			continue
		}

		switch inst.State {
		case model.TaskStatePending:
			if inst.QueuedAt == nil {
				// run instances are dispatched by the scheduler
				if inst.RunID != "" {
					continue
				}
				if err := e.Dispatch(ctx, inst); err != nil {
					if !errors.Is(err, model.ErrAlreadyDispatched) {
						e.logger.Warn("Failed to dispatch stranded instance",
							zap.String("instance_id", inst.ID),
							zap.Error(err))
					}
					continue
				}
				recovered++
				continue
			}
			if e.enqueue(inst, inst.ScheduledAt) {
				recovered++
			}

		case model.TaskStateRunning:
			if inst.Deadline == nil || !now.After(inst.Deadline.Add(grace)) {
				continue
			}
			def, policy := e.policyFor(inst)
			record := model.AttemptRecord{
				Attempt: inst.Attempt,
				EndedAt: now,
				Error:   (&model.TimeoutError{Task: inst.TaskName, Timeout: def.Timeout}).Error(),
				Kind:    model.ErrorKindTimeout,
			}
			if inst.StartedAt != nil {
				record.StartedAt = *inst.StartedAt
			}
			if r := e.fail(ctx, inst, policy, record); r != nil {
				e.scheduleRetry(r)
			}
			recovered++

		case model.TaskStateFailed:
			var delay time.Duration
			if n := len(inst.Attempts); n > 0 {
				delay = inst.Attempts[n-1].Backoff
			}
			if r := e.toRetrying(ctx, inst, delay); r != nil {
				e.scheduleRetry(r)
			}
			recovered++

		case model.TaskStateRetrying:
			var delay time.Duration
			if inst.NextAttemptAt != nil {
				delay = max(inst.NextAttemptAt.Sub(now), 0)
			}
			e.scheduleRetry(&retryDirective{inst: inst, delay: delay})
			recovered++
		}
	}

	if recovered > 0 {
		e.logger.Info("Sweep recovered instances", zap.Int("count", recovered))
	}
	return nil
}

func (e *Engine) tracked(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) scheduleRetry(r *retryDirective) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[r.inst.ID]; ok {
		return
	}
	en := &entry{}
	e.inflight[r.inst.ID] = en
	e.armRetryLocked(en, r)
}

func (e *Engine) policyFor(inst *model.TaskInstance) (*model.TaskDefinition, model.RetryPolicy) {
	def, err := e.defs.Get(inst.TaskName)
	if err != nil {
		inst.MaxAttempts = inst.Attempt
		return &model.TaskDefinition{Name: inst.TaskName}, model.RetryPolicy{}
	}
	return def, def.Retry
}

// Replay creates and dispatches a fresh instance from a dead-letter entry.
// Claiming the entry and storing the instance happen in one transaction, so
// an entry is replayed at most once and never without an instance. The new
// instance belongs to no run; its correlation id links it to the original.
func (e *Engine) Replay(ctx context.Context, deadLetterID string) (*model.TaskInstance, error) {
	entry, err := e.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if entry.ReplayedAt != nil {
		return nil, model.ErrAlreadyReplayed
	}
	def, err := e.defs.Get(entry.TaskName)
	if err != nil {
		return nil, fmt.Errorf("cannot replay %s: %w", deadLetterID, err)
	}

	now := time.Now()
	correlation := entry.RunID
	if correlation == "" {
		correlation = entry.InstanceID
	}
	inst := &model.TaskInstance{
		ID:            uuid.New().String(),
		TaskName:      entry.TaskName,
		Workflow:      entry.Workflow,
		CorrelationID: correlation,
		State:         model.TaskStatePending,
		Priority:      def.Priority,
		MaxAttempts:   def.Retry.MaxAttempts,
		Input:         entry.Input,
		ReplayOf:      entry.InstanceID,
		ScheduledAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// stored admitted; if the process dies before enqueueing, Sweep picks it up
	inst.QueuedAt = &now
	if err := e.store.ReplayDeadLetter(ctx, deadLetterID, inst); err != nil {
		return nil, err
	}
	e.enqueue(inst, inst.ScheduledAt)

	e.logger.Info("Dead letter replayed",
		zap.String("dead_letter_id", deadLetterID),
		zap.String("instance_id", inst.ID),
		zap.String("replay_of", entry.InstanceID))
	return inst, nil
}
