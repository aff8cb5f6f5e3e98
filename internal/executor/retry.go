package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// fail records a failed attempt. With attempts left the instance moves
// Failed then Retrying and a retry directive is returned; otherwise it is
// dead-lettered.
func (e *Engine) fail(ctx context.Context, inst *model.TaskInstance, policy model.RetryPolicy, record model.AttemptRecord) *retryDirective {
	inst.Error = record.Error
	inst.ErrorKind = record.Kind
	inst.EndedAt = &record.EndedAt

	if inst.Attempt >= inst.MaxAttempts {
		e.deadLetter(ctx, inst, record)
		return nil
	}

	delay := e.jittered(policy.Delay(inst.Attempt))
	record.Backoff = delay
	inst.Attempts = append(inst.Attempts, record)
	inst.Transition(model.TaskStateFailed, record.EndedAt)
	if !e.persist(ctx, inst) {
		return nil
	}
	e.logger.Warn("Task attempt failed",
		zap.String("instance_id", inst.ID),
		zap.String("task", inst.TaskName),
		zap.Int("attempt", inst.Attempt),
		zap.Int("max_attempts", inst.MaxAttempts),
		zap.String("kind", string(record.Kind)),
		zap.String("error", record.Error))
	e.recordOutcome(ctx, inst, record)
	e.publish(ctx, model.TopicTaskFailed, inst, map[string]interface{}{
		"error": record.Error,
		"kind":  string(record.Kind),
	})

	return e.toRetrying(ctx, inst, delay)
}

// toRetrying moves a Failed instance to Retrying with its next attempt time.
func (e *Engine) toRetrying(ctx context.Context, inst *model.TaskInstance, delay time.Duration) *retryDirective {
	now := time.Now()
	next := now.Add(delay)
	inst.NextAttemptAt = &next
	inst.Transition(model.TaskStateRetrying, now)
	if !e.persist(ctx, inst) {
		return nil
	}
	e.logger.Info("Retry scheduled",
		zap.String("instance_id", inst.ID),
		zap.String("task", inst.TaskName),
		zap.Int("next_attempt", inst.Attempt+1),
		zap.Duration("delay", delay))
	e.publish(ctx, model.TopicTaskRetrying, inst, map[string]interface{}{
		"delay_ms": delay.Milliseconds(),
	})
	return &retryDirective{inst: inst, delay: delay}
}

// deadLetter appends the entry before moving the instance, so every
// DeadLettered instance has exactly one entry.
func (e *Engine) deadLetter(ctx context.Context, inst *model.TaskInstance, record model.AttemptRecord) {
	inst.Attempts = append(inst.Attempts, record)
	entry := &model.DeadLetterEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		TaskName:   inst.TaskName,
		Workflow:   inst.Workflow,
		RunID:      inst.RunID,
		Input:      inst.Input,
		Error:      record.Error,
		Attempts:   inst.Attempts,
		CreatedAt:  record.EndedAt,
	}
	if err := e.store.AppendDeadLetter(ctx, entry); err != nil && !errors.Is(err, model.ErrConflict) {
		// left Running; the sweep retries once the deadline passes
		e.logger.Error("Failed to append dead letter",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		return
	}

	inst.Transition(model.TaskStateDeadLettered, record.EndedAt)
	if !e.persist(ctx, inst) {
		return
	}

	dlErr := &model.DeadLetterError{InstanceID: inst.ID, Task: inst.TaskName, Attempts: inst.Attempt, Last: record.Error}
	e.logger.Error("Task dead-lettered",
		zap.String("instance_id", inst.ID),
		zap.String("task", inst.TaskName),
		zap.String("run_id", inst.RunID),
		zap.Error(dlErr))
	e.recordOutcome(ctx, inst, record)
	e.publish(ctx, model.TopicTaskDeadLettered, inst, map[string]interface{}{
		"error":    record.Error,
		"attempts": inst.Attempt,
	})
	e.notifySettled(inst)
}

// MaxJitter is the largest relative deviation applied to a retry delay.
const MaxJitter = 0.1

// jittered spreads d uniformly within the configured relative jitter,
// never beyond MaxJitter.
func (e *Engine) jittered(d time.Duration) time.Duration {
	j := e.config().Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > MaxJitter {
		j = MaxJitter
	}
	f := 1 + j*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
