package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

type attemptResult struct {
	output []byte
	err    error
	kind   model.ErrorKind
}

// invoke runs the handler bound to def under the task timeout. runCtx is
// cancelled by an abort. A handler that ignores cancellation is given the
// grace period and then abandoned; its result, if it ever returns, is
// discarded.
func (e *Engine) invoke(runCtx context.Context, def *model.TaskDefinition, inst *model.TaskInstance) attemptResult {
	h := e.handler(def.Handler)
	if h == nil {
		return attemptResult{
			err:  &model.HandlerError{Task: inst.TaskName, Attempt: inst.Attempt, Err: fmt.Errorf("%w: %s", model.ErrUnknownHandler, def.Handler)},
			kind: model.ErrorKindHandler,
		}
	}

	input := &model.HandlerInput{
		InstanceID:    inst.ID,
		TaskName:      inst.TaskName,
		Workflow:      inst.Workflow,
		RunID:         inst.RunID,
		CorrelationID: inst.CorrelationID,
		Attempt:       inst.Attempt,
		Payload:       inst.Input,
	}
	if len(input.Payload) == 0 {
		input.Payload = def.Payload
	}

	attemptCtx, cancel := context.WithTimeout(runCtx, def.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{
					err:  &model.HandlerError{Task: inst.TaskName, Attempt: inst.Attempt, Err: fmt.Errorf("handler panicked: %v", r)},
					kind: model.ErrorKindCrash,
				}
			}
		}()
		out, err := h.Execute(attemptCtx, input)
		if err != nil {
			done <- attemptResult{
				err:  &model.HandlerError{Task: inst.TaskName, Attempt: inst.Attempt, Err: err},
				kind: model.ErrorKindHandler,
			}
			return
		}
		done <- attemptResult{output: out}
	}()

	select {
	case res := <-done:
		if attemptCtx.Err() != nil && res.err != nil {
			// the handler gave up because of the context
			return e.classify(runCtx, def)
		}
		return res
	case <-attemptCtx.Done():
	}

	select {
	case <-done:
	case <-time.After(e.config().GracePeriod):
		e.logger.Warn("Handler ignored cancellation, abandoning attempt",
			zap.String("instance_id", inst.ID),
			zap.String("task", inst.TaskName),
			zap.Int("attempt", inst.Attempt))
	}
	return e.classify(runCtx, def)
}

func (e *Engine) classify(runCtx context.Context, def *model.TaskDefinition) attemptResult {
	if runCtx.Err() != nil {
		return attemptResult{err: runCtx.Err(), kind: model.ErrorKindAborted}
	}
	return attemptResult{
		err:  &model.TimeoutError{Task: def.Name, Timeout: def.Timeout},
		kind: model.ErrorKindTimeout,
	}
}
