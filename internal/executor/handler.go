package executor

import (
	"context"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// TaskHandler defines the interface for task handlers. Execute may be
// invoked more than once for the same instance and must honor ctx.
type TaskHandler interface {
	Execute(ctx context.Context, input *model.HandlerInput) ([]byte, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, input *model.HandlerInput) ([]byte, error)

// Execute implements TaskHandler.
func (f HandlerFunc) Execute(ctx context.Context, input *model.HandlerInput) ([]byte, error) {
	return f(ctx, input)
}
