package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// ShellCommandHandler runs a local command per attempt. The task input is
// written to stdin and stdout is the task output.
type ShellCommandHandler struct {
	logger     *zap.Logger
	command    string
	args       []string
	env        map[string]string
	workingDir string
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger, command string, args []string, env map[string]string, workingDir string) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger:     logger,
		command:    command,
		args:       args,
		env:        env,
		workingDir: workingDir,
	}
}

// Execute runs the shell command; cancelling ctx kills the process.
func (h *ShellCommandHandler) Execute(ctx context.Context, input *model.HandlerInput) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Dir = h.workingDir
	// children holding stdout open must not outlive a kill indefinitely
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(input.Payload)
	cmd.Env = append(os.Environ(),
		"TASK_NAME="+input.TaskName,
		"TASK_INSTANCE_ID="+input.InstanceID,
		"TASK_CORRELATION_ID="+input.CorrelationID,
		fmt.Sprintf("TASK_ATTEMPT=%d", input.Attempt),
	)
	for k, v := range h.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug("Executing shell command",
		zap.String("command", h.command),
		zap.Strings("args", h.args),
		zap.String("instance_id", input.InstanceID))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), truncate(stderr.Bytes(), 512))
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	return stdout.Bytes(), nil
}
