package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// ContainerHandler runs each attempt in a fresh container. The input is
// passed in TASK_INPUT, stdout is the output and a non-zero exit code fails
// the attempt with the tail of stderr.
type ContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
	image  string
	cmd    []string
	env    map[string]string
}

// NewContainerHandler creates a container handler with a Docker client
// configured from the environment.
func NewContainerHandler(logger *zap.Logger, image string, cmd []string, env map[string]string) (*ContainerHandler, error) {
	// Initialize Docker client with API version negotiation
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerHandler{
		logger: logger,
		docker: docker,
		image:  image,
		cmd:    cmd,
		env:    env,
	}, nil
}

// Execute runs the container to completion or until ctx is done, in which
// case the container is killed.
func (h *ContainerHandler) Execute(ctx context.Context, input *model.HandlerInput) ([]byte, error) {
	resp, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image: h.image,
		Cmd:   h.cmd,
		Env:   containerEnv(input, h.env),
		Labels: map[string]string{
			"pipeline.task":        input.TaskName,
			"pipeline.instance_id": input.InstanceID,
		},
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID
	defer h.remove(id)

	if err := h.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	h.logger.Debug("Container started",
		zap.String("container_id", id),
		zap.String("image", h.image),
		zap.String("instance_id", input.InstanceID))

	statusCh, errCh := h.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reader, err := h.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	stdout, stderr, err := demultiplex(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("container exited with code %d: %s", exitCode, truncate(stderr, 512))
	}
	return stdout, nil
}

// remove force-removes the container, which also kills it if still running.
func (h *ContainerHandler) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		h.logger.Warn("Failed to remove container",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

// Close releases the Docker client
func (h *ContainerHandler) Close() error {
	return h.docker.Close()
}

func containerEnv(input *model.HandlerInput, extra map[string]string) []string {
	env := []string{
		"TASK_INPUT=" + string(input.Payload),
		"TASK_NAME=" + input.TaskName,
		"TASK_INSTANCE_ID=" + input.InstanceID,
		"TASK_CORRELATION_ID=" + input.CorrelationID,
		fmt.Sprintf("TASK_ATTEMPT=%d", input.Attempt),
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// demultiplex splits a Docker log stream into stdout and stderr.
func demultiplex(r io.Reader) (stdout, stderr []byte, err error) {
	var out, errOut bytes.Buffer
	scanner := NewDockerLogScanner(r)
	for scanner.Scan() {
		switch scanner.Stream() {
		case StreamStderr:
			errOut.Write(scanner.Bytes())
		default:
			out.Write(scanner.Bytes())
		}
	}
	return out.Bytes(), errOut.Bytes(), scanner.Err()
}

// Stream identifiers of the Docker multiplexed log format
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// DockerLogScanner is a custom scanner for Docker logs
type DockerLogScanner struct {
	reader io.Reader
	header [8]byte
	stream byte
	buffer []byte
	err    error
}

// NewDockerLogScanner creates a new Docker log scanner
func NewDockerLogScanner(reader io.Reader) *DockerLogScanner {
	return &DockerLogScanner{
		reader: reader,
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances the scanner to the next frame
func (s *DockerLogScanner) Scan() bool {
	// Docker log format: [8]byte{STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4}, size big-endian
	if _, err := io.ReadFull(s.reader, s.header[:]); err != nil {
		s.err = err
		return false
	}
	s.stream = s.header[0]
	size := int(binary.BigEndian.Uint32(s.header[4:]))

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		s.err = err
		return false
	}
	return true
}

// Stream returns the stream the current frame belongs to
func (s *DockerLogScanner) Stream() byte {
	return s.stream
}

// Bytes returns the current frame; the slice is reused by the next Scan.
func (s *DockerLogScanner) Bytes() []byte {
	return s.buffer
}

// Text returns the current frame as a string
func (s *DockerLogScanner) Text() string {
	return string(s.buffer)
}

// Err returns any error that occurred during scanning
func (s *DockerLogScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
