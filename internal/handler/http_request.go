package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// maxResponseSize caps how much of a worker's response becomes task output.
const maxResponseSize = 4 << 20

// HTTPHandler posts the task input to a remote worker. A 2xx response body
// is the task output; any other status fails the attempt.
type HTTPHandler struct {
	logger     *zap.Logger
	url        string
	method     string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPHandler creates a new HTTP handler. The attempt context bounds
// each request, so the client carries no timeout of its own.
func NewHTTPHandler(logger *zap.Logger, url, method string, headers map[string]string) *HTTPHandler {
	if method == "" {
		method = http.MethodPost
	}
	return &HTTPHandler{
		logger:     logger,
		url:        url,
		method:     method,
		headers:    headers,
		httpClient: &http.Client{},
	}
}

// Execute performs the HTTP request
func (h *HTTPHandler) Execute(ctx context.Context, input *model.HandlerInput) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(input.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Name", input.TaskName)
	req.Header.Set("X-Instance-Id", input.InstanceID)
	req.Header.Set("X-Correlation-Id", input.CorrelationID)
	req.Header.Set("X-Attempt", fmt.Sprint(input.Attempt))
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	h.logger.Debug("Executing HTTP request",
		zap.String("method", h.method),
		zap.String("url", h.url),
		zap.String("instance_id", input.InstanceID))

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	h.logger.Debug("HTTP request completed",
		zap.String("instance_id", input.InstanceID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return body, nil
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
