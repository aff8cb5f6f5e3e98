// Package handler provides the built-in handler kinds that can be bound to
// task definitions from configuration.
package handler

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/executor"
)

// Kind identifies a built-in handler implementation
type Kind string

const (
	KindHTTP      Kind = "http"
	KindShell     Kind = "shell"
	KindContainer Kind = "container"
)

// Config binds a handler name used by task definitions to a built-in kind
type Config struct {
	Name       string            `mapstructure:"name"`
	Type       Kind              `mapstructure:"type"`
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	WorkingDir string            `mapstructure:"working_dir"`
	Image      string            `mapstructure:"image"`
}

// New creates the handler described by cfg
func New(cfg Config, logger *zap.Logger) (executor.TaskHandler, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("handler name is required")
	}
	logger = logger.With(zap.String("handler", cfg.Name))

	switch cfg.Type {
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("handler %s: url is required", cfg.Name)
		}
		return NewHTTPHandler(logger, cfg.URL, cfg.Method, cfg.Headers), nil
	case KindShell:
		if cfg.Command == "" {
			return nil, fmt.Errorf("handler %s: command is required", cfg.Name)
		}
		return NewShellCommandHandler(logger, cfg.Command, cfg.Args, cfg.Env, cfg.WorkingDir), nil
	case KindContainer:
		if cfg.Image == "" {
			return nil, fmt.Errorf("handler %s: image is required", cfg.Name)
		}
		return NewContainerHandler(logger, cfg.Image, cfg.Args, cfg.Env)
	default:
		return nil, fmt.Errorf("handler %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// Build creates every configured handler, keyed by name
func Build(cfgs []Config, logger *zap.Logger) (map[string]executor.TaskHandler, error) {
	handlers := make(map[string]executor.TaskHandler, len(cfgs))
	for _, cfg := range cfgs {
		if _, dup := handlers[cfg.Name]; dup {
			Close(handlers)
			return nil, fmt.Errorf("duplicate handler %s", cfg.Name)
		}
		h, err := New(cfg, logger)
		if err != nil {
			Close(handlers)
			return nil, err
		}
		handlers[cfg.Name] = h
	}
	return handlers, nil
}

// Close releases handlers holding external clients
func Close(handlers map[string]executor.TaskHandler) {
	for _, h := range handlers {
		if c, ok := h.(io.Closer); ok {
			c.Close()
		}
	}
}
