package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

type workflowFile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	FailFast    bool       `yaml:"fail_fast"`
	Tasks       []taskFile `yaml:"tasks"`
}

type taskFile struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	Handler           string            `yaml:"handler"`
	Service           string            `yaml:"service"`
	Schedule          string            `yaml:"schedule"`
	DependsOn         []string          `yaml:"depends_on"`
	Requires          []string          `yaml:"requires"`
	Retry             model.RetryPolicy `yaml:"retry"`
	Timeout           time.Duration     `yaml:"timeout"`
	Priority          string            `yaml:"priority"`
	Enabled           *bool             `yaml:"enabled"`
	ContinueOnFailure bool              `yaml:"continue_on_failure"`
	Payload           interface{}       `yaml:"payload"`
}

// ParseWorkflow decodes a YAML workflow document.
func ParseWorkflow(data []byte) (*model.WorkflowDefinition, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}

	out := &model.WorkflowDefinition{
		Name:        wf.Name,
		Description: wf.Description,
		FailFast:    wf.FailFast,
	}
	for _, t := range wf.Tasks {
		priority, err := parsePriority(t.Priority)
		if err != nil {
			return nil, &model.ValidationError{Subject: t.Name, Err: err}
		}
		def := &model.TaskDefinition{
			Name:              t.Name,
			Workflow:          wf.Name,
			Description:       t.Description,
			Handler:           t.Handler,
			Service:           t.Service,
			Schedule:          t.Schedule,
			DependsOn:         t.DependsOn,
			Requires:          t.Requires,
			Retry:             t.Retry,
			Timeout:           t.Timeout,
			Priority:          priority,
			Disabled:          t.Enabled != nil && !*t.Enabled,
			ContinueOnFailure: t.ContinueOnFailure,
		}
		if t.Payload != nil {
			def.Payload, err = json.Marshal(t.Payload)
			if err != nil {
				return nil, &model.ValidationError{Subject: t.Name, Err: fmt.Errorf("payload: %w", err)}
			}
		}
		out.Tasks = append(out.Tasks, def)
	}
	return out, nil
}

func parsePriority(s string) (model.TaskPriority, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "low":
		return model.TaskPriorityLow, nil
	case "normal":
		return model.TaskPriorityNormal, nil
	case "high":
		return model.TaskPriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// LoadWorkflowFile parses one YAML file and registers the workflow it holds,
// replacing a stored workflow of the same name.
func (r *Registry) LoadWorkflowFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	wf, err := ParseWorkflow(data)
	if err != nil {
		return fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	return r.UpsertWorkflow(ctx, wf)
}

// LoadWorkflowDir registers every *.yaml and *.yml file in dir, in file name order.
func (r *Registry) LoadWorkflowDir(ctx context.Context, dir string) error {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to list workflow files: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := r.LoadWorkflowFile(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
