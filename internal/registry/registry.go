package registry

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/resolver"
)

// Store persists registered workflows together with their task definitions
type Store interface {
	SaveWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error
	ListWorkflows(ctx context.Context) ([]*model.WorkflowDefinition, error)
}

// Defaults are applied to fields a definition leaves unset
type Defaults struct {
	Retry   model.RetryPolicy
	Timeout time.Duration
}

// Filter selects definitions in List; zero fields match everything
type Filter struct {
	Workflow string
	Enabled  *bool
}

func (f Filter) match(d *model.TaskDefinition) bool {
	if f.Workflow != "" && d.Workflow != f.Workflow {
		return false
	}
	if f.Enabled != nil && *f.Enabled == d.Disabled {
		return false
	}
	return true
}

// snapshot is never modified after it is published. workflows and tasks
// hold effective definitions with the registry defaults filled in; raw holds
// the workflows as registered, which is what the store receives.
type snapshot struct {
	tasks     map[string]*model.TaskDefinition
	order     []*model.TaskDefinition
	workflows map[string]*model.WorkflowDefinition
	raw       map[string]*model.WorkflowDefinition
	wfOrder   []string
	graphs    map[string]*resolver.Graph
	seq       int
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tasks:     map[string]*model.TaskDefinition{},
		workflows: map[string]*model.WorkflowDefinition{},
		raw:       map[string]*model.WorkflowDefinition{},
		graphs:    map[string]*resolver.Graph{},
	}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		tasks:     make(map[string]*model.TaskDefinition, len(s.tasks)+1),
		order:     append([]*model.TaskDefinition(nil), s.order...),
		workflows: make(map[string]*model.WorkflowDefinition, len(s.workflows)+1),
		raw:       make(map[string]*model.WorkflowDefinition, len(s.raw)+1),
		wfOrder:   append([]string(nil), s.wfOrder...),
		graphs:    make(map[string]*resolver.Graph, len(s.graphs)+1),
		seq:       s.seq,
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	for k, v := range s.raw {
		c.raw[k] = v
	}
	for k, v := range s.graphs {
		c.graphs[k] = v
	}
	return c
}

// Registry holds task and workflow definitions. Reads go through an
// immutable snapshot and take no lock; writers are serialized.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	store    Store
	defaults Defaults
	logger   *zap.Logger
}

// New creates a registry. store may be nil for a purely in-memory registry.
func New(store Store, defaults Defaults, logger *zap.Logger) *Registry {
	r := &Registry{
		store:    store,
		defaults: defaults,
		logger:   logger.Named("registry"),
	}
	r.current.Store(emptySnapshot())
	return r
}

// Register adds a single definition. A definition without a workflow forms
// an implicit single-task workflow named after the task; otherwise it joins
// the named workflow, creating it if needed. Dependencies must already be
// registered in the same workflow.
func (r *Registry) Register(ctx context.Context, def *model.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	d := prepare(def, snap.seq)
	if d.Workflow == "" {
		d.Workflow = d.Name
	}
	if err := r.checkTask(snap, d, ""); err != nil {
		return err
	}

	wf := &model.WorkflowDefinition{Name: d.Workflow}
	if existing, ok := snap.raw[d.Workflow]; ok {
		wf.Description = existing.Description
		wf.FailFast = existing.FailFast
		wf.Tasks = append(wf.Tasks, existing.Tasks...)
	}
	wf.Tasks = append(wf.Tasks, d)

	next, err := r.publish(ctx, snap, wf, true)
	if err != nil {
		return err
	}
	r.current.Store(next)
	r.logger.Info("task registered", zap.String("task", d.Name), zap.String("workflow", d.Workflow))
	return nil
}

// RegisterWorkflow adds a whole workflow atomically. Tasks may reference
// each other in any order; the graph is resolved before anything is stored.
// A workflow name may be registered once.
func (r *Registry) RegisterWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	return r.registerWorkflow(ctx, wf, false)
}

// UpsertWorkflow registers wf or replaces the workflow of the same name.
// Tasks kept from the previous version keep their registration order;
// tasks no longer listed are removed. Active runs are evaluated against the
// new graph from their next pass on.
func (r *Registry) UpsertWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	return r.registerWorkflow(ctx, wf, true)
}

func (r *Registry) registerWorkflow(ctx context.Context, wf *model.WorkflowDefinition, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if wf.Name == "" {
		return &model.ValidationError{Subject: "workflow", Reason: "name is required"}
	}
	previous, exists := snap.raw[wf.Name]
	if exists && !replace {
		return &model.ValidationError{Subject: wf.Name, Reason: "workflow already registered"}
	}
	if len(wf.Tasks) == 0 {
		return &model.ValidationError{Subject: wf.Name, Reason: "workflow has no tasks"}
	}

	kept := map[string]*model.TaskDefinition{}
	if exists {
		for _, d := range previous.Tasks {
			kept[d.Name] = d
		}
	}

	out := &model.WorkflowDefinition{Name: wf.Name, Description: wf.Description, FailFast: wf.FailFast}
	seen := make(map[string]bool, len(wf.Tasks))
	seq := snap.seq
	for _, def := range wf.Tasks {
		var d *model.TaskDefinition
		if old, ok := kept[def.Name]; ok {
			d = prepare(def, old.Seq)
			d.CreatedAt = old.CreatedAt
		} else {
			d = prepare(def, seq)
			seq++
		}
		if d.Workflow != "" && d.Workflow != wf.Name {
			return &model.ValidationError{Subject: d.Name, Reason: "task belongs to workflow " + d.Workflow}
		}
		d.Workflow = wf.Name
		if seen[d.Name] {
			return &model.ValidationError{Subject: d.Name, Reason: "duplicate task name in workflow " + wf.Name}
		}
		seen[d.Name] = true
		if err := r.checkTask(snap, d, wf.Name); err != nil {
			return err
		}
		out.Tasks = append(out.Tasks, d)
	}

	next, err := r.publish(ctx, snap, out, true)
	if err != nil {
		return err
	}
	r.current.Store(next)
	if exists {
		r.logger.Info("workflow updated", zap.String("workflow", wf.Name), zap.Int("tasks", len(out.Tasks)))
	} else {
		r.logger.Info("workflow registered", zap.String("workflow", wf.Name), zap.Int("tasks", len(out.Tasks)))
	}
	return nil
}

// Load replaces the registry contents with the workflows held by the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	workflows, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.rebuild(ctx, workflows)
	if err != nil {
		return err
	}
	r.current.Store(next)
	r.logger.Info("registry loaded", zap.Int("workflows", len(next.wfOrder)), zap.Int("tasks", len(next.order)))
	return nil
}

// SetDefaults changes the retry policy and timeout filled into definitions
// that leave them unset. Already registered definitions pick up the new
// values; instances already created keep their attempt budget.
func (r *Registry) SetDefaults(ctx context.Context, defaults Defaults) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.defaults
	r.defaults = defaults
	snap := r.current.Load()
	workflows := make([]*model.WorkflowDefinition, 0, len(snap.wfOrder))
	for _, name := range snap.wfOrder {
		workflows = append(workflows, snap.raw[name])
	}
	next, err := r.rebuild(ctx, workflows)
	if err != nil {
		r.defaults = prev
		return err
	}
	r.current.Store(next)
	r.logger.Info("registry defaults updated",
		zap.Int("max_attempts", defaults.Retry.MaxAttempts),
		zap.Duration("timeout", defaults.Timeout))
	return nil
}

// Defaults returns the defaults currently in effect.
func (r *Registry) Defaults() Defaults {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

func (r *Registry) rebuild(ctx context.Context, workflows []*model.WorkflowDefinition) (*snapshot, error) {
	next := emptySnapshot()
	for _, wf := range workflows {
		for _, d := range wf.Tasks {
			if err := r.checkTask(next, d, ""); err != nil {
				return nil, fmt.Errorf("failed to load workflow %s: %w", wf.Name, err)
			}
		}
		var err error
		next, err = r.publish(ctx, next, wf, false)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", wf.Name, err)
		}
	}
	return next, nil
}

// prepare copies def and stamps its registration order.
func prepare(def *model.TaskDefinition, seq int) *model.TaskDefinition {
	d := def.Clone()
	if d.Priority == 0 {
		d.Priority = model.TaskPriorityNormal
	}
	d.Seq = seq
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return d
}

// effective returns d with the registry defaults filled in.
func (r *Registry) effective(d *model.TaskDefinition) *model.TaskDefinition {
	e := d.Clone()
	e.Retry = e.Retry.WithDefaults(r.defaults.Retry)
	if e.Timeout == 0 {
		e.Timeout = r.defaults.Timeout
	}
	return e
}

// checkTask validates a definition against the registry contents. Tasks of
// the workflow named by replacing may be overwritten.
func (r *Registry) checkTask(snap *snapshot, d *model.TaskDefinition, replacing string) error {
	if err := r.effective(d).Validate(); err != nil {
		return err
	}
	if existing, exists := snap.tasks[d.Name]; exists && (replacing == "" || existing.Workflow != replacing) {
		return &model.ValidationError{Subject: d.Name, Reason: "task already registered"}
	}
	if d.Schedule != "" {
		if len(d.DependsOn) > 0 {
			return &model.ValidationError{Subject: d.Name, Reason: "only tasks without dependencies may carry a schedule"}
		}
		if _, err := model.ParseSchedule(d.Schedule); err != nil {
			return &model.ValidationError{Subject: d.Name, Err: err}
		}
	}
	return nil
}

// publish resolves wf, optionally persists it and returns the next
// snapshot. wf holds definitions as registered; any previous version of the
// workflow is replaced.
func (r *Registry) publish(ctx context.Context, snap *snapshot, wf *model.WorkflowDefinition, persist bool) (*snapshot, error) {
	eff := &model.WorkflowDefinition{Name: wf.Name, Description: wf.Description, FailFast: wf.FailFast}
	for _, d := range wf.Tasks {
		eff.Tasks = append(eff.Tasks, r.effective(d))
	}
	g, err := resolver.Build(eff)
	if err != nil {
		return nil, err
	}
	if _, err := g.Order(); err != nil {
		return nil, &model.ValidationError{Subject: wf.Name, Err: err}
	}
	if persist && r.store != nil {
		if err := r.store.SaveWorkflow(ctx, wf); err != nil {
			return nil, fmt.Errorf("failed to save workflow %s: %w", wf.Name, err)
		}
	}

	next := snap.clone()
	byName := make(map[string]*model.TaskDefinition, len(eff.Tasks))
	for _, d := range eff.Tasks {
		byName[d.Name] = d
	}
	if _, exists := next.workflows[wf.Name]; exists {
		order := next.order[:0:0]
		for _, d := range next.order {
			if d.Workflow != wf.Name {
				order = append(order, d)
				continue
			}
			delete(next.tasks, d.Name)
			if nd, ok := byName[d.Name]; ok {
				order = append(order, nd)
			}
		}
		next.order = order
	} else {
		next.wfOrder = append(next.wfOrder, wf.Name)
	}
	next.workflows[wf.Name] = eff
	next.raw[wf.Name] = wf
	next.graphs[wf.Name] = g
	for _, d := range eff.Tasks {
		if _, exists := next.tasks[d.Name]; !exists {
			if !containsTask(next.order, d.Name) {
				next.order = append(next.order, d)
			}
		}
		next.tasks[d.Name] = d
		if d.Seq >= next.seq {
			next.seq = d.Seq + 1
		}
	}
	return next, nil
}

func containsTask(order []*model.TaskDefinition, name string) bool {
	for _, d := range order {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Get returns the definition registered under name. The returned value is
// shared and must not be modified.
func (r *Registry) Get(name string) (*model.TaskDefinition, error) {
	d, ok := r.current.Load().tasks[name]
	if !ok {
		return nil, &model.NotFoundError{Kind: "task", Name: name}
	}
	return d, nil
}

// Workflow returns the workflow registered under name.
func (r *Registry) Workflow(name string) (*model.WorkflowDefinition, error) {
	wf, ok := r.current.Load().workflows[name]
	if !ok {
		return nil, &model.NotFoundError{Kind: "workflow", Name: name}
	}
	return wf, nil
}

// Graph returns the resolved dependency graph of a workflow.
func (r *Registry) Graph(workflow string) (*resolver.Graph, error) {
	g, ok := r.current.Load().graphs[workflow]
	if !ok {
		return nil, &model.NotFoundError{Kind: "workflow", Name: workflow}
	}
	return g, nil
}

// Workflows returns every workflow in registration order.
func (r *Registry) Workflows() []*model.WorkflowDefinition {
	snap := r.current.Load()
	out := make([]*model.WorkflowDefinition, 0, len(snap.wfOrder))
	for _, name := range snap.wfOrder {
		out = append(out, snap.workflows[name])
	}
	return out
}

// List returns a lazy sequence of the definitions matching f, in
// registration order. The sequence covers the registry as it was when List
// was called and may be ranged over any number of times.
func (r *Registry) List(f Filter) iter.Seq[*model.TaskDefinition] {
	snap := r.current.Load()
	return func(yield func(*model.TaskDefinition) bool) {
		for _, d := range snap.order {
			if !f.match(d) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}
