package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	workflows map[string]*model.WorkflowDefinition
	order     []string
}

func newMemStore() *memStore {
	return &memStore{workflows: map[string]*model.WorkflowDefinition{}}
}

func (m *memStore) SaveWorkflow(_ context.Context, wf *model.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.Name]; !ok {
		m.order = append(m.order, wf.Name)
	}
	m.workflows[wf.Name] = wf
	return nil
}

func (m *memStore) ListWorkflows(context.Context) ([]*model.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.WorkflowDefinition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.workflows[name])
	}
	return out, nil
}

var testDefaults = Defaults{
	Retry:   model.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute},
	Timeout: time.Minute,
}

func newTestRegistry(store Store) *Registry {
	return New(store, testDefaults, zap.NewNop())
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "collect", Workflow: "content", Handler: "collector"}))
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "process", Workflow: "content", Handler: "processor", DependsOn: []string{"collect"}}))

	def, err := r.Get("process")
	require.NoError(t, err)
	assert.Equal(t, testDefaults.Retry, def.Retry)
	assert.Equal(t, time.Minute, def.Timeout)
	assert.Equal(t, model.TaskPriorityNormal, def.Priority)
	assert.Equal(t, 1, def.Seq)

	wf, err := r.Workflow("content")
	require.NoError(t, err)
	assert.Len(t, wf.Tasks, 2)

	g, err := r.Graph("content")
	require.NoError(t, err)
	assert.Equal(t, []string{"process"}, g.Descendants("collect"))
}

func TestRegister_ImplicitWorkflow(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(context.Background(), &model.TaskDefinition{Name: "cleanup", Handler: "janitor"}))

	wf, err := r.Workflow("cleanup")
	require.NoError(t, err)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "cleanup", wf.Tasks[0].Workflow)
}

func TestRegister_Rejections(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "collect", Workflow: "content", Handler: "collector"}))

	cases := map[string]*model.TaskDefinition{
		"duplicate name":       {Name: "collect", Workflow: "content", Handler: "collector"},
		"unknown dependency":   {Name: "process", Workflow: "content", Handler: "processor", DependsOn: []string{"ghost"}},
		"other workflow dep":   {Name: "report", Workflow: "daily", Handler: "reporter", DependsOn: []string{"collect"}},
		"schedule with deps":   {Name: "analyze", Workflow: "content", Handler: "analyzer", DependsOn: []string{"collect"}, Schedule: "0 * * * *"},
		"bad schedule":         {Name: "tick", Handler: "noop", Schedule: "every day"},
		"missing handler":      {Name: "nothing", Workflow: "content"},
		"bad retry multiplier": {Name: "shaky", Handler: "noop", Retry: model.RetryPolicy{MaxAttempts: 2, Multiplier: 0.5}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			err := r.Register(ctx, def)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	_, err := r.Get("process")
	assert.True(t, model.IsNotFound(err))
}

func TestRegisterWorkflow_ForwardReferencesAndCycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newTestRegistry(store)

	err := r.RegisterWorkflow(ctx, &model.WorkflowDefinition{
		Name: "content",
		Tasks: []*model.TaskDefinition{
			{Name: "analyze", Handler: "analyzer", DependsOn: []string{"process"}},
			{Name: "process", Handler: "processor", DependsOn: []string{"collect"}},
			{Name: "collect", Handler: "collector"},
		},
	})
	require.NoError(t, err)

	g, err := r.Graph("content")
	require.NoError(t, err)
	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"collect", "process", "analyze"}, order)

	err = r.RegisterWorkflow(ctx, &model.WorkflowDefinition{
		Name: "loop",
		Tasks: []*model.TaskDefinition{
			{Name: "a", Handler: "x", DependsOn: []string{"b"}},
			{Name: "b", Handler: "x", DependsOn: []string{"a"}},
		},
	})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	var cycle *model.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"a", "b"}, cycle.Members)

	// nothing of the rejected workflow is visible or stored
	_, err = r.Get("a")
	assert.True(t, model.IsNotFound(err))
	_, err = r.Workflow("loop")
	assert.True(t, model.IsNotFound(err))
	stored, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "collect", Workflow: "content", Handler: "collector"}))
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "process", Workflow: "content", Handler: "processor", DependsOn: []string{"collect"}, Disabled: true}))
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "report", Workflow: "daily", Handler: "reporter"}))

	names := func(f Filter) []string {
		var out []string
		for d := range r.List(f) {
			out = append(out, d.Name)
		}
		return out
	}

	enabled := true
	disabled := false
	assert.Equal(t, []string{"collect", "process", "report"}, names(Filter{}))
	assert.Equal(t, []string{"collect", "process"}, names(Filter{Workflow: "content"}))
	assert.Equal(t, []string{"collect", "report"}, names(Filter{Enabled: &enabled}))
	assert.Equal(t, []string{"process"}, names(Filter{Enabled: &disabled}))

	// restartable and unaffected by later registrations
	seq := r.List(Filter{Workflow: "content"})
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "analyze", Workflow: "content", Handler: "analyzer"}))
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Len(t, first, 2)
	assert.Equal(t, first, second)

	// early break stops iteration
	count := 0
	for range r.List(Filter{}) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newTestRegistry(store)
	require.NoError(t, r.LoadWorkflowDir(ctx, "../../workflows"))

	restored := newTestRegistry(store)
	require.NoError(t, restored.Load(ctx))

	for _, wf := range r.Workflows() {
		got, err := restored.Workflow(wf.Name)
		require.NoError(t, err)
		assert.Equal(t, wf, got)
	}
	assert.Equal(t, slices.Collect(r.List(Filter{})), slices.Collect(restored.List(Filter{})))

	// new registrations continue the sequence
	require.NoError(t, restored.Register(ctx, &model.TaskDefinition{Name: "extra", Handler: "noop"}))
	extra, err := restored.Get("extra")
	require.NoError(t, err)
	assert.Equal(t, len(slices.Collect(r.List(Filter{}))), extra.Seq)
}

func TestConcurrentReads(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "t0", Handler: "noop"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := r.Get("t0")
				assert.NoError(t, err)
				for range r.List(Filter{}) {
				}
			}
		}()
	}
	for i := 1; i < 50; i++ {
		require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: fmt.Sprintf("t%d", i), Handler: "noop"}))
	}
	wg.Wait()
}

func TestLoadWorkflowDir_Restart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	first := newTestRegistry(store)
	require.NoError(t, first.Load(ctx))
	require.NoError(t, first.LoadWorkflowDir(ctx, "../../workflows"))
	before := slices.Collect(first.List(Filter{}))

	// a second process start sees the stored workflows and the same files
	second := newTestRegistry(store)
	require.NoError(t, second.Load(ctx))
	require.NoError(t, second.LoadWorkflowDir(ctx, "../../workflows"))

	after := slices.Collect(second.List(Filter{}))
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Name, after[i].Name)
		assert.Equal(t, before[i].Seq, after[i].Seq)
	}
}

func TestUpsertWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newTestRegistry(store)

	require.NoError(t, r.RegisterWorkflow(ctx, &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{
		{Name: "collect", Handler: "collector"},
		{Name: "process", Handler: "processor", DependsOn: []string{"collect"}},
	}}))
	require.NoError(t, r.Register(ctx, &model.TaskDefinition{Name: "report", Handler: "reporter"}))

	err := r.RegisterWorkflow(ctx, &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{{Name: "collect", Handler: "collector"}}})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, r.UpsertWorkflow(ctx, &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{
		{Name: "collect", Handler: "collector-v2"},
		{Name: "publish", Handler: "publisher", DependsOn: []string{"collect"}},
	}}))

	collect, err := r.Get("collect")
	require.NoError(t, err)
	assert.Equal(t, "collector-v2", collect.Handler)
	assert.Equal(t, 0, collect.Seq)

	_, err = r.Get("process")
	assert.True(t, model.IsNotFound(err))

	publish, err := r.Get("publish")
	require.NoError(t, err)
	assert.Equal(t, 3, publish.Seq)

	g, err := r.Graph("content")
	require.NoError(t, err)
	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"collect", "publish"}, order)

	// a task of another workflow cannot be taken over
	err = r.UpsertWorkflow(ctx, &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{{Name: "report", Handler: "reporter"}}})
	assert.ErrorAs(t, err, &verr)

	names := []string{}
	for d := range r.List(Filter{}) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"collect", "report", "publish"}, names)

	stored, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Len(t, stored[0].Tasks, 2)
}

func TestSetDefaults(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newTestRegistry(store)

	own := model.RetryPolicy{MaxAttempts: 7, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	require.NoError(t, r.RegisterWorkflow(ctx, &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{
		{Name: "collect", Handler: "collector"},
		{Name: "process", Handler: "processor", DependsOn: []string{"collect"}, Retry: own, Timeout: 5 * time.Second},
	}}))

	next := Defaults{
		Retry:   model.RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, Multiplier: 3, MaxDelay: 5 * time.Minute},
		Timeout: 10 * time.Minute,
	}
	require.NoError(t, r.SetDefaults(ctx, next))
	assert.Equal(t, next, r.Defaults())

	collect, err := r.Get("collect")
	require.NoError(t, err)
	assert.Equal(t, next.Retry, collect.Retry)
	assert.Equal(t, 10*time.Minute, collect.Timeout)

	process, err := r.Get("process")
	require.NoError(t, err)
	assert.Equal(t, own, process.Retry)
	assert.Equal(t, 5*time.Second, process.Timeout)

	wf, err := r.Workflow("content")
	require.NoError(t, err)
	assert.Equal(t, next.Retry, wf.Tasks[0].Retry)

	// the store keeps what was registered, not the defaults of the day
	stored, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Zero(t, stored[0].Tasks[0].Retry.MaxAttempts)
	assert.Zero(t, stored[0].Tasks[0].Timeout)

	restored := New(store, next, zap.NewNop())
	require.NoError(t, restored.Load(ctx))
	got, err := restored.Get("collect")
	require.NoError(t, err)
	assert.Equal(t, next.Retry, got.Retry)

	// invalid defaults leave the registry untouched
	err = r.SetDefaults(ctx, Defaults{Retry: model.RetryPolicy{MaxAttempts: -1}, Timeout: time.Minute})
	assert.Error(t, err)
	assert.Equal(t, next, r.Defaults())
	collect, err = r.Get("collect")
	require.NoError(t, err)
	assert.Equal(t, next.Retry, collect.Retry)
}
