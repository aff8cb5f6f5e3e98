package resolver

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

func workflow(name string, tasks ...*model.TaskDefinition) *model.WorkflowDefinition {
	for i, t := range tasks {
		t.Workflow = name
		t.Seq = i
	}
	return &model.WorkflowDefinition{Name: name, Tasks: tasks}
}

func task(name string, deps ...string) *model.TaskDefinition {
	return &model.TaskDefinition{Name: name, Handler: "noop", DependsOn: deps}
}

func TestResolve_ContentPipeline(t *testing.T) {
	wf := workflow("content",
		task("collect"),
		task("process", "collect"),
		task("analyze", "process"),
		task("report", "analyze"),
		task("publish", "report"),
	)

	order, err := Resolve(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"collect", "process", "analyze", "report", "publish"}, order)
}

func TestResolve_TiesFollowRegistrationOrder(t *testing.T) {
	wf := workflow("fanout",
		task("b"),
		task("a"),
		task("join", "a", "b"),
		task("c"),
	)

	order, err := Resolve(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "join", "c"}, order)

	again, err := Resolve(wf)
	require.NoError(t, err)
	assert.Equal(t, order, again)
}

func TestResolve_Cycle(t *testing.T) {
	wf := workflow("loop",
		task("start"),
		task("a", "start", "c"),
		task("b", "a"),
		task("c", "b"),
	)

	_, err := Resolve(wf)
	require.Error(t, err)

	var cycle *model.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "loop", cycle.Workflow)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Members)
	assert.NotContains(t, cycle.Members, "start")
}

func TestBuild_UnknownDependency(t *testing.T) {
	wf := workflow("broken", task("a", "ghost"))

	_, err := Build(wf)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "a", verr.Subject)
}

func TestReadyTasks(t *testing.T) {
	wf := workflow("content",
		task("collect"),
		task("process", "collect"),
		task("analyze", "process"),
		task("archive", "collect"),
	)
	g, err := Build(wf)
	require.NoError(t, err)

	run := &model.WorkflowRun{Instances: map[string]string{}}
	assert.Equal(t, []string{"collect"}, g.ReadyTasks(run, nil))

	run.Instances["collect"] = "i-1"
	assert.Empty(t, g.ReadyTasks(run, nil))

	completed := map[string]bool{"collect": true}
	assert.Equal(t, []string{"process", "archive"}, g.ReadyTasks(run, completed))

	run.Instances["process"] = "i-2"
	assert.Equal(t, []string{"archive"}, g.ReadyTasks(run, completed))
}

func TestDescendants(t *testing.T) {
	wf := workflow("content",
		task("collect"),
		task("process", "collect"),
		task("analyze", "process"),
		task("report", "analyze", "process"),
		task("other"),
	)
	g, err := Build(wf)
	require.NoError(t, err)

	assert.Equal(t, []string{"process", "analyze", "report"}, g.Descendants("collect"))
	assert.Equal(t, []string{"report"}, g.Descendants("analyze"))
	assert.Empty(t, g.Descendants("other"))
	assert.Equal(t, []string{"process", "analyze"}, g.Dependencies("report"))
}

// randomDAG only lets a task depend on tasks registered before it.
func randomDAG(r *rand.Rand, n int) *model.WorkflowDefinition {
	tasks := make([]*model.TaskDefinition, n)
	for i := range tasks {
		var deps []string
		for j := 0; j < i; j++ {
			if r.IntN(4) == 0 {
				deps = append(deps, fmt.Sprintf("t%d", j))
			}
		}
		tasks[i] = task(fmt.Sprintf("t%d", i), deps...)
	}
	// shuffle registration order so dependencies also point forward
	r.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	return workflow("random", tasks...)
}

func TestResolve_RandomAcyclic(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 200; round++ {
		wf := randomDAG(r, 1+r.IntN(20))

		order, err := Resolve(wf)
		require.NoError(t, err)
		require.Len(t, order, len(wf.Tasks))

		pos := make(map[string]int, len(order))
		for i, name := range order {
			_, dup := pos[name]
			require.False(t, dup, "task %s listed twice", name)
			pos[name] = i
		}
		for _, td := range wf.Tasks {
			for _, dep := range td.DependsOn {
				assert.Less(t, pos[dep], pos[td.Name], "%s ordered before its dependency %s", td.Name, dep)
			}
		}
	}
}

func TestResolve_RandomCycle(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for round := 0; round < 100; round++ {
		n := 2 + r.IntN(15)
		wf := randomDAG(r, n)

		// close a loop t0 -> t1 -> ... -> tk -> t0
		k := 1 + r.IntN(n-1)
		for _, td := range wf.Tasks {
			var idx int
			fmt.Sscanf(td.Name, "t%d", &idx)
			switch {
			case idx == 0:
				td.DependsOn = append(td.DependsOn, fmt.Sprintf("t%d", k))
			case idx <= k && !slices.Contains(td.DependsOn, fmt.Sprintf("t%d", idx-1)):
				td.DependsOn = append(td.DependsOn, fmt.Sprintf("t%d", idx-1))
			}
		}

		_, err := Resolve(wf)
		var cycle *model.CycleError
		require.ErrorAs(t, err, &cycle)
		require.NotEmpty(t, cycle.Members)

		// every reported member must sit on a real cycle: reachable from itself
		g, err := Build(wf)
		require.NoError(t, err)
		for _, m := range cycle.Members {
			assert.Contains(t, g.Descendants(m), m)
		}
	}
}
