package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newInstance(id, run, task string) *model.TaskInstance {
	now := time.Now()
	return &model.TaskInstance{
		ID:            id,
		TaskName:      task,
		Workflow:      "content",
		RunID:         run,
		CorrelationID: run,
		State:         model.TaskStatePending,
		MaxAttempts:   3,
		ScheduledAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wf := &model.WorkflowDefinition{
		Name:     "content",
		FailFast: true,
		Tasks: []*model.TaskDefinition{
			{Name: "collect", Workflow: "content", Handler: "collector", Schedule: "0 * * * *", Timeout: time.Minute, Seq: 0,
				Retry: model.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}},
			{Name: "process", Workflow: "content", Handler: "processor", DependsOn: []string{"collect"}, Timeout: time.Minute, Seq: 1,
				Payload: []byte(`{"mode":"full"}`)},
		},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	require.NoError(t, s.SaveWorkflow(ctx, &model.WorkflowDefinition{
		Name:  "cleanup",
		Tasks: []*model.TaskDefinition{{Name: "cleanup", Workflow: "cleanup", Handler: "janitor", Timeout: time.Minute, Seq: 2}},
	}))

	got, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "content", got[0].Name)
	assert.True(t, got[0].FailFast)
	require.Len(t, got[0].Tasks, 2)
	assert.Equal(t, wf.Tasks[0].Retry, got[0].Tasks[0].Retry)
	assert.Equal(t, []string{"collect"}, got[0].Tasks[1].DependsOn)
	assert.JSONEq(t, `{"mode":"full"}`, string(got[0].Tasks[1].Payload))

	defs, err := s.ListDefinitions(ctx, "cleanup")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "janitor", defs[0].Handler)
}

func TestInstanceCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := newInstance("i-1", "r-1", "collect")
	require.NoError(t, s.CreateInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	// a second instance of the same task in the same run is refused
	err := s.CreateInstance(ctx, newInstance("i-2", "r-1", "collect"))
	assert.ErrorIs(t, err, model.ErrConflict)

	stale, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)

	inst.Transition(model.TaskStateRunning, time.Now())
	require.NoError(t, s.UpdateInstance(ctx, inst))
	assert.Equal(t, int64(2), inst.Version)

	stale.Transition(model.TaskStateAborted, time.Now())
	err = s.UpdateInstance(ctx, stale)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, int64(1), stale.Version)

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateRunning, got.State)
	assert.Equal(t, int64(2), got.Version)

	_, err = s.GetInstance(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestInstanceCompareAndSet_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-1", "r-1", "collect")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.GetInstance(ctx, "i-1")
			if !assert.NoError(t, err) {
				return
			}
			if inst.State != model.TaskStatePending {
				return
			}
			inst.Transition(model.TaskStateRunning, time.Now())
			if err := s.UpdateInstance(ctx, inst); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, model.ErrConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestQueryInstances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := newInstance("i-1", "r-1", "collect")
	b := newInstance("i-2", "r-1", "process")
	b.ScheduledAt = a.ScheduledAt.Add(time.Second)
	c := newInstance("i-3", "r-2", "collect")
	c.ScheduledAt = a.ScheduledAt.Add(2 * time.Second)
	replay := newInstance("i-4", "", "collect")
	replay2 := newInstance("i-5", "", "collect")
	for _, inst := range []*model.TaskInstance{a, b, c, replay, replay2} {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}
	b.Transition(model.TaskStateRunning, time.Now())
	require.NoError(t, s.UpdateInstance(ctx, b))

	got, err := s.QueryInstances(ctx, InstanceFilter{RunID: "r-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i-1", got[0].ID)

	got, err = s.QueryInstances(ctx, InstanceFilter{States: []model.TaskState{model.TaskStateRunning}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i-2", got[0].ID)

	got, err = s.QueryInstances(ctx, InstanceFilter{TaskName: "collect", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	run := &model.WorkflowRun{
		ID:         "r-1",
		Workflow:   "content",
		Status:     model.RunStatusCreated,
		Trigger:    model.TriggerCron,
		TriggerKey: "cron/content/collect/1700000000",
		Instances:  map[string]string{},
		CreatedAt:  now,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	dup := run.Clone()
	dup.ID = "r-2"
	assert.ErrorIs(t, s.CreateRun(ctx, dup), model.ErrDuplicateTrigger)

	run.Status = model.RunStatusRunning
	run.Instances["collect"] = "i-1"
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, "i-1", got.Instances["collect"])

	active, err := s.QueryRuns(ctx, RunFilter{Statuses: []model.RunStatus{model.RunStatusCreated, model.RunStatusRunning}})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.GetRun(ctx, "r-404")
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsNotFound(s.SaveRun(ctx, &model.WorkflowRun{ID: "r-404"})))
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry := &model.DeadLetterEntry{
		ID:         "dl-1",
		InstanceID: "i-1",
		TaskName:   "collect",
		Workflow:   "content",
		Error:      "boom",
		Attempts:   []model.AttemptRecord{{Attempt: 1, Error: "boom", Kind: model.ErrorKindHandler}},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.AppendDeadLetter(ctx, entry))

	again := *entry
	again.ID = "dl-2"
	assert.ErrorIs(t, s.AppendDeadLetter(ctx, &again), model.ErrConflict)

	count, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkReplayed(ctx, "dl-1", "i-9", time.Now()))
	assert.ErrorIs(t, s.MarkReplayed(ctx, "dl-1", "i-10", time.Now()), model.ErrAlreadyReplayed)

	got, err := s.GetDeadLetter(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "i-9", got.ReplayInstanceID)
	require.Len(t, got.Attempts, 1)

	pending, err := s.ListDeadLetters(ctx, DeadLetterFilter{Unreplayed: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := s.ListDeadLetters(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHealthTriggersAlerts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveHealth(ctx, &model.HealthRecord{Service: "collector", Status: model.HealthDown, ConsecutiveFailures: 5, UpdatedAt: time.Now()}))
	require.NoError(t, s.SaveHealth(ctx, &model.HealthRecord{Service: "collector", Status: model.HealthHealthy, UpdatedAt: time.Now()}))
	recs, err := s.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.HealthHealthy, recs[0].Status)

	_, err = s.GetTrigger(ctx, "content/collect")
	assert.True(t, model.IsNotFound(err))
	fired := time.Now().Truncate(time.Hour)
	require.NoError(t, s.SaveTrigger(ctx, &model.CronSchedule{ID: "content/collect", Expression: "0 * * * *", LastEvaluated: fired, LastFired: &fired}))
	sched, err := s.GetTrigger(ctx, "content/collect")
	require.NoError(t, err)
	assert.True(t, sched.LastFired.Equal(fired))

	alert := &model.Alert{ID: "a-1", RuleID: "down", Target: "collector", Severity: model.AlertSeverityCritical, CreatedAt: time.Now()}
	require.NoError(t, s.SaveAlert(ctx, alert))
	active, err := s.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	resolved := time.Now()
	alert.ResolvedAt = &resolved
	require.NoError(t, s.SaveAlert(ctx, alert))
	active, err = s.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeleteBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	done := newInstance("i-1", "r-1", "collect")
	done.State = model.TaskStateSucceeded
	done.UpdatedAt = old
	running := newInstance("i-2", "r-1", "process")
	running.State = model.TaskStateRunning
	running.UpdatedAt = old
	require.NoError(t, s.CreateInstance(ctx, done))
	require.NoError(t, s.CreateInstance(ctx, running))

	deleted, err := s.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetInstance(ctx, "i-1")
	assert.True(t, model.IsNotFound(err))
	_, err = s.GetInstance(ctx, "i-2")
	assert.NoError(t, err)
}

func TestDeleteBefore_KeepsInstancesOfActiveRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	run := &model.WorkflowRun{
		ID:         "r-active",
		Workflow:   "content",
		Status:     model.RunStatusRunning,
		Trigger:    model.TriggerManual,
		TriggerKey: "manual/content/1",
		Instances:  map[string]string{"collect": "i-active"},
		CreatedAt:  old,
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	collected := newInstance("i-active", "r-active", "collect")
	collected.State = model.TaskStateSucceeded
	collected.UpdatedAt = old
	require.NoError(t, s.CreateInstance(ctx, collected))

	standalone := newInstance("i-old", "", "cleanup")
	standalone.State = model.TaskStateSucceeded
	standalone.UpdatedAt = old
	require.NoError(t, s.CreateInstance(ctx, standalone))

	deleted, err := s.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetInstance(ctx, "i-active")
	assert.NoError(t, err, "succeeded instance of a running run must survive retention")
	_, err = s.GetInstance(ctx, "i-old")
	assert.True(t, model.IsNotFound(err))

	run.Status = model.RunStatusCompleted
	run.UpdatedAt = old
	require.NoError(t, s.SaveRun(ctx, run))
	deleted, err = s.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "finished run goes together with its instance")
	_, err = s.GetInstance(ctx, "i-active")
	assert.True(t, model.IsNotFound(err))
}

func TestSaveWorkflow_PrunesRemovedTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wf := &model.WorkflowDefinition{Name: "content", Tasks: []*model.TaskDefinition{
		{Name: "collect", Workflow: "content", Handler: "collector", Seq: 0},
		{Name: "process", Workflow: "content", Handler: "processor", Seq: 1, DependsOn: []string{"collect"}},
	}}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	wf.Tasks = wf.Tasks[:1]
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	workflows, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	require.Len(t, workflows[0].Tasks, 1)
	assert.Equal(t, "collect", workflows[0].Tasks[0].Name)
}

func TestReplayDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendDeadLetter(ctx, &model.DeadLetterEntry{
		ID:         "dl-1",
		InstanceID: "i-1",
		TaskName:   "collect",
		Workflow:   "content",
		Error:      "boom",
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-taken", "", "collect")))

	// the instance insert fails, so the entry must stay claimable
	clash := newInstance("i-taken", "", "collect")
	assert.Error(t, s.ReplayDeadLetter(ctx, "dl-1", clash))

	entry, err := s.GetDeadLetter(ctx, "dl-1")
	require.NoError(t, err)
	assert.Nil(t, entry.ReplayedAt)
	count, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	replay := newInstance("i-2", "", "collect")
	replay.ReplayOf = "i-1"
	require.NoError(t, s.ReplayDeadLetter(ctx, "dl-1", replay))

	entry, err = s.GetDeadLetter(ctx, "dl-1")
	require.NoError(t, err)
	require.NotNil(t, entry.ReplayedAt)
	assert.Equal(t, "i-2", entry.ReplayInstanceID)
	got, err := s.GetInstance(ctx, "i-2")
	require.NoError(t, err)
	assert.Equal(t, "i-1", got.ReplayOf)

	// a claimed entry stores nothing further
	assert.ErrorIs(t, s.ReplayDeadLetter(ctx, "dl-1", newInstance("i-3", "", "collect")), model.ErrAlreadyReplayed)
	_, err = s.GetInstance(ctx, "i-3")
	assert.True(t, model.IsNotFound(err))
}
