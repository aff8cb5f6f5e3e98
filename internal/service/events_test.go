package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/testutil"
)

func TestEventBus_PublishDeduplicatesById(t *testing.T) {
	_, js, _ := testutil.StartJetStream(t)
	bus, err := NewEventBus(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, eventStreamName, 5*time.Second))

	ctx := context.Background()
	event := &model.Event{
		ID:         "ev-1",
		Topic:      model.TopicTaskDeadLettered,
		OccurredAt: time.Now(),
		TaskName:   "collect",
		InstanceID: "i-1",
	}
	require.NoError(t, bus.Publish(ctx, event))
	require.NoError(t, bus.Publish(ctx, event))
	require.NoError(t, bus.Publish(ctx, &model.Event{ID: "ev-2", Topic: model.TopicTaskSucceeded, OccurredAt: time.Now()}))

	assert.Equal(t, uint64(2), testutil.StreamMessages(t, js, eventStreamName))

	msgs, err := testutil.ConsumeMessages(js, EventSubject(model.TopicTaskDeadLettered), 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var got model.Event
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "collect", got.TaskName)
}

func TestEventBus_NewEventBusIsIdempotent(t *testing.T) {
	_, js, _ := testutil.StartJetStream(t)
	_, err := NewEventBus(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = NewEventBus(js, zaptest.NewLogger(t))
	require.NoError(t, err)
}

func TestEventBus_SubscribeRetriesFailedHandler(t *testing.T) {
	_, js, _ := testutil.StartJetStream(t)
	bus, err := NewEventBus(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := map[string]int{}
	err = bus.Subscribe(ctx, "*", "", func(e *model.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls[e.ID]++
		if e.ID == "ev-flaky" && calls[e.ID] == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &model.Event{ID: "ev-ok", Topic: model.TopicTaskSucceeded}))
	require.NoError(t, bus.Publish(ctx, &model.Event{ID: "ev-flaky", Topic: model.TopicTaskFailed}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["ev-ok"] == 1 && calls["ev-flaky"] == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEventBus_HealthReports(t *testing.T) {
	_, js, _ := testutil.StartJetStream(t)
	bus, err := NewEventBus(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan HealthReport, 4)
	require.NoError(t, bus.SubscribeHealthReports(ctx, func(r HealthReport) { reports <- r }))

	require.NoError(t, bus.ReportHealth(ctx, HealthReport{Service: "collector", Status: "bogus"}))
	require.NoError(t, bus.ReportHealth(ctx, HealthReport{Service: "collector", Status: model.HealthDown, Reason: "self-check failed"}))

	select {
	case r := <-reports:
		assert.Equal(t, "collector", r.Service)
		assert.Equal(t, model.HealthDown, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("health report not delivered")
	}
	assert.Empty(t, reports)
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(2)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c")) // evicts a
	assert.False(t, d.Seen("a"))

	d.Forget("a")
	assert.False(t, d.Seen("a"))
}

func TestDeduper_ForgetThenEvictKeepsNewEntry(t *testing.T) {
	d := NewDeduper(3)
	assert.False(t, d.Seen("a"))
	d.Forget("a")
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("a")) // redelivered after a failed handler
	assert.False(t, d.Seen("c"))

	// three live ids fit, so the redelivered one is still remembered
	assert.True(t, d.Seen("a"))
	assert.True(t, d.Seen("b"))
}
