package executor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

// Store is the persistence the engine needs
type Store interface {
	CreateInstance(ctx context.Context, inst *model.TaskInstance) error
	UpdateInstance(ctx context.Context, inst *model.TaskInstance) error
	GetInstance(ctx context.Context, id string) (*model.TaskInstance, error)
	QueryInstances(ctx context.Context, f storage.InstanceFilter) ([]*model.TaskInstance, error)
	AppendDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	ReplayDeadLetter(ctx context.Context, id string, inst *model.TaskInstance) error
}

// Definitions resolves task definitions by name
type Definitions interface {
	Get(name string) (*model.TaskDefinition, error)
}

// OutcomeRecorder receives the outcome of every finished attempt
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome model.Outcome)
}

// Config defines configuration for the engine
type Config struct {
	PoolSize      int
	GracePeriod   time.Duration
	SweepInterval time.Duration
	// Jitter is the maximum relative deviation applied to retry delays.
	Jitter float64
}

type entryState uint8

const (
	entryQueued entryState = iota
	entryRunning
	entryWaiting // backoff timer armed
)

// entry tracks an instance this process has admitted and not yet released.
type entry struct {
	state  entryState
	item   *queueItem
	cancel context.CancelFunc
	timer  *time.Timer
}

// Stats is a point-in-time view of the engine
type Stats struct {
	PoolSize   int `json:"pool_size"`
	Running    int `json:"running"`
	QueueDepth int `json:"queue_depth"`
	Waiting    int `json:"waiting"`
}

// Engine dispatches admitted instances to handlers on a bounded worker pool
// and drives them through Running, Succeeded, Failed, Retrying,
// DeadLettered and Aborted. Every transition is written with an optimistic
// version check before the next step is taken.
type Engine struct {
	logger  *zap.Logger
	store   Store
	defs    Definitions
	monitor OutcomeRecorder
	events  service.Publisher

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	mu       sync.Mutex
	cfg      Config
	queue    readyQueue
	inflight map[string]*entry
	active   int
	seq      uint64
	settled  []func(*model.TaskInstance)

	ctx  context.Context
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates an engine. events may be nil.
func New(cfg Config, store Store, defs Definitions, monitor OutcomeRecorder, events service.Publisher, logger *zap.Logger) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Engine{
		logger:   logger.Named("executor"),
		store:    store,
		defs:     defs,
		monitor:  monitor,
		events:   events,
		handlers: make(map[string]TaskHandler),
		cfg:      cfg,
		inflight: make(map[string]*entry),
		ctx:      context.Background(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler registers a task handler
func (e *Engine) RegisterHandler(name string, handler TaskHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[name] = handler
}

func (e *Engine) handler(name string) TaskHandler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.handlers[name]
}

// OnSettled registers fn to be called after an instance reaches a terminal state.
func (e *Engine) OnSettled(fn func(*model.TaskInstance)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settled = append(e.settled, fn)
}

// Reconfigure applies new limits to future decisions; running attempts keep
// the deadline they started with.
func (e *Engine) Reconfigure(cfg Config) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.signal()

	e.logger.Info("Engine reconfigured",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("grace_period", cfg.GracePeriod))
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start recovers instances left behind by a previous process and starts the
// dispatch and sweep loops.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting engine", zap.Int("pool_size", e.config().PoolSize))
	// handlers keep running across cancellation of ctx; Stop drains them
	e.ctx = context.WithoutCancel(ctx)

	if err := e.Sweep(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to recover instances: %w", err)
	}

	go e.dispatchLoop()
	go e.sweepLoop(ctx)
	return nil
}

// Stop stops dispatching, disarms retry timers and waits for running
// attempts to finish. Queued and waiting instances stay persisted and are
// picked up by the next Start.
func (e *Engine) Stop() {
	e.once.Do(func() {
		e.logger.Info("Stopping engine")
		close(e.stop)

		e.mu.Lock()
		for id, en := range e.inflight {
			if en.state == entryWaiting && en.timer != nil {
				en.timer.Stop()
				delete(e.inflight, id)
			}
		}
		e.mu.Unlock()

		e.wg.Wait()
	})
}

// Dispatch admits a Pending instance: its queued time is written with a
// version check and it joins the ready queue. An instance that is already
// queued, running or no longer Pending returns model.ErrAlreadyDispatched.
func (e *Engine) Dispatch(ctx context.Context, inst *model.TaskInstance) error {
	if inst.State != model.TaskStatePending || inst.QueuedAt != nil {
		return model.ErrAlreadyDispatched
	}

	admitted := inst.Clone()
	now := time.Now()
	admitted.QueuedAt = &now
	admitted.BlockedReason = ""
	admitted.UpdatedAt = now
	if err := e.store.UpdateInstance(ctx, admitted); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return model.ErrAlreadyDispatched
		}
		return fmt.Errorf("failed to admit instance %s: %w", inst.ID, err)
	}
	*inst = *admitted

	if !e.enqueue(admitted, admitted.ScheduledAt) {
		return model.ErrAlreadyDispatched
	}
	e.logger.Debug("Instance dispatched",
		zap.String("instance_id", inst.ID),
		zap.String("task", inst.TaskName),
		zap.String("run_id", inst.RunID))
	return nil
}

// enqueue pushes an instance unless this process already tracks it.
func (e *Engine) enqueue(inst *model.TaskInstance, due time.Time) bool {
	e.mu.Lock()
	if _, tracked := e.inflight[inst.ID]; tracked {
		e.mu.Unlock()
		return false
	}
	e.seq++
	item := &queueItem{id: inst.ID, runID: inst.RunID, priority: inst.Priority, due: due, seq: e.seq}
	e.inflight[inst.ID] = &entry{state: entryQueued, item: item}
	heap.Push(&e.queue, item)
	e.mu.Unlock()

	e.signal()
	return true
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop hands queued items to workers while the pool has room.
func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		}

		e.mu.Lock()
		select {
		case <-e.stop:
			e.mu.Unlock()
			return
		default:
		}
		for e.active < e.cfg.PoolSize && e.queue.Len() > 0 {
			item := heap.Pop(&e.queue).(*queueItem)
			en, ok := e.inflight[item.id]
			if !ok || en.item != item {
				continue
			}
			en.state = entryRunning
			e.active++
			e.wg.Add(1)
			go e.work(item)
		}
		e.mu.Unlock()
	}
}

// work runs one attempt and releases the worker slot. A retry directive
// arms the backoff timer in the same critical section that releases the
// slot, so a retry can never overlap the attempt that caused it.
func (e *Engine) work(item *queueItem) {
	defer e.wg.Done()

	retry := e.attempt(item.id)

	e.mu.Lock()
	e.active--
	en, ok := e.inflight[item.id]
	if ok && en.item == item {
		if retry != nil {
			e.armRetryLocked(en, retry)
		} else {
			delete(e.inflight, item.id)
		}
	}
	e.mu.Unlock()
	e.signal()
}

// retryDirective asks work to re-queue the instance after a delay.
type retryDirective struct {
	inst  *model.TaskInstance
	delay time.Duration
}

func (e *Engine) armRetryLocked(en *entry, r *retryDirective) {
	select {
	case <-e.stop:
		delete(e.inflight, r.inst.ID)
		return
	default:
	}
	e.seq++
	item := &queueItem{id: r.inst.ID, runID: r.inst.RunID, priority: r.inst.Priority, seq: e.seq}
	if r.inst.NextAttemptAt != nil {
		item.due = *r.inst.NextAttemptAt
	}
	en.state = entryWaiting
	en.item = item
	en.cancel = nil
	en.timer = time.AfterFunc(r.delay, func() {
		e.mu.Lock()
		cur, ok := e.inflight[item.id]
		if !ok || cur.item != item || cur.state != entryWaiting {
			e.mu.Unlock()
			return
		}
		cur.state = entryQueued
		cur.timer = nil
		heap.Push(&e.queue, item)
		e.mu.Unlock()
		e.signal()
	})
}

// attempt executes one attempt of the instance and returns a retry
// directive when the instance entered Retrying.
func (e *Engine) attempt(id string) *retryDirective {
	ctx := e.ctx
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		e.logger.Error("Failed to load instance", zap.String("instance_id", id), zap.Error(err))
		return nil
	}
	if inst.State != model.TaskStatePending && inst.State != model.TaskStateRetrying {
		e.logger.Debug("Dropping instance no longer runnable",
			zap.String("instance_id", id),
			zap.String("state", string(inst.State)))
		return nil
	}

	def, defErr := e.defs.Get(inst.TaskName)
	if defErr != nil {
		// without a definition the attempt cannot run and cannot be retried
		def = &model.TaskDefinition{Name: inst.TaskName, Workflow: inst.Workflow, Timeout: time.Second}
		inst.MaxAttempts = inst.Attempt + 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if en, ok := e.inflight[id]; ok {
		en.cancel = cancel
	}
	e.mu.Unlock()

	started := time.Now()
	deadline := started.Add(def.Timeout)
	inst.Attempt++
	inst.StartedAt = &started
	inst.Deadline = &deadline
	inst.EndedAt = nil
	inst.NextAttemptAt = nil
	inst.Transition(model.TaskStateRunning, started)
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		e.logger.Info("Instance changed before start, skipping",
			zap.String("instance_id", id),
			zap.Error(err))
		return nil
	}

	var res attemptResult
	if defErr != nil {
		res = attemptResult{err: defErr, kind: model.ErrorKindHandler}
	} else {
		res = e.invoke(runCtx, def, inst)
	}

	if res.kind == model.ErrorKindAborted {
		e.logger.Info("Attempt aborted",
			zap.String("instance_id", id),
			zap.String("task", inst.TaskName),
			zap.Int("attempt", inst.Attempt))
		return nil
	}

	record := model.AttemptRecord{Attempt: inst.Attempt, StartedAt: started, EndedAt: time.Now()}
	if res.err == nil {
		e.succeed(ctx, inst, record, res.output)
		return nil
	}
	record.Error = res.err.Error()
	record.Kind = res.kind
	return e.fail(ctx, inst, def.Retry, record)
}

// succeed records a successful attempt.
func (e *Engine) succeed(ctx context.Context, inst *model.TaskInstance, record model.AttemptRecord, output []byte) {
	inst.Result = output
	inst.Error = ""
	inst.ErrorKind = ""
	inst.EndedAt = &record.EndedAt
	inst.Attempts = append(inst.Attempts, record)
	inst.Transition(model.TaskStateSucceeded, record.EndedAt)
	if !e.persist(ctx, inst) {
		return
	}

	e.logger.Info("Task succeeded",
		zap.String("instance_id", inst.ID),
		zap.String("task", inst.TaskName),
		zap.String("run_id", inst.RunID),
		zap.Int("attempt", inst.Attempt))
	e.recordOutcome(ctx, inst, record)
	e.publish(ctx, model.TopicTaskSucceeded, inst, nil)
	e.notifySettled(inst)
}

// persist writes inst and reports whether the write won. A lost race means
// another writer (an abort) already moved the instance on.
func (e *Engine) persist(ctx context.Context, inst *model.TaskInstance) bool {
	err := e.store.UpdateInstance(ctx, inst)
	if err == nil {
		return true
	}
	if errors.Is(err, model.ErrConflict) {
		e.logger.Info("Instance was modified concurrently, dropping transition",
			zap.String("instance_id", inst.ID),
			zap.String("state", string(inst.State)))
		return false
	}
	e.logger.Error("Failed to persist instance",
		zap.String("instance_id", inst.ID),
		zap.String("state", string(inst.State)),
		zap.Error(err))
	return false
}

func (e *Engine) recordOutcome(ctx context.Context, inst *model.TaskInstance, record model.AttemptRecord) {
	if e.monitor == nil {
		return
	}
	service := inst.TaskName
	if def, err := e.defs.Get(inst.TaskName); err == nil {
		service = def.ServiceName()
	}
	e.monitor.RecordOutcome(ctx, model.Outcome{
		InstanceID: inst.ID,
		TaskName:   inst.TaskName,
		Workflow:   inst.Workflow,
		RunID:      inst.RunID,
		Service:    service,
		Attempt:    record.Attempt,
		Succeeded:  record.Error == "",
		Error:      record.Error,
		Kind:       record.Kind,
		At:         record.EndedAt,
	})
}

func (e *Engine) publish(ctx context.Context, topic model.EventTopic, inst *model.TaskInstance, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	event := &model.Event{
		// stable per transition so a re-publish is dropped as a duplicate
		ID:         fmt.Sprintf("%s:%s:%d", inst.ID, topic, inst.Attempt),
		Topic:      topic,
		OccurredAt: time.Now(),
		Workflow:   inst.Workflow,
		RunID:      inst.RunID,
		InstanceID: inst.ID,
		TaskName:   inst.TaskName,
		Data:       data,
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.events.Publish(pctx, event); err != nil {
		e.logger.Warn("Failed to publish event",
			zap.String("topic", string(topic)),
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

func (e *Engine) notifySettled(inst *model.TaskInstance) {
	e.mu.Lock()
	fns := append([]func(*model.TaskInstance){}, e.settled...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(inst)
	}
}

// Stats returns current engine statistics
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{PoolSize: e.cfg.PoolSize, Running: e.active, QueueDepth: e.queue.Len()}
	for _, en := range e.inflight {
		if en.state == entryWaiting {
			s.Waiting++
		}
	}
	return s
}
