package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/resolver"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

// Store is the persistence the scheduler needs
type Store interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun) error
	SaveRun(ctx context.Context, run *model.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	QueryRuns(ctx context.Context, f storage.RunFilter) ([]*model.WorkflowRun, error)
	CreateInstance(ctx context.Context, inst *model.TaskInstance) error
	UpdateInstance(ctx context.Context, inst *model.TaskInstance) error
	QueryInstances(ctx context.Context, f storage.InstanceFilter) ([]*model.TaskInstance, error)
	SaveTrigger(ctx context.Context, sched *model.CronSchedule) error
	GetTrigger(ctx context.Context, id string) (*model.CronSchedule, error)
}

// Definitions is the read side of the registry
type Definitions interface {
	Workflows() []*model.WorkflowDefinition
	Workflow(name string) (*model.WorkflowDefinition, error)
	Graph(workflow string) (*resolver.Graph, error)
}

// Engine receives admitted instances
type Engine interface {
	Dispatch(ctx context.Context, inst *model.TaskInstance) error
	AbortRun(ctx context.Context, runID string) ([]*model.TaskInstance, error)
}

// HealthGate decides whether an instance may be admitted
type HealthGate interface {
	Admit(task string, services []string) error
}

// Config defines configuration for the scheduler
type Config struct {
	TickInterval time.Duration
	// CatchUpWindow bounds how far back a missed cron instant still fires.
	// It is never shorter than TickInterval.
	CatchUpWindow time.Duration
	// RecheckInterval is how long a blocked instance waits before admission
	// is tried again.
	RecheckInterval time.Duration
	// Location is the zone cron expressions without CRON_TZ are evaluated in.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.CatchUpWindow < c.TickInterval {
		c.CatchUpWindow = c.TickInterval
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// RunRequest describes a run to start
type RunRequest struct {
	Workflow     string
	Trigger      model.TriggerKind
	TriggerKey   string
	ScheduledFor time.Time
}

// Scheduler turns time triggers and upstream completions into Pending
// instances and hands admitted ones to the engine. It never runs handler
// code. Evaluation happens on a cron-driven tick and, between ticks,
// whenever the engine settles an instance.
type Scheduler struct {
	logger *zap.Logger
	store  Store
	defs   Definitions
	engine Engine
	health HealthGate
	events service.Publisher
	lock   TickLock

	cfgMu sync.RWMutex
	cfg   Config

	// mu serializes evaluation inside this process; the tick lock does
	// the same across processes.
	mu sync.Mutex

	cron    *cron.Cron
	entryMu sync.Mutex
	entryID cron.EntryID
	started bool

	pokes        chan string
	recheckArmed atomic.Bool

	ctx  context.Context
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a scheduler. health, events and lock may be nil.
func New(cfg Config, store Store, defs Definitions, engine Engine, health HealthGate, events service.Publisher, lock TickLock, logger *zap.Logger) *Scheduler {
	if lock == nil {
		lock = LocalTickLock{}
	}
	logger = logger.Named("scheduler")
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Scheduler{
		logger: logger,
		store:  store,
		defs:   defs,
		engine: engine,
		health: health,
		events: events,
		lock:   lock,
		cfg:    cfg.withDefaults(),
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		pokes:  make(chan string, 256),
		ctx:    context.Background(),
		stop:   make(chan struct{}),
	}
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Reconfigure applies new settings to the next decision. Runs in flight
// are not touched.
func (s *Scheduler) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	changed := cfg.TickInterval != s.cfg.TickInterval
	s.cfg = cfg
	s.cfgMu.Unlock()

	if changed {
		if err := s.scheduleTick(cfg.TickInterval); err != nil {
			s.logger.Error("Failed to reschedule tick", zap.Error(err))
		}
	}
	s.logger.Info("Scheduler reconfigured",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("catch_up_window", cfg.CatchUpWindow),
		zap.String("timezone", cfg.Location.String()))
}

// Start runs one tick immediately and then on every tick interval
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = context.WithoutCancel(ctx)
	if err := s.Tick(ctx, time.Now()); err != nil {
		s.logger.Error("Initial tick failed", zap.Error(err))
	}

	s.entryMu.Lock()
	s.started = true
	s.entryMu.Unlock()
	if err := s.scheduleTick(s.config().TickInterval); err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.pokeLoop()

	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.config().TickInterval))
	return nil
}

// Stop stops the tick and waits for the evaluation in progress
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
		<-s.cron.Stop().Done()
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

func (s *Scheduler) scheduleTick(interval time.Duration) error {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if !s.started {
		return nil
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.Tick(s.ctx, time.Now()); err != nil {
			s.logger.Error("Tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	s.entryID = id
	return nil
}

// Poke asks for the run to be re-evaluated before the next tick. An empty
// run ID re-evaluates every active run. Poke never blocks; a dropped poke
// is covered by the tick.
func (s *Scheduler) Poke(runID string) {
	select {
	case s.pokes <- runID:
	default:
	}
}

// Settled is the engine's settle hook.
func (s *Scheduler) Settled(inst *model.TaskInstance) {
	if inst.RunID != "" {
		s.Poke(inst.RunID)
	}
}

func (s *Scheduler) pokeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case runID := <-s.pokes:
			var err error
			if runID == "" {
				err = s.withLease(s.ctx, s.advanceActive)
			} else {
				err = s.withLease(s.ctx, func(ctx context.Context) error {
					return s.advanceByID(ctx, runID)
				})
			}
			if err != nil {
				s.logger.Error("Re-evaluation failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

// armRecheck schedules one re-evaluation of every active run after the
// recheck interval, unless one is already pending.
func (s *Scheduler) armRecheck() {
	if !s.recheckArmed.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(s.config().RecheckInterval, func() {
		s.recheckArmed.Store(false)
		s.Poke("")
	})
}

func (s *Scheduler) leaseTTL() time.Duration {
	ttl := 3 * s.config().TickInterval
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	return ttl
}

// withLease runs fn under the tick lease and the evaluation lock. A lease
// held elsewhere skips fn.
func (s *Scheduler) withLease(ctx context.Context, fn func(ctx context.Context) error) error {
	release, ok, err := s.lock.Acquire(ctx, s.leaseTTL())
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("Tick lease held by another scheduler")
		return nil
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

// Tick evaluates the time triggers of every workflow at now and advances
// every active run. Running it again against unchanged state dispatches
// nothing new.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	return s.withLease(ctx, func(ctx context.Context) error {
		var errs []error
		for _, wf := range s.defs.Workflows() {
			if err := s.evaluateTriggers(ctx, wf, now); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.advanceActive(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

func (s *Scheduler) advanceActive(ctx context.Context) error {
	runs, err := s.store.QueryRuns(ctx, storage.RunFilter{
		Statuses: []model.RunStatus{model.RunStatusCreated, model.RunStatusRunning},
	})
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}
	var errs []error
	for _, run := range runs {
		if err := s.advance(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) advanceByID(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return s.advance(ctx, run)
}

// StartRun creates a run and schedules its root tasks. A trigger key that
// was used before returns model.ErrDuplicateTrigger.
func (s *Scheduler) StartRun(ctx context.Context, req RunRequest) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startRun(ctx, req)
}

func (s *Scheduler) startRun(ctx context.Context, req RunRequest) (*model.WorkflowRun, error) {
	if _, err := s.defs.Workflow(req.Workflow); err != nil {
		return nil, err
	}
	now := time.Now()
	id := uuid.New().String()
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}
	if req.TriggerKey == "" {
		req.TriggerKey = fmt.Sprintf("%s/%s/%s", req.Trigger, req.Workflow, id)
	}
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = now
	}

	run := &model.WorkflowRun{
		ID:           id,
		Workflow:     req.Workflow,
		Status:       model.RunStatusCreated,
		Trigger:      req.Trigger,
		TriggerKey:   req.TriggerKey,
		ScheduledFor: req.ScheduledFor,
		Instances:    map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("Workflow run created",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Workflow),
		zap.String("trigger_key", run.TriggerKey),
		zap.Time("scheduled_for", run.ScheduledFor))

	if err := s.advance(ctx, run); err != nil {
		// the run exists; the next tick picks it up
		s.logger.Error("Failed to advance new run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, nil
}

// AbortRun stops a run: it is marked Aborted, its non-terminal instances
// are aborted and nothing else is scheduled for it. Succeeded results stay.
func (s *Scheduler) AbortRun(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, fmt.Errorf("run %s is %s: %w", runID, run.Status, model.ErrRunTerminal)
	}

	if err := s.finish(ctx, run, model.RunStatusAborted, "aborted by operator"); err != nil {
		return nil, err
	}
	aborted, err := s.engine.AbortRun(ctx, runID)
	if err != nil {
		return run, fmt.Errorf("failed to abort instances of run %s: %w", runID, err)
	}
	s.logger.Info("Workflow run aborted",
		zap.String("run_id", runID),
		zap.Int("aborted_instances", len(aborted)))
	return run, nil
}

func (s *Scheduler) publish(ctx context.Context, event *model.Event) {
	if s.events == nil {
		return
	}
	event.OccurredAt = time.Now()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.events.Publish(pctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("topic", string(event.Topic)),
			zap.String("run_id", event.RunID),
			zap.Error(err))
	}
}
