package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ubuntuhub/community-worker/internal/jobs"
)

// Publisher enqueues follow-up job messages. Implemented by the queue
// publisher; tests inject a fake.
type Publisher interface {
	Publish(ctx context.Context, msg *jobs.Message) error
}

// ProfileStore is the engine's direct write surface on the profile
// record, used by the final onboarding step.
type ProfileStore interface {
	MarkOnboardingComplete(ctx context.Context, userID string, at time.Time) error
}

// Config holds workflow engine configuration
type Config struct {
	ProfileCompletedTimeout  time.Duration
	FirstContributionTimeout time.Duration
	StepRetryAttempts        int
	StepRetryBase            time.Duration
	StepRetryMax             time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProfileCompletedTimeout <= 0 {
		c.ProfileCompletedTimeout = 7 * 24 * time.Hour
	}
	if c.FirstContributionTimeout <= 0 {
		c.FirstContributionTimeout = 30 * 24 * time.Hour
	}
	if c.StepRetryAttempts <= 0 {
		c.StepRetryAttempts = 3
	}
	if c.StepRetryBase <= 0 {
		c.StepRetryBase = time.Second
	}
	if c.StepRetryMax <= 0 {
		c.StepRetryMax = 30 * time.Second
	}
}

// Engine runs workflow instances. One goroutine per active instance;
// every step completion is persisted before the run advances.
type Engine struct {
	store     Store
	publisher Publisher
	profiles  ProfileStore
	logger    *slog.Logger
	config    Config
	bus       *eventBus
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Dependencies holds everything an Engine needs.
type Dependencies struct {
	Store     Store
	Publisher Publisher
	Profiles  ProfileStore
	Logger    *slog.Logger
	Config    Config
}

// NewEngine creates a workflow engine.
func NewEngine(deps *Dependencies) *Engine {
	cfg := deps.Config
	cfg.applyDefaults()

	return &Engine{
		store:     deps.Store,
		publisher: deps.Publisher,
		profiles:  deps.Profiles,
		logger:    deps.Logger,
		config:    cfg,
		bus:       newEventBus(),
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}
}

// StartOnboarding creates and launches a new onboarding instance.
func (e *Engine) StartOnboarding(ctx context.Context, payload OnboardingPayload) (*Instance, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal onboarding payload: %w", err)
	}

	inst := &Instance{
		ID:        uuid.New().String(),
		Name:      WorkflowOnboarding,
		Status:    StatusPending,
		Payload:   raw,
		StartedAt: e.now().UTC(),
		UpdatedAt: e.now().UTC(),
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow instance created",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("user_id", payload.UserID),
	)

	e.launch(inst)
	return inst, nil
}

// ResumeActive reloads every non-terminal instance and re-runs it.
// Completed steps replay as no-ops; in-flight waits resume with their
// remaining deadline.
func (e *Engine) ResumeActive(ctx context.Context) error {
	instances, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}

	for i := range instances {
		inst := instances[i]
		e.logger.Info("Resuming workflow instance",
			slog.String("workflow", inst.Name),
			slog.String("instance_id", inst.ID),
			slog.String("status", string(inst.Status)),
		)
		e.launch(&inst)
	}

	return nil
}

// DeliverEvent records a named event for one instance and wakes its
// waiter. Redelivery of an already-recorded event is a no-op, which is
// what makes event handling at-most-once per instance+event.
func (e *Engine) DeliverEvent(ctx context.Context, instanceID, name string, data json.RawMessage) error {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	inserted, err := e.store.InsertEvent(ctx, &Event{
		InstanceID: instanceID,
		Name:       name,
		Data:       data,
		CreatedAt:  e.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.Info("Duplicate workflow event ignored",
			slog.String("instance_id", instanceID),
			slog.String("event", name),
		)
		return nil
	}

	e.logger.Info("Workflow event delivered",
		slog.String("instance_id", instanceID),
		slog.String("event", name),
	)

	e.bus.notify(instanceID, name)
	return nil
}

// Cancel marks an instance cancelled and interrupts its run if it is
// executing in this process. Already-enqueued side effects are not
// retracted.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("instance %s is already %s", instanceID, inst.Status)
	}

	if err := e.store.UpdateStatus(ctx, instanceID, StatusCancelled, ""); err != nil {
		return err
	}

	e.mu.Lock()
	cancel, ok := e.running[instanceID]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	e.logger.Info("Workflow instance cancelled",
		slog.String("instance_id", instanceID),
	)
	return nil
}

// Stop interrupts every run executing in this process. Instance state
// is durable, so an interrupted run stays active in the store and
// continues from its last checkpoint on the next ResumeActive. Without
// this, a run parked in a day-scale wait would hold up shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, cancel := range e.running {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until every launched run has returned. Used on shutdown
// and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) launch(inst *Instance) {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.running[inst.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, inst.ID)
			e.mu.Unlock()
		}()

		e.execute(runCtx, inst)
	}()
}

func (e *Engine) execute(ctx context.Context, inst *Instance) {
	ok, err := e.store.MarkRunning(ctx, inst.ID)
	if err != nil {
		e.logger.Error("Failed to mark instance running",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		// A cancellation landed between loading the instance and the
		// run's first status write; a terminal instance never restarts.
		e.logger.Info("Skipping terminal workflow instance",
			slog.String("instance_id", inst.ID),
		)
		return
	}

	switch inst.Name {
	case WorkflowOnboarding:
		err = e.runOnboarding(ctx, inst)
	default:
		err = fmt.Errorf("unknown workflow: %s", inst.Name)
	}

	switch {
	case err == nil:
		if uerr := e.store.UpdateStatus(context.Background(), inst.ID, StatusCompleted, ""); uerr != nil {
			e.logger.Error("Failed to mark instance completed",
				slog.String("instance_id", inst.ID),
				slog.String("error", uerr.Error()),
			)
			return
		}
		e.logger.Info("Workflow instance completed",
			slog.String("workflow", inst.Name),
			slog.String("instance_id", inst.ID),
		)

	case errors.Is(err, ErrCancelled):
		// Cancel already wrote the status, or the process is shutting
		// down and the instance stays active for the next resume.
		e.logger.Info("Workflow instance run interrupted",
			slog.String("instance_id", inst.ID),
		)

	default:
		if uerr := e.store.UpdateStatus(context.Background(), inst.ID, StatusFailed, err.Error()); uerr != nil {
			e.logger.Error("Failed to mark instance failed",
				slog.String("instance_id", inst.ID),
				slog.String("error", uerr.Error()),
			)
		}
		e.logger.Error("Workflow instance failed",
			slog.String("workflow", inst.Name),
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()),
		)
	}
}

// run is the execution context handed to a workflow sequence. It wraps
// the store with checkpointed step and wait primitives.
type run struct {
	engine *Engine
	inst   *Instance
	ctx    context.Context
}

// cancelled reloads the instance and reports whether it was cancelled
// out from under the run (by the admin surface in another process, or
// by Cancel in this one).
func (r *run) cancelled() (bool, error) {
	if r.ctx.Err() != nil {
		return true, nil
	}

	inst, err := r.engine.store.GetInstance(context.Background(), r.inst.ID)
	if err != nil {
		return false, err
	}
	return inst.Status == StatusCancelled, nil
}

// step executes fn once per instance. A completed step record skips the
// call; a failure is retried with exponential backoff before it fails
// the whole run.
func (r *run) step(name string, fn func(ctx context.Context) error) error {
	cancelled, err := r.cancelled()
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}

	rec, err := r.engine.store.GetStep(r.ctx, r.inst.ID, name)
	if err != nil {
		return err
	}
	if rec.Completed() {
		r.engine.logger.Debug("Skipping completed step",
			slog.String("instance_id", r.inst.ID),
			slog.String("step", name),
		)
		return nil
	}

	if _, err := r.engine.store.BeginStep(r.ctx, r.inst.ID, name, r.engine.now().UTC()); err != nil {
		return err
	}

	if err := r.retry(name, fn); err != nil {
		return fmt.Errorf("step %q: %w", name, err)
	}

	if err := r.engine.store.CompleteStep(r.ctx, r.inst.ID, name, nil); err != nil {
		return err
	}

	r.engine.logger.Info("Workflow step completed",
		slog.String("instance_id", r.inst.ID),
		slog.String("step", name),
	)
	return nil
}

// retry runs fn up to StepRetryAttempts times with capped exponential
// backoff. Step actions are idempotent enqueues and upserts, so
// re-running a partially applied attempt is safe.
func (r *run) retry(name string, fn func(ctx context.Context) error) error {
	cfg := r.engine.config

	var lastErr error
	for attempt := 1; attempt <= cfg.StepRetryAttempts; attempt++ {
		lastErr = fn(r.ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.StepRetryAttempts {
			break
		}

		delay := cfg.StepRetryBase << uint(attempt-1)
		if delay > cfg.StepRetryMax {
			delay = cfg.StepRetryMax
		}

		r.engine.logger.Warn("Workflow step failed, retrying",
			slog.String("instance_id", r.inst.ID),
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return ErrCancelled
		}
	}

	return lastErr
}

// waitResult is the persisted resolution of a wait step: which branch
// fired, and the event data when one arrived.
type waitResult struct {
	Received bool            `json:"received"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// waitForEvent parks the run until the named event arrives for this
// instance or the deadline passes, whichever is first. The deadline is
// anchored at the wait's first start time, so a resumed wait runs with
// the remaining time, never a fresh window. Returns the event, or nil
// on timeout (a timeout is not an error).
func (r *run) waitForEvent(name string, timeout time.Duration) (*Event, error) {
	cancelled, err := r.cancelled()
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, ErrCancelled
	}

	stepName := "wait:" + name

	rec, err := r.engine.store.GetStep(r.ctx, r.inst.ID, stepName)
	if err != nil {
		return nil, err
	}
	if rec.Completed() {
		var res waitResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return nil, fmt.Errorf("decode wait result %q: %w", name, err)
		}
		if !res.Received {
			return nil, nil
		}
		return &Event{InstanceID: r.inst.ID, Name: name, Data: res.Data, Consumed: true}, nil
	}

	rec, err = r.engine.store.BeginStep(r.ctx, r.inst.ID, stepName, r.engine.now().UTC())
	if err != nil {
		return nil, err
	}
	deadline := rec.StartedAt.Add(timeout)

	if err := r.engine.store.UpdateStatus(r.ctx, r.inst.ID, StatusWaiting, ""); err != nil {
		return nil, err
	}

	evt, err := r.block(name, deadline)
	if err != nil {
		return nil, err
	}

	cancelled, cerr := r.cancelled()
	if cerr != nil {
		return nil, cerr
	}
	if cancelled {
		return nil, ErrCancelled
	}

	res := waitResult{Received: evt != nil}
	if evt != nil {
		res.Data = evt.Data
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode wait result %q: %w", name, err)
	}
	if err := r.engine.store.CompleteStep(r.ctx, r.inst.ID, stepName, raw); err != nil {
		return nil, err
	}

	ok, err := r.engine.store.MarkRunning(r.ctx, r.inst.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCancelled
	}

	return evt, nil
}

// block races the persisted event against the deadline. The persisted
// row is checked first so an event delivered while the process was down
// resolves immediately on resume.
func (r *run) block(name string, deadline time.Time) (*Event, error) {
	signal, unsubscribe := r.engine.bus.subscribe(r.inst.ID, name)
	defer unsubscribe()

	// An event may have landed before the subscription existed, or have
	// been consumed by an attempt that died before the wait's resolution
	// was persisted. The consumed flag therefore does not gate this
	// first check; any existing row resolves the wait.
	evt, err := r.engine.store.GetEvent(r.ctx, r.inst.ID, name)
	if err != nil {
		return nil, err
	}
	if evt != nil {
		if !evt.Consumed {
			if _, err := r.engine.store.ConsumeEvent(r.ctx, r.inst.ID, name); err != nil {
				return nil, err
			}
		}
		return evt, nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	for {
		select {
		case <-signal:
			evt, err := r.engine.store.ConsumeEvent(r.ctx, r.inst.ID, name)
			if err != nil {
				return nil, err
			}
			if evt != nil {
				return evt, nil
			}
			// Spurious wakeup; keep waiting.

		case <-timer.C:
			return nil, nil

		case <-r.ctx.Done():
			return nil, ErrCancelled
		}
	}
}
