// Package engine advances workflow instances one node at a time: it runs the active stage step,
// merges the returned patch, routes to the next node and checkpoints the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/pipeline"
	"forgeline/internal/telemetry"
)

const (
	scope = "forgeline/engine"

	// DefaultMaxSteps bounds a single Run.
	DefaultMaxSteps = 100
	// SystemActor is recorded on events the engine writes on its own behalf.
	SystemActor = "forgeline"
)

// CheckpointStore persists the workflow snapshot together with the events describing it.
type CheckpointStore interface {
	Save(ctx context.Context, st *domain.WorkflowState, recs ...events.Record) error
	Load(ctx context.Context, id string) (*domain.WorkflowState, error)
}

// Locker is a cross-process lease on a workflow instance.
type Locker interface {
	Acquire(ctx context.Context, workflowID, ownerID string, ttl time.Duration) error
	Release(ctx context.Context, workflowID, ownerID string) error
}

// Observer is notified after every committed step.
type Observer interface {
	StepCompleted(ctx context.Context, evt domain.StepEvent)
}

type ObserverFunc func(ctx context.Context, evt domain.StepEvent)

func (f ObserverFunc) StepCompleted(ctx context.Context, evt domain.StepEvent) { f(ctx, evt) }

type Options struct {
	Store     CheckpointStore
	Stages    map[domain.StageID]pipeline.Stage
	Graph     *pipeline.Graph
	Guard     pipeline.RetryGuard
	Locker    Locker
	Observers []Observer
	Logger    *slog.Logger
	Now       func() time.Time

	MaxSteps     int
	HumanTimeout time.Duration
	Owner        string
	LeaseTTL     time.Duration
	ActorID      string
}

type Engine struct {
	store     CheckpointStore
	stages    map[domain.StageID]pipeline.Stage
	graph     *pipeline.Graph
	router    pipeline.Router
	locker    Locker
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	maxSteps     int
	humanTimeout time.Duration
	owner        string
	leaseTTL     time.Duration
	actor        string

	mu      sync.Mutex
	// busy holds the ids with a Step or Abandon in flight; entries go away on unlock.
	busy    map[string]struct{}
	pending map[string]pendingSave
}

// pendingSave is a merged step whose checkpoint write failed.
type pendingSave struct {
	state *domain.WorkflowState
	recs  []events.Record
	evt   domain.StepEvent
}

// StepResult is the committed state after a tick and the event describing it.
type StepResult struct {
	State *domain.WorkflowState
	Event domain.StepEvent
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: checkpoint store required", domain.ErrConfiguration)
	}
	if opts.Graph == nil {
		return nil, fmt.Errorf("%w: graph required", domain.ErrConfiguration)
	}
	if err := pipeline.Check(opts.Graph, opts.Stages); err != nil {
		return nil, err
	}
	for _, s := range opts.Graph.ReviewStages() {
		if _, ok := opts.Guard.Threshold(s); !ok {
			return nil, fmt.Errorf("%w: no retry threshold for %s", domain.ErrConfiguration, s)
		}
	}
	e := &Engine{
		store:        opts.Store,
		stages:       opts.Stages,
		graph:        opts.Graph,
		router:       pipeline.Router{Graph: opts.Graph, Guard: opts.Guard},
		locker:       opts.Locker,
		observers:    opts.Observers,
		logger:       opts.Logger,
		now:          opts.Now,
		maxSteps:     opts.MaxSteps,
		humanTimeout: opts.HumanTimeout,
		owner:        opts.Owner,
		leaseTTL:     opts.LeaseTTL,
		actor:        opts.ActorID,
		busy:         map[string]struct{}{},
		pending:      map[string]pendingSave{},
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxSteps
	}
	if e.owner == "" {
		e.owner = "engine-" + ulid.Make().String()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = time.Hour
	}
	if e.actor == "" {
		e.actor = SystemActor
	}
	return e, nil
}

// Graph returns the graph the engine routes on.
func (e *Engine) Graph() *pipeline.Graph { return e.graph }

var engMetrics struct {
	steps     metric.Int64Counter
	decisions metric.Int64Counter
	forced    metric.Int64Counter
	failures  metric.Int64Counter
}

var engMetricsOnce sync.Once

func initEngMetrics() {
	m := telemetry.Meter(scope)
	engMetrics.steps, _ = m.Int64Counter("forgeline.engine.steps",
		metric.WithDescription("Committed workflow steps"),
	)
	engMetrics.decisions, _ = m.Int64Counter("forgeline.engine.decisions",
		metric.WithDescription("Review decisions by stage and outcome"),
	)
	engMetrics.forced, _ = m.Int64Counter("forgeline.engine.forced_accepts",
		metric.WithDescription("Rejections turned into acceptance by the retry guard"),
	)
	engMetrics.failures, _ = m.Int64Counter("forgeline.engine.failures",
		metric.WithDescription("Failed ticks by error kind"),
	)
}

// Start creates a workflow seeded with the requirement and checkpoints it at the start node.
// An empty id gets a ULID.
func (e *Engine) Start(ctx context.Context, id, requirement string) (*domain.WorkflowState, error) {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" {
		return nil, errors.New("requirement is required")
	}
	if id == "" {
		id = ulid.Make().String()
	}
	unlock, err := e.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.Load(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrAlreadyExists, id)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	st := domain.NewWorkflowState(id, requirement, e.graph.Start(), e.now())
	rec := events.Record{
		Type:    events.WorkflowStarted,
		Node:    string(st.Current),
		ActorID: e.actor,
		Payload: events.EventPayload{"requirement": requirement},
	}
	if err := e.store.Save(ctx, &st, rec); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return nil, fmt.Errorf("%w: workflow %s", domain.ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	e.logger.Info("workflow started", "workflow", id, "node", st.Current)
	return &st, nil
}

// State returns the last committed state, or the pending one when a save is outstanding.
func (e *Engine) State(ctx context.Context, id string) (*domain.WorkflowState, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	e.mu.Unlock()
	if ok {
		st := p.state.Clone()
		return &st, nil
	}
	return e.store.Load(ctx, id)
}

// Step runs one tick of the workflow. A step whose checkpoint failed to save is flushed first
// and reported instead of running new work.
func (e *Engine) Step(ctx context.Context, id string) (StepResult, error) {
	engMetricsOnce.Do(initEngMetrics)
	unlock, err := e.lock(id)
	if err != nil {
		return StepResult{}, err
	}
	defer unlock()
	ctx, release, err := e.lease(ctx, id)
	if err != nil {
		return StepResult{}, err
	}
	defer release()

	if res, ok, err := e.flush(ctx, id); ok {
		return res, err
	}

	st, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StepResult{}, err
		}
		return StepResult{}, stageError(id, "", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	if st.Terminal() {
		return StepResult{State: st}, fmt.Errorf("%w: %s is %s", domain.ErrNotRunning, id, st.Status)
	}

	node := st.Current
	ctx, span := telemetry.Tracer(scope).Start(ctx, "engine.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("forgeline.workflow", id),
		attribute.String("forgeline.node", string(node)),
		attribute.Int("forgeline.steps", st.Steps),
	)

	res, err := e.tick(ctx, st)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, domain.ErrStaleState) {
			err = stageError(id, node, cause)
		}
		se, ok := AsStageError(err)
		if !ok {
			se = stageError(id, node, err)
		}
		engMetrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("forgeline.error_kind", string(se.Kind))))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(se.Kind))
		e.logger.Warn("step failed", "workflow", id, "node", node, "kind", se.Kind, "resumable", se.Resumable, "err", se.Err)
		return StepResult{State: st}, se
	}
	return res, nil
}

func (e *Engine) tick(ctx context.Context, st *domain.WorkflowState) (StepResult, error) {
	node := st.Current
	stageID, step, ok := node.Split()
	if !ok {
		return StepResult{}, stageError(st.ID, node, fmt.Errorf("%w: running workflow at %s", domain.ErrRoutingViolation, node))
	}
	stage, ok := e.stages[stageID]
	if !ok || !e.graph.Has(node) {
		return StepResult{}, stageError(st.ID, node, fmt.Errorf("%w: node %s is not in the graph", domain.ErrRoutingViolation, node))
	}

	runCtx := ctx
	if step == domain.StepHumanReview && e.humanTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.humanTimeout)
		defer cancel()
	}
	snapshot := st.Clone()
	patch, err := stage.Run(runCtx, step, &snapshot)
	if err != nil {
		if step == domain.StepHumanReview && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", domain.ErrHumanInputTimeout, err)
		}
		return StepResult{}, stageError(st.ID, node, err)
	}
	if patch.Stage == "" {
		patch.Stage = stageID
	}
	if patch.Stage != stageID {
		return StepResult{}, stageError(st.ID, node, fmt.Errorf("%w: %s returned a patch for %s", domain.ErrRoutingViolation, stageID, patch.Stage))
	}

	retryCount := st.Retries.Count(stageID)
	next := st.Clone()
	now := e.now()
	if err := next.Apply(patch, now); err != nil {
		return StepResult{}, stageError(st.ID, node, err)
	}

	var route pipeline.Route
	if e.graph.IsDecision(node) {
		if patch.Decision == nil {
			return StepResult{}, stageError(st.ID, node, fmt.Errorf("%w: %s produced no decision", domain.ErrRoutingViolation, node))
		}
		route, err = e.router.Route(stageID, patch.Decision.Outcome, retryCount)
	} else {
		route.Next, err = e.graph.Next(node)
	}
	if err != nil {
		return StepResult{}, stageError(st.ID, node, err)
	}

	next.Current = route.Next
	next.Steps++
	if route.Next == domain.End {
		next.Status = domain.StatusCompleted
	}
	evt := domain.StepEvent{
		WorkflowID: st.ID,
		Stage:      stageID,
		Node:       node,
		Step:       step,
		Next:       route.Next,
		Decision:   patch.Decision,
		Forced:     route.Forced,
		Retries:    next.Retries.Count(stageID),
		Completed:  next.Status == domain.StatusCompleted,
		At:         now.UTC(),
	}
	recs := []events.Record{{Type: events.StepCompleted, Node: string(node), ActorID: e.actor, Payload: stepPayload(evt)}}
	if evt.Completed {
		recs = append(recs, events.Record{Type: events.WorkflowCompleted, Node: string(domain.End), ActorID: e.actor, Payload: events.EventPayload{"steps": next.Steps}})
	}

	if patch.Decision != nil {
		attrs := metric.WithAttributes(attribute.String("forgeline.stage", string(stageID)), attribute.String("forgeline.outcome", string(patch.Decision.Outcome)))
		engMetrics.decisions.Add(ctx, 1, attrs)
		if route.Forced {
			engMetrics.forced.Add(ctx, 1, attrs)
			e.logger.Info("retry limit reached, advancing", "workflow", st.ID, "stage", stageID, "retries", retryCount)
		}
	}

	if err := e.store.Save(ctx, &next, recs...); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return StepResult{}, stageError(st.ID, node, err)
		}
		e.mu.Lock()
		e.pending[st.ID] = pendingSave{state: &next, recs: recs, evt: evt}
		e.mu.Unlock()
		return StepResult{}, stageError(st.ID, node, fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	return e.commit(ctx, &next, evt), nil
}

func (e *Engine) commit(ctx context.Context, st *domain.WorkflowState, evt domain.StepEvent) StepResult {
	engMetrics.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("forgeline.stage", string(evt.Stage))))
	args := []any{"workflow", st.ID, "node", evt.Node, "next", evt.Next}
	if evt.Decision != nil {
		args = append(args, "decision", evt.Decision.Outcome, "retries", evt.Retries, "forced", evt.Forced)
	}
	e.logger.Info("step completed", args...)
	for _, o := range e.observers {
		o.StepCompleted(ctx, evt)
	}
	return StepResult{State: st, Event: evt}
}

func (e *Engine) flush(ctx context.Context, id string) (StepResult, bool, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return StepResult{}, false, nil
	}
	if err := e.store.Save(ctx, p.state, p.recs...); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			e.dropPending(id)
		} else {
			err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		return StepResult{}, true, stageError(id, p.evt.Node, err)
	}
	e.dropPending(id)
	e.logger.Info("pending checkpoint saved", "workflow", id, "steps", p.state.Steps)
	return e.commit(ctx, p.state, p.evt), true, nil
}

func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Run steps the workflow until it completes, the context ends, a step fails or the step limit
// is reached. The limit counts steps taken by this call.
func (e *Engine) Run(ctx context.Context, id string) (*domain.WorkflowState, error) {
	var last *domain.WorkflowState
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if n >= e.maxSteps {
			return last, fmt.Errorf("%w: %d steps taken", domain.ErrStepLimit, n)
		}
		res, err := e.Step(ctx, id)
		if res.State != nil {
			last = res.State
		}
		if err != nil {
			return last, err
		}
		if last.Status == domain.StatusCompleted {
			return last, nil
		}
	}
}

// Abandon marks a running workflow abandoned. The checkpoint is kept.
func (e *Engine) Abandon(ctx context.Context, id, reason, actorID string) (*domain.WorkflowState, error) {
	unlock, err := e.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx, release, err := e.lease(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	e.dropPending(id)

	st, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotRunning, id, st.Status)
	}
	if actorID == "" {
		actorID = e.actor
	}
	next := st.Clone()
	next.Status = domain.StatusAbandoned
	next.Reason = reason
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	rec := events.Record{
		Type:    events.WorkflowAbandoned,
		Node:    string(next.Current),
		ActorID: actorID,
		Payload: events.EventPayload{"reason": reason},
	}
	if err := e.store.Save(ctx, &next, rec); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	e.logger.Info("workflow abandoned", "workflow", id, "node", next.Current, "reason", reason)
	return &next, nil
}

func (e *Engine) lock(id string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.busy[id]; held {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceBusy, id)
	}
	e.busy[id] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.busy, id)
		e.mu.Unlock()
	}, nil
}

// lease claims the cross-process lease and renews it every third of its TTL until released.
// The returned context is cancelled if a renewal fails, so a blocked stage gives up an instance
// another process has taken over.
func (e *Engine) lease(ctx context.Context, id string) (context.Context, func(), error) {
	if e.locker == nil {
		return ctx, func() {}, nil
	}
	if err := e.locker.Acquire(ctx, id, e.owner, e.leaseTTL); err != nil {
		return nil, nil, err
	}
	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.leaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-leaseCtx.Done():
				return
			case <-t.C:
				if err := e.locker.Acquire(leaseCtx, id, e.owner, e.leaseTTL); err != nil {
					e.logger.Warn("renew lease", "workflow", id, "err", err)
					cancel(fmt.Errorf("%w: lease lost: %v", domain.ErrStaleState, err))
					return
				}
			}
		}
	}()
	return leaseCtx, func() {
		close(stop)
		wg.Wait()
		cancel(nil)
		if err := e.locker.Release(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger.Warn("release lease", "workflow", id, "err", err)
		}
	}, nil
}

func stepPayload(evt domain.StepEvent) events.EventPayload {
	p := events.EventPayload{
		"stage":   evt.Stage,
		"step":    evt.Step,
		"next":    evt.Next,
		"retries": evt.Retries,
	}
	if evt.Decision != nil {
		p["decision"] = evt.Decision.Outcome
		p["retry_count"] = evt.Decision.RetryCount
		p["forced"] = evt.Forced
	}
	if evt.Completed {
		p["completed"] = true
	}
	return p
}
