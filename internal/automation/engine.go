package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"bidtrack/internal/metrics"
)

var (
	ErrQueueFull     = errors.New("automation: event queue full")
	ErrCascadeLimit  = errors.New("automation: cascade depth limit exceeded")
	ErrEngineStopped = errors.New("automation: engine stopped")
)

// Options tune the engine's concurrency and cascade policy.
type Options struct {
	// Dispatchers is the number of goroutines draining the event queue.
	Dispatchers int
	// QueueSize bounds the number of accepted but unprocessed events.
	QueueSize int
	// MaxConcurrency bounds automation runs in flight across all events.
	MaxConcurrency int
	// MaxCascadeDepth is the deepest derived event still processed.
	MaxCascadeDepth int
}

func DefaultOptions() Options {
	return Options{Dispatchers: 2, QueueSize: 1024, MaxConcurrency: 8, MaxCascadeDepth: 3}
}

// ExecutionListener observes every persisted execution.
type ExecutionListener func(*Execution)

// Engine receives events and drives matcher → evaluator → executor → recorder.
type Engine struct {
	store    AutomationStore
	entities EntityStore
	executor *Executor
	recorder *Recorder
	opts     Options
	logger   *logrus.Logger
	tracer   trace.Tracer

	queue chan Event
	sem   *semaphore.Weighted

	mu        sync.RWMutex
	started   bool
	closed    bool
	wg        sync.WaitGroup
	listeners []ExecutionListener
}

func NewEngine(store AutomationStore, entities EntityStore, executor *Executor, recorder *Recorder, logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.Dispatchers <= 0 {
		opts.Dispatchers = def.Dispatchers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = def.MaxConcurrency
	}
	if opts.MaxCascadeDepth <= 0 {
		opts.MaxCascadeDepth = def.MaxCascadeDepth
	}
	return &Engine{
		store:    store,
		entities: entities,
		executor: executor,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("bidtrack/automation"),
		queue:    make(chan Event, opts.QueueSize),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}
}

// OnExecution registers a listener for persisted executions.
func (e *Engine) OnExecution(l ExecutionListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit accepts an event for asynchronous processing and returns immediately.
// It fails only when the event is malformed, past the cascade bound, the
// queue is full or the engine has stopped.
func (e *Engine) Emit(evt Event) error {
	evt.normalize()
	if err := evt.Validate(); err != nil {
		metrics.IncEventDropped("invalid")
		return fmt.Errorf("automation: invalid event: %w", err)
	}
	if err := e.checkCascade(evt); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.IncEventDropped("stopped")
		return ErrEngineStopped
	}
	select {
	case e.queue <- evt:
		metrics.IncEventAccepted()
		return nil
	default:
		metrics.IncEventDropped("queue_full")
		e.logger.Warnf("automation: event queue full, dropping %s for %s/%s", evt.TriggerType, evt.EntityType, evt.EntityID)
		return ErrQueueFull
	}
}

// checkCascade refuses events deeper than MaxCascadeDepth.
func (e *Engine) checkCascade(evt Event) error {
	if evt.Depth <= e.opts.MaxCascadeDepth {
		return nil
	}
	metrics.IncEventDropped("cascade_limit")
	e.logger.WithFields(logrus.Fields{
		"event_id":     evt.ID,
		"trigger_type": evt.TriggerType,
		"entity_id":    evt.EntityID,
		"depth":        evt.Depth,
		"origin":       evt.OriginAutomationID,
	}).Warn("automation: cascade depth limit reached, event dropped")
	return ErrCascadeLimit
}

// QueueDepth reports accepted events not yet picked up by a dispatcher.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// Start launches the dispatcher goroutines. It returns immediately.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.logger.Infof("automation engine starting: dispatchers=%d queue=%d concurrency=%d cascade_depth=%d",
		e.opts.Dispatchers, e.opts.QueueSize, e.opts.MaxConcurrency, e.opts.MaxCascadeDepth)
	for i := 0; i < e.opts.Dispatchers; i++ {
		e.wg.Add(1)
		go e.dispatchLoop()
	}
}

// Stop refuses new events, lets the dispatchers drain the queue and waits for
// them, or returns ctx.Err() when ctx ends first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("automation engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("automation engine shutdown timed out with events pending")
		return ctx.Err()
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for evt := range e.queue {
		if _, err := e.Process(context.Background(), evt); err != nil {
			e.logger.WithField("event_id", evt.ID).Errorf("automation: event processing failed: %v", err)
		}
	}
}

// Process runs one engine pass over evt synchronously and returns the
// executions it produced. Callers' cancellation does not interrupt runs that
// have started.
func (e *Engine) Process(ctx context.Context, evt Event) ([]*Execution, error) {
	evt.normalize()
	if err := e.checkCascade(evt); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "automation.process_event", trace.WithAttributes(
		attribute.String("automation.event_id", evt.ID),
		attribute.String("automation.trigger_type", string(evt.TriggerType)),
		attribute.String("automation.entity_type", evt.EntityType),
		attribute.Int("automation.depth", evt.Depth),
	))
	defer span.End()

	automations, err := e.store.ListActiveAutomations(ctx, evt.ProjectID, evt.TriggerType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load automations: %w", err)
	}
	matched := Match(evt, automations)
	span.SetAttributes(attribute.Int("automation.matched", len(matched)))
	if len(matched) == 0 {
		return nil, nil
	}

	snapshot, snapErr := e.snapshot(ctx, evt)

	runCtx := context.WithoutCancel(ctx)
	executions := make([]*Execution, len(matched))
	var wg sync.WaitGroup
	for i, a := range matched {
		if err := e.sem.Acquire(runCtx, 1); err != nil {
			// Acquire only fails on a cancelled context, which runCtx never is.
			continue
		}
		wg.Add(1)
		go func(i int, a Automation) {
			defer wg.Done()
			defer e.sem.Release(1)
			executions[i] = e.run(runCtx, a, evt, snapshot, snapErr)
		}(i, a)
	}
	wg.Wait()

	out := executions[:0]
	for _, exec := range executions {
		if exec != nil {
			out = append(out, exec)
		}
	}
	return out, nil
}

// RunOne runs a single automation against evt without consulting the matcher.
func (e *Engine) RunOne(ctx context.Context, a Automation, evt Event) (*Execution, error) {
	evt.normalize()
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkCascade(evt); err != nil {
		return nil, err
	}
	runCtx := context.WithoutCancel(ctx)
	snapshot, snapErr := e.snapshot(runCtx, evt)
	if err := e.sem.Acquire(runCtx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	exec := e.run(runCtx, a, evt, snapshot, snapErr)
	if exec == nil {
		return nil, errors.New("automation: execution record could not be persisted")
	}
	return exec, nil
}

// PreviewResult describes what an event would do without running actions.
type PreviewResult struct {
	AutomationID     string     `json:"automation_id"`
	Name             string     `json:"name"`
	ConditionsPassed bool       `json:"conditions_passed"`
	FailedCondition  *Condition `json:"failed_condition,omitempty"`
	Actions          []Action   `json:"actions"`
}

// Preview matches evt and evaluates conditions. No actions run and nothing
// is recorded.
func (e *Engine) Preview(ctx context.Context, evt Event) ([]PreviewResult, error) {
	evt.normalize()
	automations, err := e.store.ListActiveAutomations(ctx, evt.ProjectID, evt.TriggerType)
	if err != nil {
		return nil, fmt.Errorf("load automations: %w", err)
	}
	matched := Match(evt, automations)
	snapshot, snapErr := e.snapshot(ctx, evt)
	if snapErr != nil {
		return nil, snapErr
	}
	attrs := BuildAttributes(snapshot, evt)
	results := make([]PreviewResult, 0, len(matched))
	for _, a := range matched {
		res := PreviewResult{AutomationID: a.ID, Name: a.Name, Actions: a.Actions}
		idx := FirstFailing(a.Conditions, attrs)
		res.ConditionsPassed = idx < 0
		if idx >= 0 {
			c := a.Conditions[idx]
			res.FailedCondition = &c
		}
		results = append(results, res)
	}
	return results, nil
}

// snapshot reads the current entity. A deleted entity falls back to the
// event's own data.
func (e *Engine) snapshot(ctx context.Context, evt Event) (map[string]interface{}, error) {
	if e.entities == nil {
		return map[string]interface{}{}, nil
	}
	entity, err := e.entities.GetEntity(ctx, evt.ProjectID, evt.EntityType, evt.EntityID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("load %s %s: %w", evt.EntityType, evt.EntityID, err)
	}
	if entity == nil {
		entity = map[string]interface{}{}
	}
	return entity, nil
}

// run is one independent Matched → ConditionsEvaluated → ActionsExecuted →
// Recorded pass. It returns nil when the record could not be persisted.
func (e *Engine) run(ctx context.Context, a Automation, evt Event, snapshot map[string]interface{}, snapErr error) *Execution {
	ctx, span := e.tracer.Start(ctx, "automation.run", trace.WithAttributes(
		attribute.String("automation.id", a.ID),
		attribute.String("automation.name", a.Name),
	))
	defer span.End()

	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"event_id":      evt.ID,
		"entity_type":   evt.EntityType,
		"entity_id":     evt.EntityID,
	})

	var (
		results []ActionResult
		passed  bool
		ectx    *ExecutionContext
	)
	if snapErr == nil {
		ectx = &ExecutionContext{Automation: a, Event: evt, Entity: copyMap(snapshot)}
		for _, c := range a.Conditions {
			if !ValidOperator(c.Operator) {
				log.Warnf("automation: unknown operator %q on field %q treated as non-match", c.Operator, c.Field)
			}
		}
		passed = Evaluate(a.Conditions, BuildAttributes(ectx.Entity, evt))
		if passed {
			results = e.executor.ExecuteAll(ctx, a.Actions, ectx)
		}
	}

	exec, err := e.recorder.Record(ctx, a, evt, results, time.Since(start), passed || snapErr != nil, snapErr)
	span.SetAttributes(attribute.String("automation.status", string(exec.Status)))
	for _, r := range exec.ActionsResults {
		if !r.Success {
			metrics.IncActionFailure(string(r.ActionType))
		}
	}
	if err != nil {
		span.RecordError(err)
		metrics.IncExecutionLost()
	} else {
		metrics.IncExecution(string(exec.Status))
		log.WithField("status", exec.Status).Infof("automation: %q executed in %dms", a.Name, exec.DurationMS)
		e.notify(exec)
	}

	if ectx != nil {
		for _, derived := range ectx.Derived() {
			if emitErr := e.Emit(derived); emitErr != nil && !errors.Is(emitErr, ErrCascadeLimit) {
				log.Warnf("automation: derived %s event not accepted: %v", derived.TriggerType, emitErr)
			}
		}
	}
	if err != nil {
		return nil
	}
	return exec
}

func (e *Engine) notify(exec *Execution) {
	e.mu.RLock()
	listeners := append([]ExecutionListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(exec)
	}
}
