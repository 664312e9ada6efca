package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergo/pkg/attributes"
)

// Options control a convergence run.
type Options struct {
	// ContinueOnError keeps going after a failed resource. Resources that
	// depend on a failed one are skipped.
	ContinueOnError bool

	// DryRun probes every resource and reports what would change without
	// applying anything or firing notifications.
	DryRun bool

	// RunID identifies the run. A random UUID is used when empty.
	RunID string

	// Logger receives run progress. Nil disables logging.
	Logger *zerolog.Logger
}

// Engine converges resource graphs.
type Engine struct {
	opts      Options
	logger    zerolog.Logger
	observers observers
}

// New creates an engine.
func New(opts Options, obs ...Observer) *Engine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		opts:      opts,
		logger:    logger.With().Str("component", "engine").Logger(),
		observers: obs,
	}
}

// Run visits every resource of graph once, in order, against view. The
// returned error joins every failure; the report is always returned.
func (e *Engine) Run(ctx context.Context, graph *Graph, view *attributes.View) (*Report, error) {
	runID := e.opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	r := &run{
		engine:     e,
		graph:      graph,
		view:       view,
		report:     newReport(runID, e.opts),
		failed:     make(map[Identity]bool),
		processed:  make(map[Identity]bool),
		held:       make(map[Identity][]Notification),
		dispatcher: NewDispatcher(),
		logger:     e.logger.With().Str("run_id", runID).Logger(),
	}

	e.observers.runStarted(ctx, r.report)
	r.logger.Info().
		Int("resources", graph.Len()).
		Bool("dry_run", e.opts.DryRun).
		Msg("Starting convergence run")

	cancelled := r.walk(ctx)
	r.skipUnvisited(cancelled)
	r.report.finish(cancelled)

	r.logger.Info().
		Str("status", string(r.report.Status)).
		Int("updated", r.report.Summary.Updated).
		Int("unchanged", r.report.Summary.Unchanged).
		Int("failed", r.report.Summary.Failed).
		Int("skipped", r.report.Summary.Skipped).
		Dur("duration", r.report.Duration).
		Msg("Convergence run finished")
	e.observers.runCompleted(ctx, r.report)

	if cancelled {
		return r.report, NewPermanentError("convergence run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}
	return r.report, r.report.Err()
}

// run is the state of a single convergence pass.
type run struct {
	engine     *Engine
	graph      *Graph
	view       *attributes.View
	report     *Report
	processed  map[Identity]bool
	failed     map[Identity]bool
	held       map[Identity][]Notification
	dispatcher *Dispatcher
	aborted    error
	logger     zerolog.Logger
}

var errCancelled = errors.New("run cancelled")

// walk visits the graph and drains notifications. It reports whether the run
// was cancelled.
func (r *run) walk(ctx context.Context) bool {
	fire := func(n Notification) error { return r.fire(ctx, n) }

	for _, node := range r.graph.order {
		if r.processed[node.Identity] {
			continue
		}
		if ctx.Err() != nil {
			return true
		}
		if err := r.converge(ctx, node); err != nil {
			return errors.Is(err, errCancelled)
		}
		if r.aborted != nil {
			return false
		}
		if err := r.dispatcher.DrainImmediate(fire); err != nil {
			return errors.Is(err, errCancelled)
		}
	}

	if ctx.Err() != nil {
		return true
	}
	if err := r.dispatcher.DrainDelayed(fire); err != nil {
		return errors.Is(err, errCancelled)
	}
	return false
}

// converge visits node, then fires the notifications held for it while its
// dependencies were pending.
func (r *run) converge(ctx context.Context, node *Node) error {
	r.visit(ctx, node)
	held := r.held[node.Identity]
	delete(r.held, node.Identity)
	for _, n := range held {
		if r.aborted != nil {
			return r.aborted
		}
		if err := r.fire(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// visit converges one resource: guard, probe, diff, apply.
func (r *run) visit(ctx context.Context, node *Node) {
	r.processed[node.Identity] = true
	res := r.resource(node)
	result := &ResourceResult{Identity: node.Identity, StartedAt: time.Now(), DryRun: r.engine.opts.DryRun}
	log := r.logger.With().Str("resource", node.Identity.String()).Logger()

	ctx = r.engine.observers.resourceStarted(ctx, node.Identity)
	defer func() {
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		r.report.record(result)
		r.engine.observers.resourceCompleted(ctx, result)
	}()

	if blocker, blocked := r.blockedBy(node); blocked {
		result.Outcome = OutcomeSkipped
		result.Reason = fmt.Sprintf("dependency %s did not converge", blocker)
		r.failed[node.Identity] = true
		log.Warn().Str("dependency", blocker.String()).Msg("Skipping resource")
		return
	}

	ok, reason, err := node.guard.allows(res)
	if err != nil {
		r.fail(result, classify(node.Identity, OperationGuard, ErrCodeValidation, err))
		log.Error().Err(err).Msg("Guard evaluation failed")
		return
	}
	if !ok {
		result.Outcome = OutcomeUnchanged
		result.Reason = reason
		log.Debug().Str("reason", reason).Msg("Resource guarded out")
		return
	}

	actual, err := node.provider.Probe(ctx, res)
	if err != nil {
		r.fail(result, classify(node.Identity, OperationProbe, ErrCodeProbeFailed,
			&ProviderProbeError{Identity: node.Identity, Err: err}))
		log.Error().Err(err).Msg("Probe failed")
		return
	}

	changes := node.provider.Diff(res, actual)
	if len(changes) == 0 {
		result.Outcome = OutcomeUnchanged
		log.Debug().Msg("Resource up to date")
		return
	}
	result.Changes = changes

	if r.engine.opts.DryRun {
		result.Outcome = OutcomeUpdated
		result.Reason = "would apply"
		log.Info().Int("changes", len(changes)).Msg("Resource would be updated")
		r.queue(node)
		return
	}

	if err := node.provider.Apply(ctx, res, changes); err != nil {
		r.fail(result, classify(node.Identity, OperationApply, ErrCodeProviderFailed,
			&ProviderApplyError{Identity: node.Identity, Err: err}))
		log.Error().Err(err).Msg("Apply failed")
		return
	}

	result.Outcome = OutcomeUpdated
	log.Info().Int("changes", len(changes)).Msg("Resource updated")
	r.queue(node)
}

// fire dispatches one notification.
func (r *run) fire(ctx context.Context, n Notification) error {
	if ctx.Err() != nil {
		return errCancelled
	}

	target := r.graph.nodes[n.Target]
	nr := NotificationResult{Notification: n, Mode: ModeAction}
	if !r.processed[n.Target] {
		nr.Mode = ModeConverge
	}
	log := r.logger.With().
		Str("source", n.Source.String()).
		Str("target", n.Target.String()).
		Str("action", string(n.Action)).
		Str("timing", string(n.Timing)).
		Logger()

	switch {
	case r.engine.opts.DryRun:
		log.Info().Msg("Notification would fire")

	case r.failed[n.Target]:
		log.Warn().Msg("Notification target did not converge, not firing")

	case nr.Mode == ModeConverge:
		if dep, pending := r.pendingDependency(target); pending {
			// Held until the target's own turn, when it fires as an action.
			log.Debug().Str("dependency", dep.String()).Msg("Holding notification until its target converges")
			r.held[n.Target] = append(r.held[n.Target], n)
			return r.aborted
		}
		log.Info().Msg("Converging notification target")
		if err := r.converge(ctx, target); err != nil {
			return err
		}
		nr.Fired = true
		res, ok := r.report.Result(n.Target)
		if !ok {
			break
		}
		if res.Err != nil || res.Outcome == OutcomeSkipped {
			nr.Err = res.Err
			break
		}
		if res.Outcome == OutcomeUpdated && r.resource(target).HasAction(n.Action) {
			// Applying the declared action already did what was asked.
			break
		}
		nr.Err = r.act(ctx, target, n, log)

	default:
		log.Info().Msg("Running notification action")
		nr.Fired = true
		nr.Err = r.act(ctx, target, n, log)
	}

	r.report.Notifications = append(r.report.Notifications, nr)
	r.engine.observers.notificationDispatched(ctx, nr)
	return r.aborted
}

// act runs the notification's action on an already converged target.
func (r *run) act(ctx context.Context, target *Node, n Notification, log zerolog.Logger) error {
	if err := target.provider.Act(ctx, r.resource(target), n.Action); err != nil {
		wrapped := classify(n.Target, string(n.Action), ErrCodeProviderFailed,
			&ProviderApplyError{Identity: n.Target, Action: n.Action, Err: err})
		if res, ok := r.report.Result(n.Target); ok {
			r.fail(res, wrapped)
		}
		log.Error().Err(err).Msg("Notification action failed")
		return wrapped
	}
	if res, ok := r.report.Result(n.Target); ok {
		res.Triggered = append(res.Triggered, n.Action)
		if res.Outcome == OutcomeUnchanged {
			res.Outcome = OutcomeUpdated
		}
	}
	return nil
}

// queue hands the node's notifications to the dispatcher.
func (r *run) queue(node *Node) {
	for _, n := range node.Notifications {
		r.dispatcher.Queue(n)
	}
}

// fail marks result failed and, unless continuing on error, aborts the run.
func (r *run) fail(result *ResourceResult, err error) {
	result.Outcome = OutcomeFailed
	result.Err = err
	r.failed[result.Identity] = true
	r.report.Failures = append(r.report.Failures, err)
	if !r.engine.opts.ContinueOnError && r.aborted == nil {
		r.aborted = err
	}
}

// blockedBy returns a dependency or subscribed source that failed or was
// skipped.
func (r *run) blockedBy(node *Node) (Identity, bool) {
	for _, dep := range node.Dependencies {
		if r.failed[dep] {
			return dep, true
		}
	}
	for _, sub := range node.Subscribes {
		if r.failed[sub.Source] {
			return sub.Source, true
		}
	}
	return Identity{}, false
}

// pendingDependency returns a dependency that has not been visited yet.
func (r *run) pendingDependency(node *Node) (Identity, bool) {
	for _, dep := range node.Dependencies {
		if !r.processed[dep] {
			return dep, true
		}
	}
	return Identity{}, false
}

// skipUnvisited records every resource the run never reached.
func (r *run) skipUnvisited(cancelled bool) {
	reason := "run aborted after failure"
	if cancelled {
		reason = "run cancelled"
	}
	for _, node := range r.graph.order {
		if r.processed[node.Identity] {
			continue
		}
		now := time.Now()
		r.report.record(&ResourceResult{
			Identity:    node.Identity,
			Outcome:     OutcomeSkipped,
			Reason:      reason,
			StartedAt:   now,
			CompletedAt: now,
		})
	}
}

func (r *run) resource(node *Node) *Resource {
	return &Resource{
		Identity:   node.Identity,
		Actions:    node.Actions,
		Properties: node.Properties,
		View:       r.view,
	}
}
