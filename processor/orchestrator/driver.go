package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/mergeflow/feedback"
	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/remediation"
	"github.com/c360studio/mergeflow/runs"
	"github.com/c360studio/mergeflow/storage"
)

// Outcome reports what processing an event did, for ack policy and metrics.
type Outcome string

const (
	// OutcomeApplied means a stage transition was committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeRemediated means a remediation cycle ran.
	OutcomeRemediated Outcome = "remediated"
	// OutcomeEscalated means the task hit its budget and is now terminal.
	OutcomeEscalated Outcome = "escalated"
	// OutcomeDropped means the event produced no state change (unidentified,
	// stale, unauthorized, or not actionable).
	OutcomeDropped Outcome = "dropped"
)

// ErrRetriesExhausted reports that the conditional write kept conflicting.
var ErrRetriesExhausted = errors.New("conditional write retries exhausted")

// maxCommitAttempts bounds the reload-recompute-commit loop when a
// concurrent writer wins the conditional write.
const maxCommitAttempts = 3

// Remediator runs one remediation cycle. Satisfied by
// *remediation.Controller.
type Remediator interface {
	Remediate(ctx context.Context, task *pipeline.Task, revision uint64, ev pipeline.Event) error
}

// WorkflowSignaler resumes and cancels the task's workflow instance.
// Satisfied by *engine.Signaler.
type WorkflowSignaler interface {
	Resume(ctx context.Context, id pipeline.TaskID, kind pipeline.EventKind, stage pipeline.Stage) error
	Cancel(ctx context.Context, id pipeline.TaskID, reason string) error
}

// StageLabeler keeps the pull request's stage label in sync. Satisfied by
// *forge.Client.
type StageLabeler interface {
	SetStageLabel(ctx context.Context, pr int, target string, known []string) error
}

// Driver is the per-event entry point. It serializes all processing for one
// task while events for distinct tasks proceed in parallel, and commits
// every task mutation with a conditional write so a competing writer forces
// a reload of the whole operation.
type Driver struct {
	store      storage.TaskStore
	correlator *pipeline.Correlator
	remediator Remediator
	signaler   WorkflowSignaler
	canceler   remediation.RunCanceler
	labeler    StageLabeler

	maxIterations       int
	stageLabels         map[pipeline.Stage]string
	knownLabels         []string
	signalRetryInterval time.Duration

	locksMu sync.Mutex
	locks   map[pipeline.TaskID]*sync.Mutex

	logger *slog.Logger
}

// DriverConfig collects the driver's collaborators and policy.
type DriverConfig struct {
	Store      storage.TaskStore
	Correlator *pipeline.Correlator
	Remediator Remediator
	Signaler   WorkflowSignaler
	Canceler   remediation.RunCanceler
	Labeler    StageLabeler

	MaxIterations int
	// StageLabels maps stages to the indicator label set on entering them.
	// Stages without an entry leave labels untouched.
	StageLabels map[pipeline.Stage]string
	// KnownLabels is the full mutually exclusive stage-label set.
	KnownLabels []string

	// SignalRetryInterval is the initial backoff between attempts at the
	// post-commit side effects. Zero means the default.
	SignalRetryInterval time.Duration
}

const defaultSignalRetryInterval = 250 * time.Millisecond

// NewDriver wires a Driver.
func NewDriver(cfg DriverConfig, logger *slog.Logger) *Driver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = pipeline.DefaultMaxIterations
	}
	if cfg.SignalRetryInterval <= 0 {
		cfg.SignalRetryInterval = defaultSignalRetryInterval
	}
	return &Driver{
		store:               cfg.Store,
		correlator:          cfg.Correlator,
		remediator:          cfg.Remediator,
		signaler:            cfg.Signaler,
		canceler:            cfg.Canceler,
		labeler:             cfg.Labeler,
		maxIterations:       cfg.MaxIterations,
		stageLabels:         cfg.StageLabels,
		knownLabels:         cfg.KnownLabels,
		signalRetryInterval: cfg.SignalRetryInterval,
		locks:               make(map[pipeline.TaskID]*sync.Mutex),
		logger:              logger,
	}
}

// Handle processes one normalized forge event end to end. A nil error with a
// drop outcome means the event needs no retry; an error means the event
// should be redelivered.
func (d *Driver) Handle(ctx context.Context, ev *pipeline.ForgeEvent) (Outcome, error) {
	res, err := d.correlator.Correlate(ev)
	if err != nil {
		if errors.Is(err, feedback.ErrUnauthorizedSource) {
			d.logger.Warn("review action from unrecognized identity dropped",
				"delivery_id", ev.DeliveryID,
				"type", ev.Type,
				"sender", ev.Sender,
				"reason", err)
			return OutcomeDropped, nil
		}
		// No task id or no recognizable classification: drop without side
		// effects. Not an error escalation.
		d.logger.Info("event dropped",
			"delivery_id", ev.DeliveryID,
			"type", ev.Type,
			"reason", err)
		return OutcomeDropped, nil
	}
	for _, note := range res.Notes {
		d.logger.Warn("correlation anomaly", "task_id", res.TaskID, "note", note)
	}

	lock := d.lockFor(res.TaskID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		outcome, err := d.apply(ctx, ev, res)
		if errors.Is(err, storage.ErrRevisionConflict) {
			d.logger.Debug("conditional write conflict, reloading",
				"task_id", res.TaskID, "attempt", attempt)
			continue
		}
		return outcome, err
	}
	return OutcomeDropped, fmt.Errorf("%w: task %s", ErrRetriesExhausted, res.TaskID)
}

// apply runs one load-transition-commit cycle for a correlated event.
func (d *Driver) apply(ctx context.Context, ev *pipeline.ForgeEvent, res *pipeline.Result) (Outcome, error) {
	task, revision, err := d.loadOrCreate(ctx, ev, res)
	if err != nil {
		return OutcomeDropped, err
	}

	// Merge confirmation is the one event allowed past a terminal stage:
	// an approved PR merging still needs recording. The transition table
	// rejects it from escalated and merged.
	if task.Stage.Terminal() && res.Event.Kind != pipeline.EventMergeConfirmed {
		d.logger.Debug("event for terminal task dropped",
			"task_id", task.ID, "stage", task.Stage, "kind", res.Event.Kind)
		return OutcomeDropped, nil
	}

	transition, ok := pipeline.Next(task.Stage, res.Event.Kind)
	if !ok {
		// Stale: a duplicate or reordered delivery whose precondition no
		// longer holds. The guard here, not arrival order, is what keeps
		// at-least-once delivery from corrupting state.
		d.logger.Debug("stale event dropped",
			"task_id", task.ID, "stage", task.Stage, "kind", res.Event.Kind)
		return OutcomeDropped, nil
	}

	if transition.Remediate {
		return d.remediate(ctx, task, revision, res)
	}

	if transition.CancelDownstream {
		if err := d.cancelDownstream(ctx, task); err != nil {
			return OutcomeDropped, err
		}
	}

	prior := task.Stage
	task.Stage = transition.Next
	if err := d.store.Update(ctx, task, revision); err != nil {
		return OutcomeDropped, err
	}

	d.logger.Info("stage transition",
		"task_id", task.ID,
		"from", prior,
		"to", task.Stage,
		"kind", res.Event.Kind)

	d.afterCommit(ctx, task, res.Event.Kind)
	return OutcomeApplied, nil
}

// loadOrCreate fetches the task, creating it on the first recognized event
// for an unknown id.
func (d *Driver) loadOrCreate(ctx context.Context, ev *pipeline.ForgeEvent, res *pipeline.Result) (*pipeline.Task, uint64, error) {
	task, revision, err := d.store.Get(ctx, res.TaskID)
	if err == nil {
		return task, revision, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("load task %s: %w", res.TaskID, err)
	}

	task = pipeline.NewTask(res.TaskID, ev.PullRequest, res.Service, d.maxIterations, time.Now().UTC())
	if err := d.store.Create(ctx, task); err != nil {
		if errors.Is(err, storage.ErrExists) {
			// Lost a create race with another instance; reload.
			return d.store.Get(ctx, res.TaskID)
		}
		return nil, 0, fmt.Errorf("create task %s: %w", res.TaskID, err)
	}
	d.logger.Info("task created",
		"task_id", task.ID, "pull_request", task.PullRequest, "service", task.Service)
	return d.store.Get(ctx, res.TaskID)
}

// remediate delegates a feedback event to the remediation controller and
// translates its failure modes into ack policy.
func (d *Driver) remediate(ctx context.Context, task *pipeline.Task, revision uint64, res *pipeline.Result) (Outcome, error) {
	err := d.remediator.Remediate(ctx, task, revision, res.Event)
	switch {
	case err == nil:
		remediationsStarted.Inc()
		return OutcomeRemediated, nil
	case errors.Is(err, remediation.ErrEscalated):
		escalations.Inc()
		return OutcomeEscalated, nil
	case errors.Is(err, feedback.ErrUnauthorizedSource):
		d.logger.Warn("unauthorized feedback dropped",
			"task_id", task.ID, "author", res.Event.Actor)
		return OutcomeDropped, nil
	case errors.Is(err, feedback.ErrNotActionable):
		d.logger.Debug("comment without required-changes marker ignored",
			"task_id", task.ID)
		return OutcomeDropped, nil
	case errors.Is(err, storage.ErrRevisionConflict):
		return OutcomeDropped, err
	default:
		var fieldErr *feedback.UnrecognizedFieldError
		if errors.As(err, &fieldErr) {
			// Malformed feedback will not parse better on redelivery; log
			// for operator review and drop.
			d.logger.Warn("unparseable feedback dropped",
				"task_id", task.ID, "section", fieldErr.Section, "value", fieldErr.Value)
			return OutcomeDropped, nil
		}
		return OutcomeDropped, fmt.Errorf("remediate task %s: %w", task.ID, err)
	}
}

// cancelDownstream cancels quality and testing runs plus the workflow's
// current iteration before a push-driven rewind commits.
func (d *Driver) cancelDownstream(ctx context.Context, task *pipeline.Task) error {
	n, err := d.canceler.Cancel(ctx, task.ID, runs.DownstreamRoles, "superseded by new push")
	if err != nil {
		return fmt.Errorf("cancel downstream runs for %s: %w", task.ID, err)
	}
	if n > 0 {
		downstreamCancels.Add(float64(n))
		d.logger.Info("downstream runs canceled", "task_id", task.ID, "count", n)
	}
	if err := d.signaler.Cancel(ctx, task.ID, "superseded by new push"); err != nil {
		// The workflow may have already completed its iteration; log and
		// continue, the resume after commit re-targets it.
		d.logger.Warn("workflow cancel signal failed", "task_id", task.ID, "error", err)
	}
	return nil
}

// afterCommit performs the post-commit side effects of a forward transition:
// the workflow resume signal and the stage label sync. The persisted stage is
// already correct and a redelivery would be dropped as stale, so this is the
// workflow's only chance to be resumed: transient failures get three attempts
// with backoff before the failure is logged and the event acked anyway.
func (d *Driver) afterCommit(ctx context.Context, task *pipeline.Task, kind pipeline.EventKind) {
	transitionsApplied.WithLabelValues(string(task.Stage)).Inc()

	if err := d.retrySignal(ctx, func() error {
		return d.signaler.Resume(ctx, task.ID, kind, task.Stage)
	}); err != nil {
		d.logger.Warn("workflow resume signal failed",
			"task_id", task.ID, "stage", task.Stage, "error", err)
	}

	if label, ok := d.stageLabels[task.Stage]; ok && d.labeler != nil {
		if err := d.retrySignal(ctx, func() error {
			return d.labeler.SetStageLabel(ctx, task.PullRequest, label, d.knownLabels)
		}); err != nil {
			d.logger.Warn("stage label sync failed",
				"task_id", task.ID, "label", label, "error", err)
		}
	}
}

// retrySignal runs op up to 3 times with exponential backoff.
func (d *Driver) retrySignal(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.signalRetryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}

func (d *Driver) lockFor(id pipeline.TaskID) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	lock, ok := d.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[id] = lock
	}
	return lock
}
