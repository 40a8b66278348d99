// Package remediation owns the bounded fix-review loop: when downstream
// review posts actionable feedback, it records the feedback, cancels
// invalidated downstream runs, resets stage labels, and re-invokes the
// implementation role, escalating to a human once the iteration budget is
// spent.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/mergeflow/feedback"
	"github.com/c360studio/mergeflow/forge"
	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/runs"
	"github.com/c360studio/mergeflow/storage"
)

// ErrEscalated reports that the task hit its iteration ceiling. It is the
// one designed terminal failure: automation stops until a human resets the
// task out of band.
var ErrEscalated = errors.New("remediation budget exhausted, task escalated")

// ErrUnauthorizedSource reports feedback from an identity outside the
// reviewer allow-list. No state changes.
var ErrUnauthorizedSource = feedback.ErrUnauthorizedSource

// RunCanceler cancels in-flight agent runs for a task.
type RunCanceler interface {
	Cancel(ctx context.Context, id pipeline.TaskID, roles []runs.Role, reason string) (int, error)
}

// ForgeAPI is the slice of the forge client remediation needs.
type ForgeAPI interface {
	PostComment(ctx context.Context, pr int, body string) error
	SetStageLabel(ctx context.Context, pr int, target string, known []string) error
}

// ImplementationTrigger starts a fresh implementation-role run carrying the
// task's unresolved feedback as context.
type ImplementationTrigger interface {
	TriggerImplementation(ctx context.Context, task *pipeline.Task, open []pipeline.FeedbackRecord) error
}

// Labels configures the stage-indicator labels the controller writes.
type Labels struct {
	// InProgress marks a pull request undergoing remediation.
	InProgress string
	// Failed marks a pull request whose task escalated.
	Failed string
	// Known is the full mutually exclusive stage-label set.
	Known []string
}

// DefaultLabels returns the conventional label set.
func DefaultLabels() Labels {
	return Labels{
		InProgress: "remediation-in-progress",
		Failed:     "failed-remediation",
		Known: []string{
			"needs-fixes",
			"remediation-in-progress",
			"approved",
			"failed-remediation",
		},
	}
}

// Controller runs one remediation cycle per actionable feedback event. It is
// invoked by the orchestration driver under per-task serialization; the
// driver owns loading the task and the revision used for the conditional
// commit.
type Controller struct {
	store     storage.TaskStore
	validator *feedback.ReviewerValidator
	parser    *feedback.Parser
	canceler  RunCanceler
	forgeAPI  ForgeAPI
	trigger   ImplementationTrigger
	labels    Labels

	// ImplicitResolution controls whether earlier feedback whose criteria no
	// longer appear in the newest comment is marked resolved. See the parser
	// package for the heuristic's limits.
	implicitResolution bool

	retryInterval time.Duration
	logger        *slog.Logger
}

// Options configures a Controller.
type Options struct {
	Labels             Labels
	ImplicitResolution bool
	// RetryInterval is the initial backoff for transient side-effect
	// failures. Zero means 500ms.
	RetryInterval time.Duration
}

// NewController wires a Controller.
func NewController(
	store storage.TaskStore,
	validator *feedback.ReviewerValidator,
	parser *feedback.Parser,
	canceler RunCanceler,
	forgeAPI ForgeAPI,
	trigger ImplementationTrigger,
	opts Options,
	logger *slog.Logger,
) *Controller {
	if opts.Labels.InProgress == "" {
		opts.Labels = DefaultLabels()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Controller{
		store:              store,
		validator:          validator,
		parser:             parser,
		canceler:           canceler,
		forgeAPI:           forgeAPI,
		trigger:            trigger,
		labels:             opts.Labels,
		implicitResolution: opts.ImplicitResolution,
		retryInterval:      opts.RetryInterval,
		logger:             logger,
	}
}

// Remediate runs one remediation cycle for the given task and feedback
// event. The task was loaded at the given store revision under the driver's
// per-task lock; every persist goes through a conditional write against that
// revision so a concurrent writer forces the driver to retry the whole
// operation.
//
// Side effects happen before the commit they correspond to, and each
// transient side-effect failure is retried up to 3 times before the cycle is
// abandoned with the persisted record untouched.
func (c *Controller) Remediate(ctx context.Context, task *pipeline.Task, revision uint64, ev pipeline.Event) error {
	if err := c.validator.Validate(ev.Actor); err != nil {
		return fmt.Errorf("feedback from %q: %w", ev.Actor, err)
	}

	parsed, err := c.parser.Parse(ev.Body)
	if err != nil {
		return fmt.Errorf("parse feedback: %w", err)
	}

	if c.implicitResolution {
		if n := task.ApplyImplicitResolution(parsed); n > 0 {
			c.logger.Info("implicitly resolved earlier feedback",
				"task_id", task.ID, "records", n)
		}
	}

	task.FeedbackHistory = append(task.FeedbackHistory, pipeline.FeedbackRecord{
		Iteration:         task.Iteration,
		Timestamp:         time.Now().UTC(),
		Author:            ev.Actor,
		IssueType:         parsed.IssueType,
		Severity:          parsed.Severity,
		Description:       parsed.Description,
		CriteriaNotMet:    parsed.CriteriaNotMet(),
		ReproductionSteps: parsed.ReproductionSteps,
		ExpectedBehavior:  parsed.ExpectedBehavior,
		ActualBehavior:    parsed.ActualBehavior,
	})

	if task.Iteration+1 >= task.MaxIterations {
		return c.escalate(ctx, task, revision)
	}

	task.Iteration++
	task.Stage = pipeline.StageRequiresChanges
	if err := c.store.Update(ctx, task, revision); err != nil {
		return fmt.Errorf("persist remediation state: %w", err)
	}

	if err := c.retry(ctx, "cancel downstream runs", func() error {
		_, err := c.canceler.Cancel(ctx, task.ID, runs.DownstreamRoles, "superseded by remediation")
		return err
	}); err != nil {
		return err
	}

	if err := c.retry(ctx, "set stage label", func() error {
		return c.forgeAPI.SetStageLabel(ctx, task.PullRequest, c.labels.InProgress, c.labels.Known)
	}); err != nil {
		return err
	}

	if err := c.retry(ctx, "trigger implementation", func() error {
		return c.trigger.TriggerImplementation(ctx, task, task.UnresolvedFeedback())
	}); err != nil {
		return err
	}

	c.logger.Info("remediation cycle started",
		"task_id", task.ID,
		"iteration", task.Iteration,
		"max_iterations", task.MaxIterations,
		"severity", parsed.Severity)
	return nil
}

// escalate marks the task terminally escalated, posts the notice, and flips
// the stage label. The persisted record commits first so a crash mid-notice
// can never restart automation.
func (c *Controller) escalate(ctx context.Context, task *pipeline.Task, revision uint64) error {
	task.Iteration = task.MaxIterations
	task.Stage = pipeline.StageEscalated
	if err := c.store.Update(ctx, task, revision); err != nil {
		return fmt.Errorf("persist escalation: %w", err)
	}

	if err := c.retry(ctx, "post escalation notice", func() error {
		return c.forgeAPI.PostComment(ctx, task.PullRequest, forge.EscalationNotice(task))
	}); err != nil {
		c.logger.Error("escalation notice not posted", "task_id", task.ID, "error", err)
	}
	if err := c.retry(ctx, "set escalation label", func() error {
		return c.forgeAPI.SetStageLabel(ctx, task.PullRequest, c.labels.Failed, c.labels.Known)
	}); err != nil {
		c.logger.Error("escalation label not set", "task_id", task.ID, "error", err)
	}

	c.logger.Error("task escalated, automation stopped",
		"task_id", task.ID,
		"iterations", task.Iteration)
	return ErrEscalated
}

// retry runs op up to 3 times with exponential backoff for transient
// failures. Permanent failures abort immediately.
func (c *Controller) retry(ctx context.Context, step string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("transient remediation step failure",
			"step", step, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

// transient classifies failures eligible for retry. Forge 5xx and network
// errors, unacknowledged cancels, and timeouts are transient; everything
// else is permanent.
func transient(err error) bool {
	if errors.Is(err, forge.ErrUnavailable) || errors.Is(err, runs.ErrCancelUnacknowledged) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
