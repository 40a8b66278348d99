package remediation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mergeflow/feedback"
	"github.com/c360studio/mergeflow/forge"
	"github.com/c360studio/mergeflow/pipeline"
	"github.com/c360studio/mergeflow/runs"
	"github.com/c360studio/mergeflow/storage"
)

const actionableComment = "🔴 Required Changes\n\n" +
	"**Issue Type**: [Bug]\n" +
	"**Severity**: [Critical]\n\n" +
	"### Description\n" +
	"Login rejects valid credentials after token refresh.\n\n" +
	"### Acceptance Criteria Not Met\n" +
	"- [ ] Valid users can log in\n" +
	"- [ ] Sessions survive token refresh\n"

type fakeCanceler struct {
	calls  int
	roles  []runs.Role
	taskID pipeline.TaskID
	err    error
}

func (f *fakeCanceler) Cancel(_ context.Context, id pipeline.TaskID, roles []runs.Role, _ string) (int, error) {
	f.calls++
	f.taskID = id
	f.roles = roles
	if f.err != nil {
		return 0, f.err
	}
	return len(roles), nil
}

type fakeForge struct {
	comments    []string
	stageLabels []string
	labelErrs   []error
}

func (f *fakeForge) PostComment(_ context.Context, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeForge) SetStageLabel(_ context.Context, _ int, target string, _ []string) error {
	if len(f.labelErrs) > 0 {
		err := f.labelErrs[0]
		f.labelErrs = f.labelErrs[1:]
		if err != nil {
			return err
		}
	}
	f.stageLabels = append(f.stageLabels, target)
	return nil
}

type fakeTrigger struct {
	calls int
	open  []pipeline.FeedbackRecord
	err   error
}

func (f *fakeTrigger) TriggerImplementation(_ context.Context, _ *pipeline.Task, open []pipeline.FeedbackRecord) error {
	f.calls++
	f.open = open
	return f.err
}

type fixture struct {
	store    *storage.MemoryStore
	canceler *fakeCanceler
	forgeAPI *fakeForge
	trigger  *fakeTrigger
	ctrl     *Controller
}

func newFixture(t *testing.T, implicit bool) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		canceler: &fakeCanceler{},
		forgeAPI: &fakeForge{},
		trigger:  &fakeTrigger{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	validator := feedback.NewReviewerValidator([]string{"qa-reviewer"}, nil)
	f.ctrl = NewController(
		f.store, validator, feedback.NewParser(),
		f.canceler, f.forgeAPI, f.trigger,
		Options{ImplicitResolution: implicit, RetryInterval: time.Millisecond},
		logger,
	)
	return f
}

func (f *fixture) seedTask(t *testing.T, iteration, maxIterations int) (*pipeline.Task, uint64) {
	t.Helper()
	ctx := context.Background()
	task := pipeline.NewTask(5, 42, "payments", maxIterations, time.Now().UTC())
	task.Stage = pipeline.StageTesting
	task.Iteration = iteration
	require.NoError(t, f.store.Create(ctx, task))
	loaded, rev, err := f.store.Get(ctx, 5)
	require.NoError(t, err)
	return loaded, rev
}

func feedbackEvent(actor string) pipeline.Event {
	return pipeline.Event{Kind: pipeline.EventFeedbackPosted, Actor: actor, Body: actionableComment}
}

func TestRemediateHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	require.NoError(t, f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer")))

	got, _, err := f.store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRequiresChanges, got.Stage)
	assert.Equal(t, 3, got.Iteration)
	require.Len(t, got.FeedbackHistory, 1)
	assert.Equal(t, feedback.SeverityCritical, got.FeedbackHistory[0].Severity)
	assert.Len(t, got.FeedbackHistory[0].CriteriaNotMet, 2)
	// Feedback is recorded under the iteration it was produced in.
	assert.Equal(t, 2, got.FeedbackHistory[0].Iteration)

	assert.Equal(t, 1, f.canceler.calls)
	assert.Equal(t, runs.DownstreamRoles, f.canceler.roles)
	assert.Equal(t, []string{"remediation-in-progress"}, f.forgeAPI.stageLabels)
	assert.Equal(t, 1, f.trigger.calls)
	require.Len(t, f.trigger.open, 1)
}

func TestRemediateUnauthorizedSourceNoStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	err := f.ctrl.Remediate(ctx, task, rev, feedbackEvent("drive-by-commenter"))
	assert.ErrorIs(t, err, feedback.ErrUnauthorizedSource)

	got, gotRev, getErr := f.store.Get(ctx, 5)
	require.NoError(t, getErr)
	assert.Equal(t, rev, gotRev)
	assert.Equal(t, pipeline.StageTesting, got.Stage)
	assert.Empty(t, got.FeedbackHistory)
	assert.Zero(t, f.trigger.calls)
}

func TestRemediateNotActionableNoStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	ev := pipeline.Event{Kind: pipeline.EventFeedbackPosted, Actor: "qa-reviewer", Body: "LGTM, nice work"}
	err := f.ctrl.Remediate(ctx, task, rev, ev)
	assert.ErrorIs(t, err, feedback.ErrNotActionable)

	_, gotRev, getErr := f.store.Get(ctx, 5)
	require.NoError(t, getErr)
	assert.Equal(t, rev, gotRev)
	assert.Zero(t, f.canceler.calls)
}

func TestRemediateEscalatesAtBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 9, 10)

	err := f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer"))
	assert.ErrorIs(t, err, ErrEscalated)

	got, _, getErr := f.store.Get(ctx, 5)
	require.NoError(t, getErr)
	assert.Equal(t, pipeline.StageEscalated, got.Stage)
	assert.Equal(t, 10, got.Iteration)
	// The failing feedback is still part of the record.
	require.Len(t, got.FeedbackHistory, 1)

	// No implementation run is triggered and no downstream cancel happens.
	assert.Zero(t, f.trigger.calls)
	assert.Zero(t, f.canceler.calls)

	// The escalation notice went out and the label flipped.
	require.Len(t, f.forgeAPI.comments, 1)
	assert.Contains(t, f.forgeAPI.comments[0], "Automation has stopped")
	assert.Equal(t, []string{"failed-remediation"}, f.forgeAPI.stageLabels)
}

func TestRemediateRetriesTransientLabelFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	f.forgeAPI.labelErrs = []error{forge.ErrUnavailable, forge.ErrUnavailable}

	require.NoError(t, f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer")))
	assert.Equal(t, []string{"remediation-in-progress"}, f.forgeAPI.stageLabels)
	assert.Equal(t, 1, f.trigger.calls)
}

func TestRemediateGivesUpAfterThreeTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	f.forgeAPI.labelErrs = []error{forge.ErrUnavailable, forge.ErrUnavailable, forge.ErrUnavailable}

	err := f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer"))
	assert.ErrorIs(t, err, forge.ErrUnavailable)
	assert.Zero(t, f.trigger.calls)
}

func TestRemediatePermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	permanent := errors.New("label does not exist")
	f.forgeAPI.labelErrs = []error{permanent, permanent, permanent}

	err := f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer"))
	assert.ErrorIs(t, err, permanent)
	// Exactly one attempt was consumed.
	assert.Len(t, f.forgeAPI.labelErrs, 2)
}

func TestRemediateStaleRevisionAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 2, 10)

	// A concurrent writer advances the record first.
	other, _, err := f.store.Get(ctx, 5)
	require.NoError(t, err)
	other.Stage = pipeline.StageApproved
	require.NoError(t, f.store.Update(ctx, other, rev))

	err = f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer"))
	assert.ErrorIs(t, err, storage.ErrRevisionConflict)
	assert.Zero(t, f.canceler.calls)
	assert.Zero(t, f.trigger.calls)
}

func TestRemediateImplicitResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	task, rev := f.seedTask(t, 2, 10)

	task.FeedbackHistory = []pipeline.FeedbackRecord{{
		Iteration:      1,
		Author:         "qa-reviewer",
		IssueType:      feedback.IssueBug,
		Severity:       feedback.SeverityHigh,
		Description:    "Old defect",
		CriteriaNotMet: []string{"Old criterion no longer mentioned"},
	}}
	require.NoError(t, f.store.Update(ctx, task, rev))
	task, rev, err := f.store.Get(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer")))

	got, _, err := f.store.Get(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got.FeedbackHistory, 2)
	assert.True(t, got.FeedbackHistory[0].Resolved)
	assert.False(t, got.FeedbackHistory[1].Resolved)
	// Only the new feedback rides along as open context.
	require.Len(t, f.trigger.open, 1)
	assert.Equal(t, "Login rejects valid credentials after token refresh.", f.trigger.open[0].Description)
}

func TestIterationNeverExceedsBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	task, rev := f.seedTask(t, 9, 10)

	_ = f.ctrl.Remediate(ctx, task, rev, feedbackEvent("qa-reviewer"))

	got, _, err := f.store.Get(ctx, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.Iteration, got.MaxIterations)
}
