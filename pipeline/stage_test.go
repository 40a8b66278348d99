package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mergeflow/feedback"
)

func TestNext_ForwardTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Stage
		kind    EventKind
		want    Stage
	}{
		{"implementation to quality review", StageImplementation, EventPullRequestOpened, StageQualityReview},
		{"quality review to testing", StageQualityReview, EventQualityLabelAdded, StageTesting},
		{"testing to approved", StageTesting, EventReviewApproved, StageApproved},
		{"requires changes re-entry", StageRequiresChanges, EventPullRequestOpened, StageQualityReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := Next(tt.current, tt.kind)
			require.True(t, ok)
			assert.Equal(t, tt.want, tr.Next)
			assert.False(t, tr.Remediate)
		})
	}
}

func TestNext_FeedbackEntersRemediation(t *testing.T) {
	tr, ok := Next(StageTesting, EventFeedbackPosted)
	require.True(t, ok)
	assert.True(t, tr.Remediate)
}

func TestNext_ImplementationPushRewinds(t *testing.T) {
	for _, current := range []Stage{StageImplementation, StageQualityReview, StageTesting, StageRequiresChanges} {
		tr, ok := Next(current, EventImplementationPush)
		require.True(t, ok, "stage %s", current)
		assert.Equal(t, StageQualityReview, tr.Next)
	}

	// Downstream runs are canceled only when they could be in flight.
	tr, _ := Next(StageTesting, EventImplementationPush)
	assert.True(t, tr.CancelDownstream)
	tr, _ = Next(StageImplementation, EventImplementationPush)
	assert.False(t, tr.CancelDownstream)
}

func TestNext_StaleCombinationsDropped(t *testing.T) {
	tests := []struct {
		name    string
		current Stage
		kind    EventKind
	}{
		{"duplicate open after advance", StageQualityReview, EventPullRequestOpened},
		{"approval before testing", StageQualityReview, EventReviewApproved},
		{"quality label during implementation", StageImplementation, EventQualityLabelAdded},
		{"feedback outside testing", StageImplementation, EventFeedbackPosted},
		{"push on approved task", StageApproved, EventImplementationPush},
		{"push on escalated task", StageEscalated, EventImplementationPush},
		{"anything on merged task", StageMerged, EventPullRequestOpened},
		{"merge of escalated task", StageEscalated, EventMergeConfirmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Next(tt.current, tt.kind)
			assert.False(t, ok)
		})
	}
}

func TestNext_MergeConfirmed(t *testing.T) {
	// Approved is included: merge after approval is the normal exit.
	for _, current := range []Stage{StageImplementation, StageQualityReview, StageTesting, StageRequiresChanges, StageApproved} {
		tr, ok := Next(current, EventMergeConfirmed)
		require.True(t, ok, "from %s", current)
		assert.Equal(t, StageMerged, tr.Next)
	}
	for _, current := range []Stage{StageEscalated, StageMerged} {
		_, ok := Next(current, EventMergeConfirmed)
		assert.False(t, ok, "from %s", current)
	}
}

func TestStage_Terminal(t *testing.T) {
	assert.True(t, StageApproved.Terminal())
	assert.True(t, StageEscalated.Terminal())
	assert.True(t, StageMerged.Terminal())
	assert.False(t, StageTesting.Terminal())
	assert.False(t, StageRequiresChanges.Terminal())
}

func TestNewTask_Defaults(t *testing.T) {
	now := time.Now()
	task := NewTask(5, 42, "billing", 0, now)

	assert.Equal(t, TaskID(5), task.ID)
	assert.Equal(t, StageImplementation, task.Stage)
	assert.Equal(t, 0, task.Iteration)
	assert.Equal(t, DefaultMaxIterations, task.MaxIterations)
	assert.Equal(t, "billing", task.Service)
	assert.Equal(t, now, task.CreatedAt)
}

func TestTaskID_String(t *testing.T) {
	assert.Equal(t, "task-5", TaskID(5).String())
}

func TestApplyImplicitResolution(t *testing.T) {
	task := NewTask(1, 10, "", 10, time.Now())
	task.FeedbackHistory = []FeedbackRecord{
		{Iteration: 0, CriteriaNotMet: []string{"Login works", "Cookie issued"}},
		{Iteration: 1, CriteriaNotMet: []string{"Dashboard loads"}},
	}

	// New feedback still lists the dashboard criterion but drops the login
	// ones: the first record resolves, the second stays open.
	latest := &feedback.StructuredFeedback{
		Criteria: []feedback.CriterionStatus{{Description: "dashboard   LOADS"}},
	}

	resolved := task.ApplyImplicitResolution(latest)
	assert.Equal(t, 1, resolved)
	assert.True(t, task.FeedbackHistory[0].Resolved)
	assert.False(t, task.FeedbackHistory[1].Resolved)

	require.Len(t, task.UnresolvedFeedback(), 1)
	assert.Equal(t, 1, task.UnresolvedFeedback()[0].Iteration)
}
