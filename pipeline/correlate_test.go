package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator() *Correlator {
	return &Correlator{
		QualityLabel:             "ready-for-qa",
		ImplementationIdentities: []string{"impl-agent", "impl-agent[bot]"},
	}
}

func TestCorrelate_TaskLabel(t *testing.T) {
	res, err := newTestCorrelator().Correlate(&ForgeEvent{
		Type:        DeliveryPullRequest,
		Action:      "opened",
		PullRequest: 42,
		Labels:      []string{"task-5"},
	})
	require.NoError(t, err)

	assert.Equal(t, TaskID(5), res.TaskID)
	assert.Equal(t, EventPullRequestOpened, res.Event.Kind)
	assert.Empty(t, res.Notes)
}

func TestCorrelate_BranchFallback(t *testing.T) {
	tests := []struct {
		branch string
		want   TaskID
	}{
		{"feature/task-12-add-auth", 12},
		{"task-7-fix-login", 7},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			res, err := newTestCorrelator().Correlate(&ForgeEvent{
				Type:   DeliveryPullRequest,
				Action: "opened",
				Branch: tt.branch,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.TaskID)
		})
	}
}

func TestCorrelate_LabelWinsOverBranch(t *testing.T) {
	ev := &ForgeEvent{
		Type:   DeliveryPullRequest,
		Action: "opened",
		Labels: []string{"task-5"},
		Branch: "feature/task-12-add-auth",
	}

	res, err := newTestCorrelator().Correlate(ev)
	require.NoError(t, err)
	assert.Equal(t, TaskID(5), res.TaskID)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "disagree")

	// The precedence is configurable.
	c := newTestCorrelator()
	c.PreferBranch = true
	res, err = c.Correlate(ev)
	require.NoError(t, err)
	assert.Equal(t, TaskID(12), res.TaskID)
}

func TestCorrelate_MultipleTaskLabels(t *testing.T) {
	res, err := newTestCorrelator().Correlate(&ForgeEvent{
		Type:   DeliveryPullRequest,
		Action: "opened",
		Labels: []string{"task-3", "task-9"},
	})
	require.NoError(t, err)

	// First encountered wins; the extra label is an anomaly, not an error.
	assert.Equal(t, TaskID(3), res.TaskID)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "task-9")
}

func TestCorrelate_ServiceLabel(t *testing.T) {
	res, err := newTestCorrelator().Correlate(&ForgeEvent{
		Type:   DeliveryPullRequest,
		Action: "opened",
		Labels: []string{"service-billing", "task-4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", res.Service)
}

func TestCorrelate_Unidentified(t *testing.T) {
	_, err := newTestCorrelator().Correlate(&ForgeEvent{
		Type:   DeliveryPullRequest,
		Action: "opened",
		Labels: []string{"enhancement"},
		Branch: "main",
	})
	assert.ErrorIs(t, err, ErrUnidentified)
}

func TestCorrelate_Classification(t *testing.T) {
	tests := []struct {
		name string
		ev   ForgeEvent
		want EventKind
	}{
		{
			name: "quality label added",
			ev:   ForgeEvent{Type: DeliveryLabel, Action: "labeled", Label: "ready-for-qa", Sender: "quality-agent"},
			want: EventQualityLabelAdded,
		},
		{
			name: "review approved",
			ev:   ForgeEvent{Type: DeliveryReview, ReviewState: "approved", Sender: "test-agent"},
			want: EventReviewApproved,
		},
		{
			name: "comment created",
			ev:   ForgeEvent{Type: DeliveryComment, Action: "created", CommentBody: "looks off", Sender: "qa-bot"},
			want: EventFeedbackPosted,
		},
		{
			name: "push by implementation identity",
			ev:   ForgeEvent{Type: DeliveryPush, Pusher: "impl-agent"},
			want: EventImplementationPush,
		},
		{
			name: "merged pull request",
			ev:   ForgeEvent{Type: DeliveryPullRequest, Action: "closed", Merged: true},
			want: EventMergeConfirmed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Labels = []string{"task-1"}
			res, err := newTestCorrelator().Correlate(&tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Event.Kind)
		})
	}
}

func TestCorrelate_Unclassified(t *testing.T) {
	tests := []struct {
		name string
		ev   ForgeEvent
	}{
		{"push by stranger", ForgeEvent{Type: DeliveryPush, Pusher: "random-user"}},
		{"irrelevant label", ForgeEvent{Type: DeliveryLabel, Action: "labeled", Label: "documentation"}},
		{"review requesting changes", ForgeEvent{Type: DeliveryReview, ReviewState: "changes_requested"}},
		{"closed without merge", ForgeEvent{Type: DeliveryPullRequest, Action: "closed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Labels = []string{"task-1"}
			_, err := newTestCorrelator().Correlate(&tt.ev)
			assert.ErrorIs(t, err, ErrUnclassified)
		})
	}
}

type allowListCheck []string

func (a allowListCheck) Validate(author string) error {
	for _, id := range a {
		if id == author {
			return nil
		}
	}
	return errUnknownReviewer
}

var errUnknownReviewer = errors.New("reviewer not recognized")

func TestCorrelate_ReviewerIdentityGate(t *testing.T) {
	c := newTestCorrelator()
	c.Reviewers = allowListCheck{"quality-agent", "test-agent"}

	tests := []struct {
		name   string
		ev     ForgeEvent
		wantOK bool
	}{
		{
			name:   "label by recognized reviewer",
			ev:     ForgeEvent{Type: DeliveryLabel, Action: "labeled", Label: "ready-for-qa", Sender: "quality-agent"},
			wantOK: true,
		},
		{
			name:   "approval by recognized reviewer",
			ev:     ForgeEvent{Type: DeliveryReview, ReviewState: "approved", Sender: "test-agent"},
			wantOK: true,
		},
		{
			name: "label by stranger",
			ev:   ForgeEvent{Type: DeliveryLabel, Action: "labeled", Label: "ready-for-qa", Sender: "drive-by-account"},
		},
		{
			name: "approval by stranger",
			ev:   ForgeEvent{Type: DeliveryReview, ReviewState: "approved", Sender: "drive-by-account"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Labels = []string{"task-1"}
			_, err := c.Correlate(&tt.ev)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errUnknownReviewer)
			}
		})
	}
}

// Correlate must be pure: same payload, same result, every time.
func TestCorrelate_Deterministic(t *testing.T) {
	ev := &ForgeEvent{
		Type:   DeliveryComment,
		Action: "created",
		Labels: []string{"task-8", "service-api", "task-2"},
		Branch: "feature/task-8-wire-metrics",
	}

	c := newTestCorrelator()
	first, err := c.Correlate(ev)
	require.NoError(t, err)
	for range 5 {
		again, err := c.Correlate(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
