package pipeline

// Stage is a task's position in the delivery pipeline.
type Stage string

const (
	// StageImplementation: the implementation agent is producing code.
	StageImplementation Stage = "implementation"
	// StageQualityReview: awaiting the quality agent's review.
	StageQualityReview Stage = "quality_review"
	// StageTesting: awaiting the testing agent's verdict.
	StageTesting Stage = "testing"
	// StageApproved: terminal success.
	StageApproved Stage = "approved"
	// StageRequiresChanges: remediation in progress.
	StageRequiresChanges Stage = "requires_changes"
	// StageEscalated: terminal failure, iteration budget exhausted. A human
	// resets the task out-of-band; no automated transition leaves this stage.
	StageEscalated Stage = "escalated"
	// StageMerged: terminal, set by an external merge confirmation.
	StageMerged Stage = "merged"
)

// Terminal reports whether the pipeline's own automation is finished for
// the stage. An external merge confirmation may still move an approved task
// to merged; escalated and merged accept nothing.
func (s Stage) Terminal() bool {
	switch s {
	case StageApproved, StageEscalated, StageMerged:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	switch s {
	case StageImplementation, StageQualityReview, StageTesting, StageApproved,
		StageRequiresChanges, StageEscalated, StageMerged:
		return true
	default:
		return false
	}
}

// Transition is the outcome of applying an event to a stage.
type Transition struct {
	Next Stage

	// CancelDownstream means quality/testing agent runs for the task must be
	// canceled before the stage change takes effect (push-driven resets).
	CancelDownstream bool

	// Remediate means the event enters the remediation loop instead of a
	// plain stage change; the remediation controller owns the resulting
	// stage and iteration updates.
	Remediate bool
}

// Next computes the transition for (current stage, event kind). ok is false
// when the combination is not in the table: the event is stale (duplicate or
// reordered delivery) and must be dropped with a debug log, never applied.
//
// The caller must re-check the persisted stage under per-task serialization
// before committing; that guard, not arrival order, is the correctness
// property protecting against at-least-once delivery.
func Next(current Stage, kind EventKind) (Transition, bool) {
	// Merge confirmation is accepted from any stage except escalated and
	// merged itself. Approved explicitly accepts it: a PR merging after
	// approval is the normal exit of the pipeline.
	if kind == EventMergeConfirmed {
		switch current {
		case StageEscalated, StageMerged:
			return Transition{}, false
		}
		return Transition{Next: StageMerged}, true
	}

	// A push from an implementation identity rewinds any non-terminal stage
	// to quality review and cancels in-flight downstream runs. Iteration is
	// not charged: push-driven resets do not consume remediation budget.
	if kind == EventImplementationPush {
		if current.Terminal() {
			return Transition{}, false
		}
		return Transition{Next: StageQualityReview, CancelDownstream: current == StageTesting || current == StageQualityReview}, true
	}

	switch current {
	case StageImplementation:
		if kind == EventPullRequestOpened {
			return Transition{Next: StageQualityReview}, true
		}
	case StageQualityReview:
		if kind == EventQualityLabelAdded {
			return Transition{Next: StageTesting}, true
		}
	case StageTesting:
		switch kind {
		case EventFeedbackPosted:
			return Transition{Remediate: true}, true
		case EventReviewApproved:
			return Transition{Next: StageApproved}, true
		}
	case StageRequiresChanges:
		// The re-invoked implementation run reports completion through a
		// PullRequestOpened-equivalent event, re-entering the normal machine.
		if kind == EventPullRequestOpened {
			return Transition{Next: StageQualityReview}, true
		}
	}
	return Transition{}, false
}
