// Package pipeline holds the domain core of the delivery pipeline: the Task
// record, stage state machine, event classification, and correlation of
// inbound forge events to tasks.
package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/c360studio/mergeflow/feedback"
)

// TaskID identifies one task under automation. IDs are extracted from
// correlation labels or branch names and are immutable once assigned.
type TaskID int64

// String returns the canonical label form, e.g. "task-5".
func (id TaskID) String() string {
	return fmt.Sprintf("task-%d", id)
}

// ParseTaskID parses a decimal task id, e.g. the first segment of an agent
// run key.
func ParseTaskID(s string) (TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return TaskID(n), nil
}

// DefaultMaxIterations bounds the remediation loop when config does not
// override it.
const DefaultMaxIterations = 10

// Task is the persisted unit of pipeline state for one pull request.
// It is mutated only by the orchestration driver under per-task
// serialization; the store enforces revision-based conditional writes.
type Task struct {
	ID          TaskID `json:"task_id"`
	PullRequest int    `json:"pull_request"`

	// Service is the optional service name from a service-<name> correlation
	// label, used for workflow naming in multi-service pipelines.
	Service string `json:"service,omitempty"`

	Stage Stage `json:"stage"`

	// Iteration counts remediation cycles. Only the remediation controller
	// increments it; push-driven stage resets do not consume budget.
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	// FeedbackHistory is append-only and chronological. Records are never
	// removed; only their Resolved flag may later flip to true.
	FeedbackHistory []FeedbackRecord `json:"feedback_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedbackRecord is one parsed review-comment result attached to a task.
type FeedbackRecord struct {
	Iteration         int                `json:"iteration"`
	Timestamp         time.Time          `json:"timestamp"`
	Author            string             `json:"author"`
	IssueType         feedback.IssueType `json:"issue_type"`
	Severity          feedback.Severity  `json:"severity"`
	Description       string             `json:"description"`
	CriteriaNotMet    []string           `json:"criteria_not_met"`
	ReproductionSteps []string           `json:"reproduction_steps,omitempty"`
	ExpectedBehavior  string             `json:"expected_behavior,omitempty"`
	ActualBehavior    string             `json:"actual_behavior,omitempty"`
	Resolved          bool               `json:"resolved"`
}

// NewTask creates a task record in the implementation stage. The first
// recognized correlation event for an unknown id creates its task.
func NewTask(id TaskID, pullRequest int, service string, maxIterations int, now time.Time) *Task {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Task{
		ID:            id,
		PullRequest:   pullRequest,
		Service:       service,
		Stage:         StageImplementation,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UnresolvedFeedback returns the feedback records not yet marked resolved,
// oldest first. This is the context handed to a re-invoked implementation run.
func (t *Task) UnresolvedFeedback() []FeedbackRecord {
	var open []FeedbackRecord
	for _, r := range t.FeedbackHistory {
		if !r.Resolved {
			open = append(open, r)
		}
	}
	return open
}

// ApplyImplicitResolution marks earlier unresolved records resolved when the
// newly posted feedback no longer lists any of their unmet criteria. The
// comparison uses normalized criterion text. Returns the number of records
// resolved. This heuristic is configurable and may be disabled (see config).
func (t *Task) ApplyImplicitResolution(latest *feedback.StructuredFeedback) int {
	current := make(map[string]bool)
	for _, c := range latest.CriteriaNotMet() {
		current[feedback.NormalizeCriterion(c)] = true
	}

	resolved := 0
	for i := range t.FeedbackHistory {
		rec := &t.FeedbackHistory[i]
		if rec.Resolved {
			continue
		}
		stillOpen := false
		for _, c := range rec.CriteriaNotMet {
			if current[feedback.NormalizeCriterion(c)] {
				stillOpen = true
				break
			}
		}
		if !stillOpen {
			rec.Resolved = true
			resolved++
		}
	}
	return resolved
}
