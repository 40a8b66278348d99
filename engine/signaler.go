package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/mergeflow/pipeline"
)

// Signal subjects. The workflow engine consumes these from the ENGINE stream;
// one subject per verb with the instance name as the final token.
const (
	resumeSubjectPrefix = "engine.signal.resume."
	cancelSubjectPrefix = "engine.signal.cancel."
)

// ResumeSubject returns the subject a resume signal for the named instance is
// published to.
func ResumeSubject(workflow string) string {
	return resumeSubjectPrefix + workflow
}

// CancelSubject returns the subject a cancel signal for the named instance is
// published to.
func CancelSubject(workflow string) string {
	return cancelSubjectPrefix + workflow
}

// StreamPublisher is the publishing capability the signaler needs, satisfied
// by natsclient.Client.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// ResumeSignal is the payload published to the resume subject.
type ResumeSignal struct {
	Workflow  string            `json:"workflow"`
	TaskID    pipeline.TaskID   `json:"task_id"`
	Event     pipeline.EventKind `json:"event"`
	Stage     pipeline.Stage    `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`

	// OpenFeedback rides along on remediation resumes so the implementation
	// run starts with the unresolved defect list in hand.
	OpenFeedback []pipeline.FeedbackRecord `json:"open_feedback,omitempty"`
}

// CancelSignal is the payload published to the cancel subject.
type CancelSignal struct {
	Workflow  string          `json:"workflow"`
	TaskID    pipeline.TaskID `json:"task_id"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signaler publishes resume and cancel signals for workflow instances.
type Signaler struct {
	resolver  Resolver
	publisher StreamPublisher
}

// NewSignaler creates a Signaler over the given publisher.
func NewSignaler(resolver Resolver, publisher StreamPublisher) *Signaler {
	return &Signaler{resolver: resolver, publisher: publisher}
}

// Resume signals the task's workflow instance to continue past its current
// suspension point. The event kind and post-transition stage ride along so
// the engine can validate it is resuming from the step it suspended on.
func (s *Signaler) Resume(ctx context.Context, id pipeline.TaskID, kind pipeline.EventKind, stage pipeline.Stage) error {
	return s.publishResume(ctx, ResumeSignal{
		Workflow:  s.resolver.WorkflowName(id),
		TaskID:    id,
		Event:     kind,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
	})
}

// ResumeRemediation resumes the workflow at its remediation suspension point,
// carrying the still-open feedback records for the re-invoked implementation
// run.
func (s *Signaler) ResumeRemediation(ctx context.Context, id pipeline.TaskID, open []pipeline.FeedbackRecord) error {
	return s.publishResume(ctx, ResumeSignal{
		Workflow:     s.resolver.WorkflowName(id),
		TaskID:       id,
		Event:        pipeline.EventFeedbackPosted,
		Stage:        pipeline.StageRequiresChanges,
		Timestamp:    time.Now().UTC(),
		OpenFeedback: open,
	})
}

func (s *Signaler) publishResume(ctx context.Context, sig ResumeSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal resume signal: %w", err)
	}
	if err := s.publisher.PublishToStream(ctx, ResumeSubject(sig.Workflow), data); err != nil {
		return fmt.Errorf("publish resume signal for %s: %w", sig.Workflow, err)
	}
	return nil
}

// Cancel signals the task's workflow instance to abandon its current
// iteration. Used when a push rewinds the pipeline while downstream stages
// are in flight.
func (s *Signaler) Cancel(ctx context.Context, id pipeline.TaskID, reason string) error {
	name := s.resolver.WorkflowName(id)
	sig := CancelSignal{
		Workflow:  name,
		TaskID:    id,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal cancel signal: %w", err)
	}
	if err := s.publisher.PublishToStream(ctx, CancelSubject(name), data); err != nil {
		return fmt.Errorf("publish cancel signal for %s: %w", name, err)
	}
	return nil
}
