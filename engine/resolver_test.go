package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mergeflow/pipeline"
)

func TestWorkflowName(t *testing.T) {
	r := Resolver{Prefix: "mergeflow"}

	assert.Equal(t, "mergeflow-task-5-workflow", r.WorkflowName(5))
	assert.Equal(t, "mergeflow-task-120-workflow", r.WorkflowName(120))
}

func TestWorkflowNameDeterministic(t *testing.T) {
	r := Resolver{Prefix: "staging"}

	first := r.WorkflowName(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.WorkflowName(42))
	}
}

func TestSignalSubjects(t *testing.T) {
	assert.Equal(t, "engine.signal.resume.mergeflow-task-5-workflow",
		ResumeSubject("mergeflow-task-5-workflow"))
	assert.Equal(t, "engine.signal.cancel.mergeflow-task-5-workflow",
		CancelSubject("mergeflow-task-5-workflow"))
}

type capturePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestSignalerResumeTargetsOneInstance(t *testing.T) {
	pub := &capturePublisher{}
	s := NewSignaler(Resolver{Prefix: "mergeflow"}, pub)

	err := s.Resume(context.Background(), 7, pipeline.EventReviewApproved, pipeline.StageApproved)
	require.NoError(t, err)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "engine.signal.resume.mergeflow-task-7-workflow", pub.subjects[0])
	assert.Contains(t, string(pub.payloads[0]), `"workflow":"mergeflow-task-7-workflow"`)
	assert.Contains(t, string(pub.payloads[0]), `"task_id":7`)
}

func TestSignalerResumeRemediationCarriesOpenFeedback(t *testing.T) {
	pub := &capturePublisher{}
	s := NewSignaler(Resolver{Prefix: "mergeflow"}, pub)

	open := []pipeline.FeedbackRecord{
		{Iteration: 2, Author: "qa-reviewer", Description: "Session cookie not set"},
	}
	err := s.ResumeRemediation(context.Background(), 7, open)
	require.NoError(t, err)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "engine.signal.resume.mergeflow-task-7-workflow", pub.subjects[0])

	var sig ResumeSignal
	require.NoError(t, json.Unmarshal(pub.payloads[0], &sig))
	assert.Equal(t, pipeline.EventFeedbackPosted, sig.Event)
	assert.Equal(t, pipeline.StageRequiresChanges, sig.Stage)
	require.Len(t, sig.OpenFeedback, 1)
	assert.Equal(t, "Session cookie not set", sig.OpenFeedback[0].Description)
}

func TestSignalerCancel(t *testing.T) {
	pub := &capturePublisher{}
	s := NewSignaler(Resolver{Prefix: "mergeflow"}, pub)

	err := s.Cancel(context.Background(), 9, "superseding push")
	require.NoError(t, err)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "engine.signal.cancel.mergeflow-task-9-workflow", pub.subjects[0])
	assert.Contains(t, string(pub.payloads[0]), `"reason":"superseding push"`)
}
