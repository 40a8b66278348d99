// Package engine resolves workflow instance names and signals the external
// workflow engine to resume or cancel a suspended instance. The engine itself
// is an external collaborator; this package only composes names and publishes
// signals.
package engine

import (
	"fmt"

	"github.com/c360studio/mergeflow/pipeline"
)

// Resolver maps a task id to the name of the one workflow instance that
// should receive a signal. Naming is deterministic composition, never pattern
// matching against a candidate list, so duplicate deliveries always target
// the same instance.
type Resolver struct {
	// Prefix is the pipeline deployment prefix, e.g. "mergeflow".
	Prefix string
}

// WorkflowName returns the instance name for a task,
// e.g. "mergeflow-task-5-workflow".
func (r Resolver) WorkflowName(id pipeline.TaskID) string {
	return fmt.Sprintf("%s-%s-workflow", r.Prefix, id)
}
