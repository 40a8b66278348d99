// Package runs cancels in-flight agent run processes. Runs are registered by
// the external run launcher in the AGENT_RUNS KV bucket; this package only
// lists them by task and role and issues cancel requests. It never tracks run
// state itself.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/mergeflow/pipeline"
)

// BucketRuns is the KV bucket where the run launcher registers active runs
// under keys of the form "<task_id>.<role>.<run_id>".
const BucketRuns = "AGENT_RUNS"

// cancelSubjectPrefix is the control subject each agent runner listens on for
// its own run id.
const cancelSubjectPrefix = "agent.control.cancel."

// CancelSubject returns the control subject for one run.
func CancelSubject(runID string) string {
	return cancelSubjectPrefix + runID
}

// Role names the pipeline stage an agent run belongs to.
type Role string

const (
	RoleImplementation Role = "implementation"
	RoleQuality        Role = "quality"
	RoleTesting        Role = "testing"
)

// DownstreamRoles are the roles canceled when remediation or a superseding
// push invalidates work in flight.
var DownstreamRoles = []Role{RoleQuality, RoleTesting}

// ErrCancelUnacknowledged reports that a runner did not reply to its cancel
// request within the deadline.
var ErrCancelUnacknowledged = errors.New("cancel request not acknowledged")

// Run identifies one registered agent run.
type Run struct {
	RunID  string
	TaskID pipeline.TaskID
	Role   Role
}

// Requester sends a core NATS request and waits for the reply. Satisfied by
// the ConnRequester adapter over *nats.Conn.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// KeyLister lists the keys of the runs bucket. jetstream.KeyValue satisfies
// it.
type KeyLister interface {
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// cancelRequest is the payload sent to a runner's control subject.
type cancelRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// Manager lists and cancels agent runs for a task. Cancellation waits only
// for the runner's acknowledgment, not for process termination, so
// remediation latency stays bounded.
type Manager struct {
	bucket     KeyLister
	requester  Requester
	ackTimeout time.Duration
	logger     *slog.Logger
}

// NewManager creates a Manager over the runs bucket and a requester.
func NewManager(bucket KeyLister, requester Requester, ackTimeout time.Duration, logger *slog.Logger) *Manager {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Manager{
		bucket:     bucket,
		requester:  requester,
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// OpenBucket binds to the AGENT_RUNS bucket, creating it when absent so the
// orchestrator can start before the run launcher.
func OpenBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, BucketRuns)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind runs bucket: %w", err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketRuns,
		Description: "Active agent runs registered by the run launcher",
	})
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}
	return kv, nil
}

// List returns the registered runs for a task whose role is in roles.
func (m *Manager) List(ctx context.Context, id pipeline.TaskID, roles []Role) ([]Run, error) {
	keys, err := m.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	wanted := make(map[Role]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}

	var matched []Run
	for _, key := range keys {
		run, ok := parseRunKey(key)
		if !ok {
			continue
		}
		if run.TaskID != id || !wanted[run.Role] {
			continue
		}
		matched = append(matched, run)
	}
	return matched, nil
}

// Cancel cancels every registered run for the task in the given roles and
// returns the count canceled. Zero matching runs is success. Each cancel
// waits for the runner's acknowledgment reply; a missing reply fails that
// run but the remaining runs are still attempted.
func (m *Manager) Cancel(ctx context.Context, id pipeline.TaskID, roles []Role, reason string) (int, error) {
	matched, err := m.List(ctx, id, roles)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}

	canceled := 0
	var firstErr error
	for _, run := range matched {
		if err := m.cancelOne(ctx, run, reason); err != nil {
			m.logger.Warn("run cancel failed",
				"task_id", run.TaskID,
				"role", run.Role,
				"run_id", run.RunID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		canceled++
	}
	return canceled, firstErr
}

func (m *Manager) cancelOne(ctx context.Context, run Run, reason string) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()

	data, err := json.Marshal(cancelRequest{RunID: run.RunID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}

	if _, err := m.requester.Request(reqCtx, CancelSubject(run.RunID), data); err != nil {
		return fmt.Errorf("%w: run %s: %v", ErrCancelUnacknowledged, run.RunID, err)
	}
	return nil
}

// parseRunKey splits "<task_id>.<role>.<run_id>" into a Run. Keys that do
// not have exactly three dot-separated parts, or whose first part is not a
// task label, are skipped.
func parseRunKey(key string) (Run, bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Run{}, false
	}
	id, err := pipeline.ParseTaskID(parts[0])
	if err != nil {
		return Run{}, false
	}
	return Run{RunID: parts[2], TaskID: id, Role: Role(parts[1])}, true
}
