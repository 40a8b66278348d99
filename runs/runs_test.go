package runs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mergeflow/pipeline"
)

type fakeLister struct {
	keys []string
	err  error
}

func (f *fakeLister) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	return f.keys, f.err
}

type fakeRequester struct {
	subjects []string
	failOn   map[string]error
}

func (f *fakeRequester) Request(_ context.Context, subject string, _ []byte) ([]byte, error) {
	if err, ok := f.failOn[subject]; ok {
		return nil, err
	}
	f.subjects = append(f.subjects, subject)
	return []byte(`{"status":"canceling"}`), nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseRunKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want Run
		ok   bool
	}{
		{
			name: "quality run",
			key:  "5.quality.run-abc123",
			want: Run{RunID: "run-abc123", TaskID: 5, Role: RoleQuality},
			ok:   true,
		},
		{
			name: "run id containing dots",
			key:  "12.testing.run.v2.xyz",
			want: Run{RunID: "run.v2.xyz", TaskID: 12, Role: RoleTesting},
			ok:   true,
		},
		{
			name: "missing segments",
			key:  "5.quality",
			ok:   false,
		},
		{
			name: "non numeric task id",
			key:  "abc.quality.run-1",
			ok:   false,
		},
		{
			name: "empty role",
			key:  "5..run-1",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRunKey(tt.key)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCancelSubject(t *testing.T) {
	assert.Equal(t, "agent.control.cancel.run-abc", CancelSubject("run-abc"))
}

func TestCancelMatchingRuns(t *testing.T) {
	lister := &fakeLister{keys: []string{
		"5.quality.run-q1",
		"5.testing.run-t1",
		"5.implementation.run-i1",
		"9.quality.run-other",
	}}
	req := &fakeRequester{}
	m := NewManager(lister, req, time.Second, discard())

	n, err := m.Cancel(context.Background(), 5, DownstreamRoles, "remediation")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{
		"agent.control.cancel.run-q1",
		"agent.control.cancel.run-t1",
	}, req.subjects)
}

func TestCancelZeroMatchesIsSuccess(t *testing.T) {
	m := NewManager(&fakeLister{}, &fakeRequester{}, time.Second, discard())

	n, err := m.Cancel(context.Background(), 5, DownstreamRoles, "remediation")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelNoKeysFoundIsSuccess(t *testing.T) {
	lister := &fakeLister{err: jetstream.ErrNoKeysFound}
	m := NewManager(lister, &fakeRequester{}, time.Second, discard())

	n, err := m.Cancel(context.Background(), 5, DownstreamRoles, "remediation")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelContinuesPastUnacknowledged(t *testing.T) {
	lister := &fakeLister{keys: []string{
		"5.quality.run-q1",
		"5.testing.run-t1",
	}}
	req := &fakeRequester{failOn: map[string]error{
		"agent.control.cancel.run-q1": errors.New("no responders"),
	}}
	m := NewManager(lister, req, time.Second, discard())

	n, err := m.Cancel(context.Background(), 5, DownstreamRoles, "remediation")
	assert.ErrorIs(t, err, ErrCancelUnacknowledged)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"agent.control.cancel.run-t1"}, req.subjects)
}

func TestListFiltersTaskAndRole(t *testing.T) {
	lister := &fakeLister{keys: []string{
		"5.quality.run-q1",
		"5.implementation.run-i1",
		"6.quality.run-q2",
		"garbage",
	}}
	m := NewManager(lister, &fakeRequester{}, time.Second, discard())

	got, err := m.List(context.Background(), 5, []Role{RoleQuality})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.TaskID(5), got[0].TaskID)
	assert.Equal(t, "run-q1", got[0].RunID)
}
