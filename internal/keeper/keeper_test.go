package keeper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

type fakeMonitor struct {
	assignments []catalog.Assignment // one per NodeActive call, consumed in order
	calls       int
	others      []catalog.Node
	err         error
}

func (f *fakeMonitor) RegisterNode(ctx context.Context, formationID string, groupID int, nodeName, host string, port, candidatePriority int, replicationQuorum bool) (*catalog.Assignment, error) {
	return &catalog.Assignment{NodeID: 1, GroupID: groupID, GoalState: catalog.StateInit}, nil
}

func (f *fakeMonitor) NodeActive(ctx context.Context, nodeID int64, reportedState catalog.NodeState, systemIdentifier int64, lsn catalog.LSN, replicationMode catalog.ReplicationState, pgIsRunning bool) (*catalog.Assignment, error) {
	if f.err != nil {
		return nil, f.err
	}
	a := f.assignments[f.calls]
	if f.calls < len(f.assignments)-1 {
		f.calls++
	}
	return &a, nil
}

func (f *fakeMonitor) GetOtherNodes(ctx context.Context, nodeID int64) ([]catalog.Node, error) {
	return f.others, nil
}

type fakeLocal struct {
	running  bool
	lsn      catalog.LSN
	sysID    int64
	sysIDErr error
}

func (f *fakeLocal) IsRunning(ctx context.Context) bool { return f.running }
func (f *fakeLocal) SystemIdentifier(ctx context.Context) (int64, error) {
	return f.sysID, f.sysIDErr
}
func (f *fakeLocal) CurrentLSN(ctx context.Context) (catalog.LSN, error) { return f.lsn, nil }
func (f *fakeLocal) ReplicationMode(ctx context.Context) (catalog.ReplicationState, error) {
	return catalog.ReplicationAsync, nil
}

type fakePG struct{}

func (fakePG) CreateReplicationSlot(ctx context.Context, nodeID int64) error      { return nil }
func (fakePG) SetSynchronousStandbyNames(ctx context.Context, names string) error { return nil }
func (fakePG) Promote(ctx context.Context) error                                  { return nil }
func (fakePG) CurrentLSN(ctx context.Context) (catalog.LSN, error)                { return 0, nil }

type fakeExternal struct {
	stopped bool
	started bool
}

func (*fakeExternal) EnsureInitialized(ctx context.Context, dataDir string) error { return nil }
func (*fakeExternal) TakeBaseBackup(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error {
	return nil
}
func (*fakeExternal) WriteStandbySignal(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error {
	return nil
}
func (*fakeExternal) Rewind(ctx context.Context, dataDir, sourceHost string, sourcePort int) error {
	return nil
}
func (f *fakeExternal) StartPostgres(ctx context.Context, dataDir string) error {
	f.started = true
	return nil
}
func (f *fakeExternal) StopPostgres(ctx context.Context, dataDir string) error {
	f.stopped = true
	return nil
}

func TestKeeper_CycleConvergesReportedStateToGoal(t *testing.T) {
	monitor := &fakeMonitor{assignments: []catalog.Assignment{{NodeID: 1, GoalState: catalog.StateSingle}}}
	transition := NewTransitioner(fakePG{}, &fakeExternal{}, t.TempDir())
	k := New(monitor, &fakeLocal{running: true}, transition, Options{FormationID: "default"})
	k.Resume(1, 0, catalog.StateInit)

	require.NoError(t, k.cycle(context.Background()))
	require.Equal(t, catalog.StateSingle, k.reported)
}

func TestKeeper_SameGoalIsANoOp(t *testing.T) {
	monitor := &fakeMonitor{assignments: []catalog.Assignment{{NodeID: 1, GoalState: catalog.StateSingle}}}
	transition := NewTransitioner(fakePG{}, &fakeExternal{}, t.TempDir())
	k := New(monitor, &fakeLocal{running: true}, transition, Options{FormationID: "default"})
	k.Resume(1, 0, catalog.StateSingle)

	require.NoError(t, k.cycle(context.Background()))
	require.Equal(t, catalog.StateSingle, k.reported)
}

func TestKeeper_FatalErrorHalts(t *testing.T) {
	monitor := &fakeMonitor{err: errors.New("system_identifier mismatch: node is fenced")}
	transition := NewTransitioner(fakePG{}, &fakeExternal{}, t.TempDir())
	k := New(monitor, &fakeLocal{running: true}, transition, Options{FormationID: "default"})
	k.Resume(2, 0, catalog.StateWaitStandby)

	err := k.cycle(context.Background())
	require.Error(t, err)
	require.True(t, k.Halted())
	require.Equal(t, catalog.StateWaitStandby, k.reported, "reported state must not change on a fatal error")
}

func TestKeeper_TransientErrorLeavesReportedStateUnchanged(t *testing.T) {
	monitor := &fakeMonitor{err: errors.New("dial tcp: connection refused")}
	transition := NewTransitioner(fakePG{}, &fakeExternal{}, t.TempDir())
	k := New(monitor, &fakeLocal{running: true}, transition, Options{FormationID: "default"})
	k.Resume(3, 0, catalog.StateCatchingUp)

	err := k.cycle(context.Background())
	require.Error(t, err)
	require.False(t, k.Halted())
	require.Equal(t, catalog.StateCatchingUp, k.reported)
}

// A primary demoted by the monitor must actually stop accepting writes, not
// merely drop its synchronous replication settings, or a merely
// network-partitioned (not crashed) old primary keeps serving client writes
// forever alongside the newly elected one.
func TestKeeper_DemoteStopsPostgres(t *testing.T) {
	monitor := &fakeMonitor{assignments: []catalog.Assignment{{NodeID: 1, GoalState: catalog.StateDemoteTimeout}}}
	ext := &fakeExternal{}
	transition := NewTransitioner(fakePG{}, ext, t.TempDir())
	k := New(monitor, &fakeLocal{running: true}, transition, Options{FormationID: "default"})
	k.Resume(1, 0, catalog.StatePrimary)

	require.NoError(t, k.cycle(context.Background()))
	require.Equal(t, catalog.StateDemoteTimeout, k.reported)
	require.True(t, ext.stopped, "demote transition must stop the local postgres instance")
}
