package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type noopNotifier struct{ calls []string }

func (n *noopNotifier) Notify(ctx context.Context, payload string) error {
	n.calls = append(n.calls, payload)
	return nil
}

func newTestCatalog(t *testing.T) (*Catalog, *noopNotifier) {
	t.Helper()
	store := NewMemoryStore()
	notifier := &noopNotifier{}
	cat := New(store, notifier)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat.now = func() time.Time { return fixed }

	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpsertFormation(Formation{
			FormationID: "default",
			Kind:        FormationPlain,
			DBName:      "postgres",
		})
	})
	require.NoError(t, err)
	return cat, notifier
}

// Scenario A — join a single-node formation.
func TestScenarioA_JoinSingleNodeFormation(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	a1, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	require.Equal(t, StateSingle, a1.GoalState)
	require.Equal(t, int64(1), a1.NodeID)

	a1, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateSingle, a1.GoalState)

	a2, err := cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)
	require.Equal(t, int64(2), a2.NodeID)
	require.Equal(t, StateWaitStandby, a2.GoalState)

	a1, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateWaitPrimary, a1.GoalState)

	a2, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateCatchingUp, a2.GoalState)
}

// Scenario B — remove primary with no standby ready.
func TestScenarioB_RemovePrimaryNoStandbyReady(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 0, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)

	err = cat.RemoveNode(ctx, 1)
	require.NoError(t, err)

	_, err = cat.GetPrimary(ctx, "default", 0)
	require.ErrorIs(t, err, ErrNoPrimary)
	require.EqualError(t, err, "group has no writable node right now")

	others, err := cat.GetOtherNodes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, others, 0)

	node := cat.store.(*MemoryStore).nodes[2]
	require.Equal(t, StateReportLSN, node.GoalState)
}

// Scenario C — LSN election tie break.
func TestScenarioC_LSNElectionTieBreak(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	reported := []*Node{
		{NodeID: 10, ReportedLSN: 0x1000, CandidatePriority: 100, ReportedState: StateReportLSN, ReportedAt: now},
		{NodeID: 11, ReportedLSN: 0x1000, CandidatePriority: 50, ReportedState: StateReportLSN, ReportedAt: now},
	}
	winner := electWinner(reported)
	require.Equal(t, int64(10), winner.NodeID)

	tied := []*Node{
		{NodeID: 20, ReportedLSN: 0x1000, CandidatePriority: 50, ReportedState: StateReportLSN, ReportedAt: now},
		{NodeID: 12, ReportedLSN: 0x1000, CandidatePriority: 50, ReportedState: StateReportLSN, ReportedAt: now},
	}
	winner = electWinner(tied)
	require.Equal(t, int64(12), winner.NodeID)
}

// Scenario D — system_identifier fence.
func TestScenarioD_SystemIdentifierFence(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)

	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0xAAAA, 0, ReplicationAsync, true)
	require.NoError(t, err)

	beforeGoal := cat.store.(*MemoryStore).nodes[2].GoalState

	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0xBBBB, 0, ReplicationAsync, true)
	require.True(t, errors.Is(err, ErrSystemIdentifierMismatch))

	afterGoal := cat.store.(*MemoryStore).nodes[2].GoalState
	require.Equal(t, beforeGoal, afterGoal)
}

// Scenario E — sync standby count gate.
func TestScenarioE_SyncStandbyCountGate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cat := New(store, &noopNotifier{})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat.now = func() time.Time { return fixed }

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpsertFormation(Formation{FormationID: "default", Kind: FormationPlain, DBName: "postgres", NumberSyncStandbys: 1})
	})
	require.NoError(t, err)

	_, err = cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)

	a1, err := cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateWaitPrimary, a1.GoalState, "only primary present, must stay wait_primary")

	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateCatchingUp, 0, 1000, ReplicationSync, true)
	require.NoError(t, err)
	// Standby's next report confirms it is now running as a secondary.
	_, err = cat.NodeActive(ctx, 2, StateSecondary, 0, 1000, ReplicationSync, true)
	require.NoError(t, err)

	a1, err = cat.NodeActive(ctx, 1, StateWaitPrimary, 0, 2000, ReplicationSync, true)
	require.NoError(t, err)
	require.Equal(t, StatePrimary, a1.GoalState, "standby reached secondary, primary promoted")

	_, err = cat.NodeActive(ctx, 2, StateCatchingUp, 0, 1500, ReplicationSync, true)
	require.NoError(t, err)

	a1, err = cat.NodeActive(ctx, 1, StatePrimary, 0, 2500, ReplicationSync, true)
	require.NoError(t, err)
	require.Equal(t, StateWaitPrimary, a1.GoalState, "standby left secondary, primary demoted back")
}

// Invariant 1: no group ever has two writable-goal nodes.
func TestInvariant_AtMostOneWritableGoal(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)

	nodes, err := cat.store.(*MemoryStore).ListAllNodes(ctx)
	require.NoError(t, err)

	writable := 0
	for _, n := range nodes {
		if n.GoalState.IsWritable() {
			writable++
		}
	}
	require.LessOrEqual(t, writable, 1)
}

// Invariant 3: event ids are strictly monotonic.
func TestInvariant_EventsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)

	events, err := cat.GetEvents(ctx, "default", 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i-1].EventID, events[i].EventID, "GetEvents returns most-recent first")
	}
}

// RegisterNode must derive node_<id> when the caller supplies no node_name,
// matching pg_autoctl's own default naming rather than requiring every
// caller to invent one.
func TestRegisterNode_DefaultsNodeName(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	assignment, err := cat.RegisterNode(ctx, "default", 0, "", "localhost", 9876, 100, true)
	require.NoError(t, err)
	require.Equal(t, "node_1", assignment.NodeName)

	node := cat.store.(*MemoryStore).nodes[assignment.NodeID]
	require.Equal(t, "node_1", node.NodeName)

	// A second unnamed node gets its own id-derived name, not a collision.
	assignment2, err := cat.RegisterNode(ctx, "default", 0, "", "localhost", 9877, 100, true)
	require.NoError(t, err)
	require.Equal(t, "node_2", assignment2.NodeName)
}

// A node that keeps reporting primary after the monitor has moved its goal
// state outside the primary lineage (a fenced ex-primary that was merely
// partitioned, not crashed) is handed the non-writable goal back — that is
// how the stale writer learns to demote itself — and the divergence leaves
// an event behind.
func TestNodeActive_DivergedPrimaryIsToldToDemote(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)

	_, err = cat.NodeActive(ctx, 1, StateSingle, 0xAAAA, 0, ReplicationAsync, true)
	require.NoError(t, err)

	store := cat.store.(*MemoryStore)
	n := store.nodes[1]
	n.GoalState = StateDemoted
	store.nodes[1] = n

	assignment, err := cat.NodeActive(ctx, 1, StatePrimary, 0xAAAA, 0, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateDemoted, assignment.GoalState, "diverged primary must be handed its non-writable goal")

	events, err := cat.GetEvents(ctx, "default", 100)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.NodeID == 1 && e.ReportedState == StatePrimary && e.GoalState == StateDemoted {
			found = true
		}
	}
	require.True(t, found, "divergence must be recorded as an event")
}

// Invariant 5, end to end: perform_failover converges on the LSN-maximal
// eligible candidate, the loser rejoins as a secondary, and the demoted
// ex-primary is driven back in through fast_forward.
func TestPerformFailover_ElectsMostAdvancedCandidate(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	mustActive := func(nodeID int64, state NodeState, lsn LSN, running bool) *Assignment {
		t.Helper()
		a, err := cat.NodeActive(ctx, nodeID, state, 0, lsn, ReplicationAsync, running)
		require.NoError(t, err)
		return a
	}

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	mustActive(1, StateSingle, 0x1000, true)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)
	mustActive(1, StateSingle, 0x1000, true)
	require.Equal(t, StateCatchingUp, mustActive(2, StateWaitStandby, 0, true).GoalState)
	require.Equal(t, StateSecondary, mustActive(2, StateCatchingUp, 0x1000, true).GoalState)
	require.Equal(t, StatePrimary, mustActive(1, StateWaitPrimary, 0x2000, true).GoalState)

	_, err = cat.RegisterNode(ctx, "default", 0, "node_3", "localhost", 9878, 100, true)
	require.NoError(t, err)
	require.Equal(t, StateCatchingUp, mustActive(3, StateWaitStandby, 0, true).GoalState)
	require.Equal(t, StateSecondary, mustActive(3, StateCatchingUp, 0x1000, true).GoalState)

	require.NoError(t, cat.PerformFailover(ctx, "default", 0))

	// The fenced primary is handed demote_timeout, confirms the shutdown,
	// and completes its demotion.
	require.Equal(t, StateDemoteTimeout, mustActive(1, StatePrimary, 0x2000, true).GoalState)
	require.Equal(t, StateDemoted, mustActive(1, StateDemoteTimeout, 0, false).GoalState)

	// Both standbys report their LSNs; node_3 is further ahead and wins.
	require.Equal(t, StateReportLSN, mustActive(2, StateReportLSN, 0x2000, true).GoalState)
	require.Equal(t, StatePreparePromotion, mustActive(3, StateReportLSN, 0x3000, true).GoalState)
	require.Equal(t, StateStopReplication, mustActive(3, StatePreparePromotion, 0x3000, true).GoalState)
	require.Equal(t, StateWaitPrimary, mustActive(3, StateStopReplication, 0x3000, true).GoalState)

	primary, err := cat.GetPrimary(ctx, "default", 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), primary.NodeID)

	// The loser was strictly behind the winner, so it rejoins directly.
	require.Equal(t, StateJoinSecondary, mustActive(2, StateReportLSN, 0x2000, true).GoalState)
	require.Equal(t, StateSecondary, mustActive(2, StateJoinSecondary, 0x2000, true).GoalState)

	// The demoted ex-primary rejoins the new timeline through fast_forward.
	require.Equal(t, StateFastForward, mustActive(1, StateDemoted, 0, false).GoalState)
	require.Equal(t, StateJoinSecondary, mustActive(1, StateFastForward, 0x3000, true).GoalState)
	require.Equal(t, StateSecondary, mustActive(1, StateJoinSecondary, 0x3000, true).GoalState)

	// At no point may two nodes hold writable goals; spot-check the settled
	// state and that the new primary reaches primary once a secondary is in.
	require.Equal(t, StatePrimary, mustActive(3, StateWaitPrimary, 0x3000, true).GoalState)
	nodes, err := cat.store.(*MemoryStore).ListAllNodes(ctx)
	require.NoError(t, err)
	writable := 0
	for _, n := range nodes {
		if n.GoalState.IsWritable() {
			writable++
		}
	}
	require.Equal(t, 1, writable)
}

// Rule 9: maintenance on a standby drains it and brings it back as a
// catching-up standby; maintenance on the primary fails over first.
func TestMaintenance_StandbyDrainsAndReturns(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateCatchingUp, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)

	require.NoError(t, cat.EnableMaintenance(ctx, 2))

	a, err := cat.NodeActive(ctx, 2, StateWaitMaintenance, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateMaintenance, a.GoalState, "drained standby enters maintenance")

	require.NoError(t, cat.DisableMaintenance(ctx, 2))
	a, err = cat.NodeActive(ctx, 2, StateMaintenance, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	require.Equal(t, StateCatchingUp, a.GoalState)
}

// Maintenance requested on the primary triggers a failover first so the
// group keeps a writable node.
func TestMaintenance_OnPrimaryFailsOverFirst(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	_, err := cat.RegisterNode(ctx, "default", 0, "node_1", "localhost", 9876, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.RegisterNode(ctx, "default", 0, "node_2", "localhost", 9877, 100, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 1, StateSingle, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateWaitStandby, 0, 0, ReplicationAsync, true)
	require.NoError(t, err)
	_, err = cat.NodeActive(ctx, 2, StateCatchingUp, 0, 0x1000, ReplicationAsync, true)
	require.NoError(t, err)

	require.NoError(t, cat.EnableMaintenance(ctx, 1))

	store := cat.store.(*MemoryStore)
	require.Equal(t, StateDemoteTimeout, store.nodes[1].GoalState, "primary is fenced before maintenance")
	require.Equal(t, StateReportLSN, store.nodes[2].GoalState, "standby enters the election")
}
