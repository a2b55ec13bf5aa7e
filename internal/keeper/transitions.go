package keeper

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

// PGActions is the slice of *LocalPG that transitions drive directly over
// the connection, narrowed to an interface so tests can substitute a fake
// instead of dialing a real server.
type PGActions interface {
	CreateReplicationSlot(ctx context.Context, nodeID int64) error
	SetSynchronousStandbyNames(ctx context.Context, names string) error
	Promote(ctx context.Context) error
	CurrentLSN(ctx context.Context) (catalog.LSN, error)
}

// Transitioner drives the local PostgreSQL instance from its last reported
// state toward a monitor-assigned goal state, implementing the
// (reported, goal) -> action table. Every method is idempotent: running the
// same transition twice must converge rather than error, since the keeper
// loop re-evaluates and re-applies on every pass until reported_state
// catches up to goal_state.
type Transitioner struct {
	pg      PGActions
	ext     External
	dataDir string
}

// NewTransitioner builds a transitioner over an already-connected local
// instance; dataDir is the PGDATA this keeper owns exclusively (guarded by
// the PID file, enforced above this package).
func NewTransitioner(pg PGActions, ext External, dataDir string) *Transitioner {
	return &Transitioner{pg: pg, ext: ext, dataDir: dataDir}
}

// Run executes the action implied by moving self toward assignment.GoalState.
// peers is this node's current view of the rest of the group, needed to
// locate the primary (for a standby action) or the set of standbys (for a
// primary action building synchronous_standby_names).
//
// The switch is on GoalState alone, and every case returns before falling
// into the next, so the per-state actions below can never leak into each
// other no matter how this table grows.
func (t *Transitioner) Run(ctx context.Context, self catalog.Node, assignment catalog.Assignment, peers []catalog.Node) error {
	switch assignment.GoalState {
	case catalog.StateSingle:
		return t.toSingle(ctx)

	case catalog.StateWaitPrimary:
		return t.toWaitPrimary(ctx, self, peers)

	case catalog.StatePrimary:
		return t.toPrimary(ctx, peers)

	case catalog.StateWaitStandby:
		// The primary has not yet offered replication parameters; nothing
		// for the standby side to do but keep reporting init/wait_standby.
		return nil

	case catalog.StateCatchingUp:
		return t.toCatchingUp(ctx, self, peers)

	case catalog.StateSecondary:
		// No local action: reaching secondary is purely a function of the
		// monitor observing a caught-up LSN on a prior catchingup report.
		return nil

	case catalog.StateReportLSN:
		// Nothing to execute locally; the caller reports CurrentLSN() on
		// its next node_active call, which is all this goal requires.
		return nil

	case catalog.StatePreparePromotion:
		return t.toPreparePromotion(ctx)

	case catalog.StateStopReplication:
		return t.toStopReplication(ctx)

	case catalog.StateFastForward:
		return t.toFastForward(ctx, self, peers)

	case catalog.StateJoinSecondary:
		return t.toJoinSecondary(ctx, self, peers)

	case catalog.StateWaitMaintenance, catalog.StateMaintenance:
		// Maintenance is operator-driven; the keeper only needs to stop
		// reporting writes, which node_active already encodes.
		return nil

	case catalog.StateDemoteTimeout, catalog.StateDemoted, catalog.StateDemote, catalog.StateDraining:
		return t.toDemoted(ctx)

	case catalog.StateDropped:
		return nil

	default:
		return fmt.Errorf("no transition action defined for goal state %q", assignment.GoalState)
	}
}

func (t *Transitioner) toSingle(ctx context.Context) error {
	if err := t.ext.EnsureInitialized(ctx, t.dataDir); err != nil {
		return err
	}
	return t.ext.StartPostgres(ctx, t.dataDir)
}

// toWaitPrimary covers the source states that share this goal: a node that
// last reported primary falls back by clearing synchronous_standby_names;
// any other node (a fresh single node preparing for its first standby, or a
// promoted standby) creates a replication slot for every peer.
func (t *Transitioner) toWaitPrimary(ctx context.Context, self catalog.Node, peers []catalog.Node) error {
	if self.ReportedState == catalog.StatePrimary {
		return t.pg.SetSynchronousStandbyNames(ctx, "")
	}
	for _, p := range peers {
		if err := t.pg.CreateReplicationSlot(ctx, p.NodeID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transitioner) toPrimary(ctx context.Context, peers []catalog.Node) error {
	return t.pg.SetSynchronousStandbyNames(ctx, synchronousStandbyNames(peers))
}

// synchronousStandbyNames renders the quorum-participating peers as a
// FIRST-N(...) clause; an empty peer set disables synchronous replication.
func synchronousStandbyNames(peers []catalog.Node) string {
	var names []string
	quorum := 0
	for _, p := range peers {
		if !p.ReplicationQuorum {
			continue
		}
		names = append(names, fmt.Sprintf("pgautofailover_standby_%d", p.NodeID))
		quorum++
	}
	if quorum == 0 {
		return ""
	}
	return fmt.Sprintf("FIRST %d (%s)", quorum, strings.Join(names, ", "))
}

func (t *Transitioner) toCatchingUp(ctx context.Context, self catalog.Node, peers []catalog.Node) error {
	primary := findPrimaryPeer(peers)
	if primary == nil {
		return fmt.Errorf("no primary visible among peers, cannot catch up")
	}
	if self.ReportedState == catalog.StateWaitStandby || self.ReportedState == catalog.StateInit {
		slot := ReplicationSlotName(self.NodeID)
		if err := t.ext.TakeBaseBackup(ctx, t.dataDir, primary.Host, primary.Port, slot); err != nil {
			return err
		}
		if err := t.ext.WriteStandbySignal(ctx, t.dataDir, primary.Host, primary.Port, slot); err != nil {
			return err
		}
		return t.ext.StartPostgres(ctx, t.dataDir)
	}
	return nil
}

// toPreparePromotion runs on the node the monitor has already elected and
// only confirms the instance still answers queries. It does not wait for
// outstanding WAL to be received; the election itself picked the candidate
// with the highest reported LSN.
func (t *Transitioner) toPreparePromotion(ctx context.Context) error {
	_, err := t.pg.CurrentLSN(ctx)
	return err
}

func (t *Transitioner) toStopReplication(ctx context.Context) error {
	return t.pg.Promote(ctx)
}

// toFastForward rewinds a diverged instance onto the winner's timeline and
// restarts it as a replica. pg_rewind requires the target stopped, which the
// demote transition already guarantees for an ex-primary; a loser arriving
// here straight from report_lsn is stopped first.
func (t *Transitioner) toFastForward(ctx context.Context, self catalog.Node, peers []catalog.Node) error {
	winner := findPrimaryPeer(peers)
	if winner == nil {
		return fmt.Errorf("no elected primary visible among peers, cannot rewind")
	}
	if err := t.ext.StopPostgres(ctx, t.dataDir); err != nil {
		return err
	}
	if err := t.ext.Rewind(ctx, t.dataDir, winner.Host, winner.Port); err != nil {
		return err
	}
	if err := t.ext.WriteStandbySignal(ctx, t.dataDir, winner.Host, winner.Port, ReplicationSlotName(self.NodeID)); err != nil {
		return err
	}
	return t.ext.StartPostgres(ctx, t.dataDir)
}

// toJoinSecondary re-points a rewound loser at the new primary. The slot it
// streams from was already created when that primary reached WaitPrimary,
// so there is nothing left to allocate here.
func (t *Transitioner) toJoinSecondary(ctx context.Context, self catalog.Node, peers []catalog.Node) error {
	primary := findPrimaryPeer(peers)
	if primary == nil {
		return fmt.Errorf("no primary visible among peers, cannot join as secondary")
	}
	if err := t.ext.WriteStandbySignal(ctx, t.dataDir, primary.Host, primary.Port, ReplicationSlotName(self.NodeID)); err != nil {
		return err
	}
	return t.ext.StartPostgres(ctx, t.dataDir)
}

// toDemoted covers demote_timeout/demoted/demote/draining: every path the
// FSM uses to fence a primary once the monitor has stopped trusting it, on
// failure-triggered failover (rule 6) as much as an operator-driven one.
// Clearing synchronous_standby_names alone does not stop a merely
// network-partitioned primary from accepting client writes, so the real
// fence is shutting Postgres down outright; this is the one place a
// transition is allowed to take the local instance offline rather than
// reconfigure it.
func (t *Transitioner) toDemoted(ctx context.Context) error {
	return t.ext.StopPostgres(ctx, t.dataDir)
}

func findPrimaryPeer(peers []catalog.Node) *catalog.Node {
	for i := range peers {
		if peers[i].ReportedState.IsWritable() {
			return &peers[i]
		}
	}
	return nil
}
