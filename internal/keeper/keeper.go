package keeper

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

// Monitor is the keeper's view of the monitor, reached over the RPC routes
// in internal/api. *MonitorClient satisfies it; tests substitute a fake.
type Monitor interface {
	RegisterNode(ctx context.Context, formationID string, groupID int, nodeName, host string, port, candidatePriority int, replicationQuorum bool) (*catalog.Assignment, error)
	NodeActive(ctx context.Context, nodeID int64, reportedState catalog.NodeState, systemIdentifier int64, lsn catalog.LSN, replicationMode catalog.ReplicationState, pgIsRunning bool) (*catalog.Assignment, error)
	GetOtherNodes(ctx context.Context, nodeID int64) ([]catalog.Node, error)
}

// LocalInstance is the probe surface the keeper loop reads every cycle.
// *LocalPG satisfies it.
type LocalInstance interface {
	IsRunning(ctx context.Context) bool
	SystemIdentifier(ctx context.Context) (int64, error)
	CurrentLSN(ctx context.Context) (catalog.LSN, error)
	ReplicationMode(ctx context.Context) (catalog.ReplicationState, error)
}

// Options configures a Keeper's identity and the monitor connection it
// reports against. The monitor-assigned node_id/group_id are not part of
// Options: Register records them on the Keeper, or Resume restores them on
// restart of a keeper that registered in a prior run.
type Options struct {
	FormationID       string
	NodeName          string
	Host              string
	Port              int
	CandidatePriority int
	ReplicationQuorum bool
	LoopInterval      time.Duration
}

// Keeper drives one local PostgreSQL instance through its goal-state
// transition table, one heartbeat per loop: probe → node_active →
// transition → sleep. It is the only process that ever mutates this node's
// data directory.
type Keeper struct {
	monitor     Monitor
	local       LocalInstance
	transition  *Transitioner
	opts        Options
	nodeID      int64
	groupID     int
	reported    catalog.NodeState
	systemID    int64
	halted      bool
	askedToStop bool
}

// New builds a Keeper that is not yet registered with the monitor; call
// Register before Run.
func New(monitor Monitor, local LocalInstance, transition *Transitioner, opts Options) *Keeper {
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = 5 * time.Second
	}
	return &Keeper{
		monitor:    monitor,
		local:      local,
		transition: transition,
		opts:       opts,
		reported:   catalog.StateInit,
	}
}

// Halted reports whether the last cycle hit a fatal, unresolvable error:
// the keeper keeps calling node_active so the monitor can time the node
// out, but stops attempting new local transitions.
func (k *Keeper) Halted() bool { return k.halted }

// Register performs the one-time `register_node` call and records the
// node_id/group_id the monitor assigned, so that subsequent Run cycles
// know what identity to report against.
func (k *Keeper) Register(ctx context.Context) (*catalog.Assignment, error) {
	assignment, err := k.monitor.RegisterNode(ctx, k.opts.FormationID, k.groupID, k.opts.NodeName,
		k.opts.Host, k.opts.Port, k.opts.CandidatePriority, k.opts.ReplicationQuorum)
	if err != nil {
		return nil, err
	}
	k.nodeID = assignment.NodeID
	k.groupID = assignment.GroupID
	return assignment, nil
}

// Resume restores a keeper's identity after a restart, without a fresh
// register_node call (the monitor already knows this node).
func (k *Keeper) Resume(nodeID int64, groupID int, lastReportedState catalog.NodeState) {
	k.nodeID = nodeID
	k.groupID = groupID
	k.reported = lastReportedState
}

// Stop asks the loop to exit at its next suspension point.
func (k *Keeper) Stop() { k.askedToStop = true }

// Run executes the keeper loop until Stop is called or ctx is canceled.
func (k *Keeper) Run(ctx context.Context) error {
	for {
		if err := k.cycle(ctx); err != nil {
			log.WithError(err).WithField("node_id", k.nodeID).Warn("keeper cycle failed")
		}

		if k.askedToStop || ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(k.opts.LoopInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cycle runs exactly one probe → node_active → transition round. Errors
// from the monitor call are classified into two kinds: a fatal
// (system_identifier fencing) error halts further transition attempts for
// this node but keeps the loop alive so the next node_active can at least
// confirm the fence is still in force; everything else is treated as
// transient and simply retried next cycle with reported state unchanged.
func (k *Keeper) cycle(ctx context.Context) error {
	if k.systemID == 0 {
		sysID, err := k.local.SystemIdentifier(ctx)
		if err == nil {
			k.systemID = sysID
		}
		// A failure here (e.g. instance not yet initialized) is expected
		// before the init->single transition has run; system_identifier 0
		// is reported and the monitor accepts it until the first real value
		// arrives.
	}

	running := k.local.IsRunning(ctx)

	var lsn catalog.LSN
	replMode := catalog.ReplicationUnknown
	if running {
		if l, err := k.local.CurrentLSN(ctx); err == nil {
			lsn = l
		}
		if m, err := k.local.ReplicationMode(ctx); err == nil {
			replMode = m
		}
	}

	assignment, err := k.monitor.NodeActive(ctx, k.nodeID, k.reported, k.systemID, lsn, replMode, running)
	if err != nil {
		if isFatal(err) {
			k.halted = true
			log.WithField("node_id", k.nodeID).WithError(err).Error("node fenced, halting transitions")
		}
		return err
	}
	k.halted = false

	if assignment.GoalState == k.reported {
		return nil
	}

	peers, err := k.monitor.GetOtherNodes(ctx, k.nodeID)
	if err != nil {
		// Transient: the transition still needs peers for most goal states,
		// so skip this cycle's action and retry once the monitor answers.
		return err
	}

	self := catalog.Node{NodeID: k.nodeID, ReportedState: k.reported, ReportedLSN: lsn}
	if err := k.transition.Run(ctx, self, *assignment, peers); err != nil {
		log.WithFields(log.Fields{"node_id": k.nodeID, "goal": assignment.GoalState}).
			WithError(err).Warn("transition action failed, reported state unchanged")
		return err
	}

	k.reported = assignment.GoalState
	return nil
}

// isFatal reports whether err represents a state-invariant violation (a
// fatal error for that node) rather than a transient or operational
// failure. The monitor surfaces the fencing sentinel as plain text over
// HTTP, so the keeper matches on its message rather than an error type.
func isFatal(err error) bool {
	return err != nil && strings.Contains(err.Error(), "fenced")
}
