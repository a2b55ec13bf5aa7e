package catalog

import (
	"sort"
	"time"
)

// RulesConfig bundles the timing and slack parameters the assignment rules
// read. All fields are explicit, injected values — to stay idempotent the
// rules never consult a wall clock or a hidden counter of their own; "now"
// and these parameters are the only inputs besides the group snapshot.
type RulesConfig struct {
	// NetworkPartitionTimeout bounds how long a writable node may go without
	// a report (and a failed health probe) before it is declared lost. It
	// also bounds how long a fenced primary may sit in demote_timeout before
	// being considered demoted without ever confirming.
	NetworkPartitionTimeout time.Duration
	// CatchupSlack is the maximum (primary LSN - standby LSN) gap, in bytes
	// of WAL, at which a catching-up standby is considered caught up.
	CatchupSlack LSN
}

// DefaultRulesConfig mirrors the recommended defaults: a
// network_partition_timeout a few multiples of the keeper loop interval.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		NetworkPartitionTimeout: 20 * time.Second,
		CatchupSlack:            16 * 1024 * 1024, // 16MiB of WAL
	}
}

// goalUpdate is one node's new goal state plus the human-readable reason,
// used both to persist the change and to append a matching event.
type goalUpdate struct {
	reason string
	nodeID int64
	goal   NodeState
}

// IsLost reports whether n should be considered unreachable: stale beyond
// the partition timeout AND the monitor's independent health probe
// currently disagrees with the node being alive. The predicate
// is a pure function of n and now; stickiness ("only a fresh successful
// node_active clears it") is the caller's responsibility — NodeActive must
// reset Health/LostSince before the next Evaluate call.
func IsLost(n *Node, now time.Time, cfg RulesConfig) bool {
	last := n.ReportedAt
	if n.HealthCheckedAt.After(last) {
		last = n.HealthCheckedAt
	}
	stale := now.Sub(last) > cfg.NetworkPartitionTimeout
	return stale && n.Health == HealthBad
}

// fencedGoals are the goal states of a node that has been pushed out of the
// writable set and has not yet rejoined replication: not election material.
var fencedGoals = map[NodeState]bool{
	StateDemoteTimeout:   true,
	StateDemoted:         true,
	StateDemote:          true,
	StateDraining:        true,
	StateDropped:         true,
	StateWaitMaintenance: true,
	StateMaintenance:     true,
}

// failoverEpisodeGoals mark a node as participating in an in-flight
// election; while any unfenced node carries one of these and the group has
// no writable node, the failover branch keeps running.
var failoverEpisodeGoals = map[NodeState]bool{
	StateReportLSN:        true,
	StatePreparePromotion: true,
	StateStopReplication:  true,
	StateFastForward:      true,
	StateJoinSecondary:    true,
}

// EvaluateGroup runs the full assignment-rule set against a consistent
// snapshot of one group and returns the goal-state changes it implies. It
// never mutates nodes in place — callers persist the returned updates and
// must re-derive "now" state (reported fields) before the next call.
//
// The rules, in the order they are applied:
//
//  1. Singleton primary: a lone node is assigned single.
//  2. Admit second node: a new peer waits in wait_standby; the primary
//     moves from single to wait_primary.
//  3. Base backup and catch-up: wait_standby → catchingup once the primary
//     is ready, catchingup → secondary once caught up within CatchupSlack.
//  4. Reach synchronous: the primary holds wait_primary until
//     number_sync_standbys peers are in secondary, then primary; it falls
//     back to wait_primary if the count drops.
//  5. Failure detection: IsLost, staleness plus the independent probe.
//  6. Failover initiation: fence the primary, send peers to report_lsn.
//  7. Election: the LSN-maximal eligible candidate is promoted through
//     prepare_promotion, stop_replication, wait_primary; the rest rejoin
//     as secondaries, through fast_forward when not strictly behind.
//  8. Removal: remove_node on the primary runs 6-7 with the outgoing node
//     fenced straight to dropped.
//  9. Maintenance: wait_maintenance → maintenance when drained, and back
//     in through catchingup.
//
// failoverRequested initiates a failover episode (set by
// PerformFailover/RemoveNode, and by the loss predicate on the primary);
// once initiated, the episode is recognized from the group snapshot itself
// on every later call — the peers carry report_lsn-family goal states and no
// node is writable — so no flag has to persist between evaluations.
// removingNodeID, when nonzero, names a node being gracefully removed
// (assigned Dropped instead of DemoteTimeout in the failover branch).
func EvaluateGroup(formation Formation, nodes []Node, now time.Time, cfg RulesConfig, failoverRequested bool, removingNodeID int64) []goalUpdate {
	if len(nodes) == 0 {
		return nil
	}

	// Rule 1: singleton primary. A sole survivor of a failover with
	// candidate_priority 0 stays unpromoted — the group simply has no
	// writable node — and a parked (maintenance) singleton is left alone.
	if len(nodes) == 1 {
		n := &nodes[0]
		switch {
		case n.GoalState == StateSingle || n.GoalState == StateDropped:
		case n.GoalState == StateWaitMaintenance || n.GoalState == StateMaintenance:
		case failoverEpisodeGoals[n.GoalState] && n.CandidatePriority == 0:
		default:
			return []goalUpdate{{nodeID: n.NodeID, goal: StateSingle, reason: "only node in group, assigned single"}}
		}
		return nil
	}

	primary := findPrimary(nodes)

	// Rules 6/7/8: failover. Initiated explicitly or by the loss predicate,
	// continued for as long as the snapshot shows an unfinished election.
	if failoverRequested || (primary != nil && IsLost(primary, now, cfg)) {
		return evaluateFailover(nodes, primary, now, cfg, removingNodeID)
	}
	if primary == nil && failoverUnderway(nodes) {
		return evaluateFailover(nodes, nil, now, cfg, removingNodeID)
	}

	var updates []goalUpdate

	// Rule 2: admit second node — once a peer exists, a primary still
	// reporting "single" is promoted to wait_primary.
	if primary != nil && primary.ReportedState == StateSingle && primary.GoalState != StateWaitPrimary {
		updates = append(updates, goalUpdate{nodeID: primary.NodeID, goal: StateWaitPrimary,
			reason: "second node admitted, primary moves to wait_primary"})
	}

	for i := range nodes {
		n := &nodes[i]
		if primary != nil && n.NodeID == primary.NodeID {
			continue
		}

		switch {
		case n.ReportedState == StateInit && n.GoalState == StateInit:
			// Rule 2: a freshly registered second-or-later node waits to
			// begin its base backup.
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateWaitStandby,
				reason: "admitted to group, awaiting base backup"})

		case n.ReportedState == StateWaitStandby && n.GoalState == StateWaitStandby:
			// Rule 3: base backup starts once the primary has been moved off
			// single, i.e. its replication slot and hba entry are on the way.
			if primary != nil && primary.GoalState != StateSingle {
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateCatchingUp,
					reason: "primary ready, standby begins catch-up"})
			}

		case n.ReportedState == StateCatchingUp && n.GoalState == StateCatchingUp:
			if primary != nil && caughtUpEnough(primary, n, formation, cfg) {
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateSecondary,
					reason: "standby caught up, promoted to secondary"})
			}

		// The remaining cases settle stragglers from a finished failover
		// episode, once the elected winner holds the writable goal again.
		case n.GoalState == StateReportLSN && primary != nil:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateJoinSecondary,
				reason: "election settled, rejoining as secondary"})

		case n.GoalState == StateFastForward && n.ReportedState == StateFastForward:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateJoinSecondary,
				reason: "rewound, rejoining as secondary"})

		case n.GoalState == StateJoinSecondary && n.ReportedState == StateJoinSecondary:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateSecondary,
				reason: "rejoined replication"})

		case n.GoalState == StateDemoted && n.ReportedState == StateDemoted && primary != nil:
			// Rule 9's counterpart for a demoted ex-primary: rejoin the new
			// timeline via pg_rewind rather than a full base backup.
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateFastForward,
				reason: "demoted ex-primary rejoining, rewinding to new timeline"})

		case n.GoalState == StateWaitMaintenance && n.ReportedState == StateWaitMaintenance:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateMaintenance,
				reason: "node drained, entering maintenance"})
		}
	}

	// Rule 4: reach synchronous / fall back.
	if primary != nil {
		secondaryCount := countQuorumSecondaries(nodes, primary.NodeID)
		wantPrimary := secondaryCount >= formation.NumberSyncStandbys
		switch {
		case primary.ReportedState == StateWaitPrimary && wantPrimary && primary.GoalState != StatePrimary:
			updates = append(updates, goalUpdate{nodeID: primary.NodeID, goal: StatePrimary,
				reason: "enough synchronous standbys caught up, primary promoted"})
		case primary.ReportedState == StatePrimary && !wantPrimary && primary.GoalState != StateWaitPrimary:
			updates = append(updates, goalUpdate{nodeID: primary.NodeID, goal: StateWaitPrimary,
				reason: "synchronous standby count fell below threshold"})
		}
	}

	return updates
}

func findPrimary(nodes []Node) *Node {
	for i := range nodes {
		if nodes[i].GoalState.IsWritable() {
			return &nodes[i]
		}
	}
	return nil
}

// failoverUnderway reports whether the snapshot shows an unfinished
// election: some unfenced node still carries an episode goal state.
func failoverUnderway(nodes []Node) bool {
	for i := range nodes {
		if failoverEpisodeGoals[nodes[i].GoalState] {
			return true
		}
	}
	return false
}

func countQuorumSecondaries(nodes []Node, primaryID int64) int {
	count := 0
	for i := range nodes {
		n := &nodes[i]
		if n.NodeID == primaryID {
			continue
		}
		if n.ReportedState == StateSecondary && n.ReplicationQuorum {
			count++
		}
	}
	return count
}

func caughtUpEnough(primary, standby *Node, formation Formation, cfg RulesConfig) bool {
	lagging := primary.ReportedLSN > standby.ReportedLSN && primary.ReportedLSN-standby.ReportedLSN > cfg.CatchupSlack
	if lagging {
		return false
	}
	if formation.NumberSyncStandbys > 0 {
		return standby.ReportedReplicationMode == ReplicationSync || standby.ReportedReplicationMode == ReplicationQuorum
	}
	return true
}

// evaluateFailover implements rules 6, 7 and 8: fencing the lost/removed
// primary, driving peers through report_lsn, electing the most advanced
// candidate once every reachable eligible peer has reported, and walking the
// winner through prepare_promotion → stop_replication → wait_primary while
// the losers fall back to join_secondary (through fast_forward when they are
// not strictly behind the winner).
func evaluateFailover(nodes []Node, primary *Node, now time.Time, cfg RulesConfig, removingNodeID int64) []goalUpdate {
	var updates []goalUpdate

	// Fence the outgoing primary.
	if primary != nil {
		fenceGoal := StateDemoteTimeout
		if primary.NodeID == removingNodeID {
			fenceGoal = StateDropped
		}
		if primary.GoalState != fenceGoal && primary.GoalState != StateDemoted {
			updates = append(updates, goalUpdate{nodeID: primary.NodeID, goal: fenceGoal,
				reason: "primary lost or removed, fencing"})
		}
	}

	// A fenced primary completes its demotion when its keeper confirms the
	// shutdown, or after the timeout if it never reports again.
	for i := range nodes {
		n := &nodes[i]
		if n.GoalState != StateDemoteTimeout {
			continue
		}
		if n.ReportedState == StateDemoteTimeout || now.Sub(n.StateChangedAt) > cfg.NetworkPartitionTimeout {
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateDemoted,
				reason: "demote confirmed or timed out"})
		}
	}

	// triggeredAt is when this episode began: the earliest trigger stamp
	// among the participating peers, falling back to now on initiation.
	triggeredAt := now
	for i := range nodes {
		n := &nodes[i]
		if n.FailoverTriggeredAt != nil && n.FailoverTriggeredAt.Before(triggeredAt) {
			triggeredAt = *n.FailoverTriggeredAt
		}
	}

	var peers, eligible, reported []*Node
	for i := range nodes {
		n := &nodes[i]
		if primary != nil && n.NodeID == primary.NodeID {
			continue
		}
		if fencedGoals[n.GoalState] {
			continue
		}
		peers = append(peers, n)

		if !failoverEpisodeGoals[n.GoalState] {
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateReportLSN,
				reason: "failover in progress, reporting LSN"})
			continue
		}

		if n.CandidatePriority > 0 && !IsLost(n, now, cfg) {
			eligible = append(eligible, n)
			if n.ReportedState == StateReportLSN && !n.ReportedAt.Before(triggeredAt) {
				reported = append(reported, n)
			}
		}
	}

	if len(peers) == 0 {
		return updates
	}

	// The winner, once elected, is recognizable from its goal state alone;
	// before that, the election waits until every reachable eligible
	// candidate has reported a fresh LSN since the trigger.
	winner := currentCandidate(peers)
	if winner == nil {
		if len(eligible) == 0 || len(reported) < len(eligible) {
			return updates
		}
		winner = electWinner(reported)
	}

	for _, n := range peers {
		if n.NodeID == winner.NodeID {
			switch {
			case n.GoalState == StateReportLSN:
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StatePreparePromotion,
					reason: "elected most-advanced candidate"})
			case n.GoalState == StatePreparePromotion && n.ReportedState == StatePreparePromotion:
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateStopReplication,
					reason: "WAL fully received, stopping replication"})
			case n.GoalState == StateStopReplication && n.ReportedState == StateStopReplication:
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateWaitPrimary,
					reason: "promoted to wait_primary"})
			}
			continue
		}

		switch {
		case n.GoalState == StateReportLSN && n.ReportedState == StateReportLSN:
			if n.ReportedLSN >= winner.ReportedLSN {
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateFastForward,
					reason: "not strictly behind winner, rewinding"})
			} else {
				updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateJoinSecondary,
					reason: "behind winner, rejoining as secondary"})
			}
		case n.GoalState == StateFastForward && n.ReportedState == StateFastForward:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateJoinSecondary,
				reason: "rewound, rejoining as secondary"})
		case n.GoalState == StateJoinSecondary && n.ReportedState == StateJoinSecondary:
			updates = append(updates, goalUpdate{nodeID: n.NodeID, goal: StateSecondary,
				reason: "rejoined replication"})
		}
	}

	return updates
}

// currentCandidate returns the peer already walking the promotion path, if
// any: an election elects exactly one winner, so at most one peer carries
// one of these goals at a time.
func currentCandidate(peers []*Node) *Node {
	for _, n := range peers {
		if n.GoalState == StatePreparePromotion || n.GoalState == StateStopReplication {
			return n
		}
	}
	return nil
}

// electWinner picks the LSN-maximal reporting candidate, breaking ties by
// highest candidate_priority then lowest node_id.
func electWinner(reported []*Node) *Node {
	sort.Slice(reported, func(i, j int) bool {
		a, b := reported[i], reported[j]
		if a.ReportedLSN != b.ReportedLSN {
			return a.ReportedLSN > b.ReportedLSN
		}
		if a.CandidatePriority != b.CandidatePriority {
			return a.CandidatePriority > b.CandidatePriority
		}
		return a.NodeID < b.NodeID
	})
	return reported[0]
}
