package catalog

import "time"

// NodeState is the closed enum of FSM states a node can occupy.
//
// Writable states (a node in one of these may accept client writes):
// Single, WaitPrimary, Primary, JoinPrimary, ApplySettings.
// Every other state is a non-writable/recovery state. Dropped is terminal.
type NodeState string

const (
	StateInit             NodeState = "init"
	StateSingle           NodeState = "single"
	StateWaitPrimary      NodeState = "wait_primary"
	StatePrimary          NodeState = "primary"
	StateJoinPrimary      NodeState = "join_primary"
	StateApplySettings    NodeState = "apply_settings"
	StateWaitStandby      NodeState = "wait_standby"
	StateCatchingUp       NodeState = "catchingup"
	StateSecondary        NodeState = "secondary"
	StatePreparePromotion NodeState = "prepare_promotion"
	StateStopReplication  NodeState = "stop_replication"
	StateWaitMaintenance  NodeState = "wait_maintenance"
	StateMaintenance      NodeState = "maintenance"
	StateDraining         NodeState = "draining"
	StateDemoteTimeout    NodeState = "demote_timeout"
	StateDemoted          NodeState = "demoted"
	StateDemote           NodeState = "demote"
	StateReportLSN        NodeState = "report_lsn"
	StateJoinSecondary    NodeState = "join_secondary"
	StateFastForward      NodeState = "fast_forward"
	StateDropped          NodeState = "dropped"
)

// writableStates is the set of states in which a node may accept client writes.
var writableStates = map[NodeState]bool{
	StateSingle:        true,
	StateWaitPrimary:   true,
	StatePrimary:       true,
	StateJoinPrimary:   true,
	StateApplySettings: true,
}

// IsWritable reports whether s is one of the writable states.
func (s NodeState) IsWritable() bool { return writableStates[s] }

// primaryLineageStates is the subset of writable states a node may be
// assigned while it is still behaving as (or becoming) the primary. Single
// is writable but not part of this lineage: a solitary node reporting
// primary has nothing to diverge from.
var primaryLineageStates = map[NodeState]bool{
	StateWaitPrimary:   true,
	StatePrimary:       true,
	StateJoinPrimary:   true,
	StateApplySettings: true,
}

// IsPrimaryLineage reports whether s is one of the goal states a node may
// hold while reporting itself as primary. A node reporting primary whose
// goal has left this set (demoted, dropped, sent back to secondary, ...) has
// diverged from the monitor's view and must be fenced.
func (s NodeState) IsPrimaryLineage() bool { return primaryLineageStates[s] }

// ReplicationState is the node-reported synchronous replication mode.
type ReplicationState string

const (
	ReplicationAsync   ReplicationState = "async"
	ReplicationSync    ReplicationState = "sync"
	ReplicationQuorum  ReplicationState = "quorum"
	ReplicationUnknown ReplicationState = "unknown"
)

// Health is the monitor's independent assessment of node liveness, distinct
// from the node's self-reported state.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthGood    Health = "good"
	HealthBad     Health = "bad"
)

// FormationKind distinguishes a plain formation from a sharded one. Sharded
// formations are accepted by the catalog but there is no cross-shard
// coordination; each group is evaluated independently.
type FormationKind string

const (
	FormationPlain   FormationKind = "plain"
	FormationSharded FormationKind = "sharded"
)

// Formation is a named logical cluster, holding one or more groups.
type Formation struct {
	FormationID        string        `db:"formation_id" json:"formation_id"`
	Kind               FormationKind `db:"kind" json:"kind"`
	DBName             string        `db:"dbname" json:"dbname"`
	OptSecondary       bool          `db:"opt_secondary" json:"opt_secondary"`
	NumberSyncStandbys int           `db:"number_sync_standbys" json:"number_sync_standbys"`
}

// GroupKey identifies a replication group within a formation.
type GroupKey struct {
	FormationID string
	GroupID     int
}

// Node is a single database server under monitor control: its identity,
// network location, the state it last reported, the state the rules engine
// has assigned it, and the health/replication metadata the assignment rules
// read.
type Node struct {
	HealthCheckedAt         time.Time         `db:"health_checked_at" json:"health_checked_at"`
	StateChangedAt          time.Time         `db:"state_changed_at" json:"state_changed_at"`
	ReportedAt              time.Time         `db:"reported_at" json:"reported_at"`
	LostSince               *time.Time        `db:"lost_since" json:"lost_since,omitempty"`
	FailoverTriggeredAt     *time.Time        `db:"failover_triggered_at" json:"failover_triggered_at,omitempty"`
	NodeName                string            `db:"node_name" json:"node_name"`
	FormationID             string            `db:"formation_id" json:"formation_id"`
	Host                    string            `db:"host" json:"host"`
	ReportedState           NodeState         `db:"reported_state" json:"reported_state"`
	GoalState               NodeState         `db:"goal_state" json:"goal_state"`
	ReportedReplicationMode ReplicationState  `db:"reported_replication_state" json:"reported_replication_state"`
	Health                  Health            `db:"health" json:"health"`
	NodeID                  int64             `db:"node_id" json:"node_id"`
	GroupID                 int               `db:"group_id" json:"group_id"`
	Port                    int               `db:"port" json:"port"`
	SystemIdentifier        int64             `db:"system_identifier" json:"system_identifier"`
	CandidatePriority       int               `db:"candidate_priority" json:"candidate_priority"`
	ReportedLSN             LSN               `db:"reported_lsn" json:"reported_lsn"`
	ReplicationQuorum       bool              `db:"replication_quorum" json:"replication_quorum"`
	ReportedPgIsRunning     bool              `db:"reported_pg_is_running" json:"reported_pg_is_running"`
}

// Key returns the group this node belongs to.
func (n *Node) Key() GroupKey { return GroupKey{FormationID: n.FormationID, GroupID: n.GroupID} }

// LSN is a 64-bit write-ahead-log position. Higher values are "more advanced."
type LSN uint64

// Event is an append-only, strictly monotonic record of a decision or
// transition taken by the monitor.
type Event struct {
	Timestamp     time.Time `db:"event_time" json:"timestamp"`
	FormationID   string    `db:"formation_id" json:"formation_id"`
	ReportedState NodeState `db:"reported_state" json:"reported_state"`
	GoalState     NodeState `db:"goal_state" json:"goal_state"`
	Description   string    `db:"description" json:"description"`
	EventID       int64     `db:"event_id" json:"event_id"`
	NodeID        int64     `db:"node_id" json:"node_id"`
	GroupID       int       `db:"group_id" json:"group_id"`
}

// Assignment is what the monitor hands back to a keeper (or registrar) after
// an operation: the node's identity plus the replication parameters the
// keeper must apply locally.
type Assignment struct {
	NodeID            int64     `json:"node_id"`
	NodeName          string    `json:"node_name"`
	GroupID           int       `json:"group_id"`
	GoalState         NodeState `json:"goal_state"`
	CandidatePriority int       `json:"candidate_priority"`
	ReplicationQuorum bool      `json:"replication_quorum"`
}
