package catalog

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Notifier delivers a "something changed" signal to interested keepers,
// normally backed by Postgres LISTEN/NOTIFY (internal/eventbus). Catalog
// depends only on this narrow interface so it never imports the transport
// package directly. payload carries the "state" channel format:
// "<formation>/<group>/<node_id>/<goal_state>".
type Notifier interface {
	Notify(ctx context.Context, payload string) error
}

// Catalog is the monitor's public API: every method below runs inside a
// single serializable Store transaction, so concurrent calls touching the
// same group serialize on commit order.
type Catalog struct {
	store    Store
	notifier Notifier
	rules    RulesConfig
	now      func() time.Time
}

// New builds a Catalog over store, notifying through notifier after every
// committed transaction that changed a goal state.
func New(store Store, notifier Notifier) *Catalog {
	return &Catalog{
		store:    store,
		notifier: notifier,
		rules:    DefaultRulesConfig(),
		now:      time.Now,
	}
}

// WithRulesConfig overrides the default timing parameters (mainly for tests
// that need a short network_partition_timeout).
func (c *Catalog) WithRulesConfig(cfg RulesConfig) *Catalog {
	c.rules = cfg
	return c
}

// EnsureFormation creates or updates a formation. The monitor seeds its
// default formation through this at startup; nodes can only register into
// formations that exist.
func (c *Catalog) EnsureFormation(ctx context.Context, f Formation) error {
	return c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpsertFormation(f)
	})
}

// RegisterNode adds a new node to a formation/group, assigning it a node_id
// and an initial goal state, then runs the rules engine so the rest of the
// group reacts to the new member in the same transaction.
func (c *Catalog) RegisterNode(ctx context.Context, formationID string, groupID int, nodeName, host string, port int, candidatePriority int, replicationQuorum bool) (*Assignment, error) {
	if candidatePriority < 0 || candidatePriority > 100 {
		return nil, ErrInvalidCandidatePriority
	}

	var result *Assignment
	var changes []goalUpdate
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}

		now := c.now()
		nodeID := tx.NextNodeID()
		if nodeName == "" {
			nodeName = fmt.Sprintf("node_%d", nodeID)
		}
		node := Node{
			NodeID:            nodeID,
			NodeName:          nodeName,
			FormationID:       formationID,
			GroupID:           groupID,
			Host:              host,
			Port:              port,
			ReportedState:     StateInit,
			GoalState:         StateInit,
			Health:            HealthUnknown,
			CandidatePriority: candidatePriority,
			ReplicationQuorum: replicationQuorum,
			HealthCheckedAt:   now,
			StateChangedAt:    now,
			ReportedAt:        now,
		}
		if err := tx.UpsertNode(node); err != nil {
			return err
		}
		if err := tx.AppendEvent(newEvent(node, "node registered")); err != nil {
			return err
		}

		result, changes, err = applyRules(tx, *formation, groupID, node.NodeID, now, c.rules, false, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.notify(ctx, formationID, groupID, changes)
	return result, nil
}

// NodeActive is called by a keeper on every reporting cycle: it persists the
// keeper's observed (reported_state, reported_lsn, ...), fences the node if
// its system_identifier disagrees with the value already recorded for it,
// re-runs the rules engine for the whole group, and returns the node's new
// assignment.
func (c *Catalog) NodeActive(ctx context.Context, nodeID int64, reportedState NodeState, systemIdentifier int64, lsn LSN, replicationMode ReplicationState, pgIsRunning bool) (*Assignment, error) {
	var result *Assignment
	var changes []goalUpdate
	var formationID string
	var groupID int
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}

		if node.SystemIdentifier != 0 && systemIdentifier != 0 && node.SystemIdentifier != systemIdentifier {
			return ErrSystemIdentifierMismatch
		}

		now := c.now()

		// A node may report primary only while its assigned goal is still in
		// the primary lineage; one that kept calling itself primary after the
		// monitor moved it elsewhere (typically a fenced ex-primary that was
		// merely partitioned, not crashed) has diverged. The call still
		// succeeds — returning the non-writable goal below is exactly how the
		// stale writer learns to demote itself — but the divergence is
		// recorded so operators can see the group once had two would-be
		// primaries.
		if reportedState == StatePrimary && !node.GoalState.IsPrimaryLineage() && node.GoalState != StateSingle {
			diverged := *node
			diverged.ReportedState = reportedState
			diverged.StateChangedAt = now
			if err := tx.AppendEvent(newEvent(diverged, "reported primary with goal state outside the primary lineage, demoting")); err != nil {
				return err
			}
		}
		if node.SystemIdentifier == 0 {
			node.SystemIdentifier = systemIdentifier
		}
		node.ReportedState = reportedState
		node.ReportedLSN = lsn
		node.ReportedReplicationMode = replicationMode
		node.ReportedPgIsRunning = pgIsRunning
		node.ReportedAt = now
		// A fresh, successful report clears the sticky "lost" bit: this is
		// the one place that stickiness is allowed to reset (see IsLost).
		node.Health = HealthGood
		node.HealthCheckedAt = now
		node.LostSince = nil

		if err := tx.UpsertNode(*node); err != nil {
			return err
		}

		formation, err := tx.GetFormation(node.FormationID)
		if err != nil {
			return err
		}
		formationID = node.FormationID
		groupID = node.GroupID

		result, changes, err = applyRules(tx, *formation, node.GroupID, node.NodeID, now, c.rules, false, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.notify(ctx, formationID, groupID, changes)
	return result, nil
}

// SetNodeSystemIdentifier records the system_identifier learned from a
// node's first successful pg_controldata read. Exposed as a distinct
// operation because a node's very first node_active call may need to
// report init state before Postgres has even been initialized.
func (c *Catalog) SetNodeSystemIdentifier(ctx context.Context, nodeID int64, systemIdentifier int64) error {
	return c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node.SystemIdentifier != 0 && node.SystemIdentifier != systemIdentifier {
			return ErrSystemIdentifierMismatch
		}
		node.SystemIdentifier = systemIdentifier
		return tx.UpsertNode(*node)
	})
}

// RemoveNode drops a node from its group. If the removed node currently
// holds the writable goal state, this triggers the same failover path as a
// lost primary, fencing it straight to Dropped instead of
// demote_timeout since there is no graceful demotion to wait for.
func (c *Catalog) RemoveNode(ctx context.Context, nodeID int64) error {
	var formationID string
	var groupID int
	var changes []goalUpdate
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		formationID = node.FormationID
		groupID = node.GroupID
		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}

		now := c.now()
		if !node.GoalState.IsWritable() {
			if err := tx.AppendEvent(newEvent(*node, "node removed")); err != nil {
				return err
			}
			return tx.DeleteNode(nodeID)
		}

		// Leave the node's own record untouched here: evaluateFailover fences
		// it to Dropped (matching removingNodeID) as part of the same rules
		// pass that reassigns its peers, so the group snapshot it reasons
		// over still contains the outgoing primary.
		if err := tx.AppendEvent(newEvent(*node, "primary removed, failover triggered")); err != nil {
			return err
		}
		_, changes, err = applyRules(tx, *formation, node.GroupID, 0, now, c.rules, true, nodeID)
		return err
	})
	if err != nil {
		return err
	}
	c.notify(ctx, formationID, groupID, changes)
	return nil
}

// PerformFailover is the operator-triggered equivalent of a detected primary
// loss: it runs one rules pass with the failover branch requested, which
// fences the primary and sends peers to report_lsn; nothing is persisted as a
// flag, and later calls continue the election from the peers' goal states
// (rules 6/7).
func (c *Catalog) PerformFailover(ctx context.Context, formationID string, groupID int) error {
	var changes []goalUpdate
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}
		_, changes, err = applyRules(tx, *formation, groupID, 0, c.now(), c.rules, true, 0)
		return err
	})
	if err != nil {
		return err
	}
	c.notify(ctx, formationID, groupID, changes)
	return nil
}

// GetPrimary returns the node currently in a writable goal state for the
// group, or ErrNoPrimary if none exists right now.
func (c *Catalog) GetPrimary(ctx context.Context, formationID string, groupID int) (*Node, error) {
	var primary *Node
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		nodes, err := tx.GroupNodes(formationID, groupID)
		if err != nil {
			return err
		}
		if p := findPrimary(nodes); p != nil {
			n := *p
			primary = &n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, ErrNoPrimary
	}
	return primary, nil
}

// GetOtherNodes returns every node in nodeID's group other than itself,
// used by a keeper to discover its replication peers.
func (c *Catalog) GetOtherNodes(ctx context.Context, nodeID int64) ([]Node, error) {
	var others []Node
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		nodes, err := tx.GroupNodes(node.FormationID, node.GroupID)
		if err != nil {
			return err
		}
		others = slices.Clone(nodes)
		if idx := slices.IndexFunc(others, func(n Node) bool { return n.NodeID == nodeID }); idx >= 0 {
			others = slices.Delete(others, idx, idx+1)
		}
		return nil
	})
	return others, err
}

// GetEvents returns up to limit events for formationID, most recent first.
func (c *Catalog) GetEvents(ctx context.Context, formationID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		events, err = tx.Events(formationID, limit)
		return err
	})
	return events, err
}

// EnableMaintenance takes a node out of rotation for planned operator work.
// If it is currently the primary, this first forces a failover so the group
// always keeps a writable node; once that node has demoted, a second call
// parks it in wait_maintenance.
func (c *Catalog) EnableMaintenance(ctx context.Context, nodeID int64) error {
	var formationID string
	var groupID int
	var changes []goalUpdate
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		formationID = node.FormationID
		groupID = node.GroupID
		formation, err := tx.GetFormation(formationID)
		if err != nil {
			return err
		}

		now := c.now()
		if node.GoalState.IsWritable() {
			_, changes, err = applyRules(tx, *formation, node.GroupID, 0, now, c.rules, true, 0)
			if err != nil {
				return err
			}
			return tx.AppendEvent(newEvent(*node, "maintenance requested on primary, failover triggered first"))
		}

		node.GoalState = StateWaitMaintenance
		node.StateChangedAt = now
		if err := tx.UpsertNode(*node); err != nil {
			return err
		}
		changes = []goalUpdate{{nodeID: nodeID, goal: StateWaitMaintenance}}
		return tx.AppendEvent(newEvent(*node, "maintenance enabled"))
	})
	if err != nil {
		return err
	}
	c.notify(ctx, formationID, groupID, changes)
	return nil
}

// DisableMaintenance returns a node from maintenance to normal rotation as a
// fresh standby candidate.
func (c *Catalog) DisableMaintenance(ctx context.Context, nodeID int64) error {
	var formationID string
	var groupID int
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		formationID = node.FormationID
		groupID = node.GroupID
		now := c.now()
		node.GoalState = StateCatchingUp
		node.StateChangedAt = now
		if err := tx.UpsertNode(*node); err != nil {
			return err
		}
		return tx.AppendEvent(newEvent(*node, "maintenance disabled"))
	})
	if err != nil {
		return err
	}
	c.notify(ctx, formationID, groupID, []goalUpdate{{nodeID: nodeID, goal: StateCatchingUp}})
	return nil
}

// notify emits one "state" channel payload per goal change, formatted as
// "<formation>/<group>/<node_id>/<goal_state>".
func (c *Catalog) notify(ctx context.Context, formationID string, groupID int, changes []goalUpdate) {
	if c.notifier == nil || formationID == "" {
		return
	}
	for _, u := range changes {
		payload := fmt.Sprintf("%s/%d/%d/%s", formationID, groupID, u.nodeID, u.goal)
		if err := c.notifier.Notify(ctx, payload); err != nil {
			log.WithError(err).WithField("formation_id", formationID).Warn("failed to notify formation listeners")
		}
	}
}

// applyRules loads the group, runs EvaluateGroup, persists every resulting
// goal change and its matching event, and returns the assignment for
// subjectNodeID (the node whose call triggered this evaluation; nil if
// subjectNodeID is 0, for group-wide operations with no single caller) plus
// the list of goal changes applied, so the caller can notify on each.
func applyRules(tx Tx, formation Formation, groupID int, subjectNodeID int64, now time.Time, cfg RulesConfig, failoverRequested bool, removingNodeID int64) (*Assignment, []goalUpdate, error) {
	nodes, err := tx.GroupNodes(formation.FormationID, groupID)
	if err != nil {
		return nil, nil, err
	}

	updates := EvaluateGroup(formation, nodes, now, cfg, failoverRequested, removingNodeID)

	byID := make(map[int64]*Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	for _, u := range updates {
		n, ok := byID[u.nodeID]
		if !ok || n.GoalState == u.goal {
			continue
		}
		n.GoalState = u.goal
		n.StateChangedAt = now
		switch {
		case u.goal == StateReportLSN && n.FailoverTriggeredAt == nil:
			triggered := now
			n.FailoverTriggeredAt = &triggered
		case u.goal == StateSecondary || u.goal == StateWaitPrimary:
			// Leaving the election clears the trigger stamp, so a later
			// failover starts its freshness window from its own trigger.
			n.FailoverTriggeredAt = nil
		}
		if err := tx.UpsertNode(*n); err != nil {
			return nil, nil, err
		}
		if err := tx.AppendEvent(newEvent(*n, u.reason)); err != nil {
			return nil, nil, err
		}
	}

	subject, ok := byID[subjectNodeID]
	if !ok {
		return nil, updates, nil
	}
	return &Assignment{
		NodeID:            subject.NodeID,
		NodeName:          subject.NodeName,
		GroupID:           subject.GroupID,
		GoalState:         subject.GoalState,
		CandidatePriority: subject.CandidatePriority,
		ReplicationQuorum: subject.ReplicationQuorum,
	}, updates, nil
}

func newEvent(n Node, description string) Event {
	return Event{
		FormationID:   n.FormationID,
		NodeID:        n.NodeID,
		GroupID:       n.GroupID,
		ReportedState: n.ReportedState,
		GoalState:     n.GoalState,
		Description:   description,
		Timestamp:     n.StateChangedAt,
	}
}
