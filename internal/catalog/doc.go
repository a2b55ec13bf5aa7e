// Package catalog implements the monitor's catalog and failover state machine:
// formations, groups, nodes, their reported and goal states, and the rules
// engine that computes a node's next goal state from the collective observed
// state of its group.
//
// # Overview
//
// catalog is the authoritative source of truth for the cluster. Keepers never
// share state directly with each other; they converge exclusively through
// catalog transactions serialized per group. The package exposes the monitor
// API (RegisterNode, NodeActive, RemoveNode, PerformFailover, GetPrimary,
// GetOtherNodes, SetNodeSystemIdentifier) as methods on *Catalog, each
// running inside a single serializable transaction.
//
// # Architecture
//
//	┌──────────────────────────────┐
//	│           Catalog             │
//	│                                │
//	│  Store      (persistence)     │
//	│  Rules      (assignment)      │
//	│  HealthProbe (liveness)       │
//	│  EventBus   (notifications)   │
//	└───────────────┬────────────────┘
//	                │ NodeActive / RegisterNode / ...
//	      ┌─────────┼─────────┐
//	      │         │         │
//	┌─────▼───┐┌────▼────┐┌───▼─────┐
//	│ Keeper 1 ││ Keeper 2 ││ Keeper 3│
//	└──────────┘└──────────┘└─────────┘
//
// # Core Components
//
// Node: the unit the rules engine reasons about — identity, reported state,
// goal state, LSN, health.
//
// Rules: the pure function (group snapshot, now) -> goal state assignments,
// evaluated fresh on every call per the idempotence requirement — no hidden
// counters, only explicit timestamp fields.
//
// Store: persists formations/groups/nodes/events, normally backed by
// Postgres via pgx/sqlx; an in-memory implementation backs tests.
package catalog
