// Package keeper implements the per-node agent: it probes the local
// PostgreSQL instance, reports to the monitor on every heartbeat, and runs
// the local action a reported/goal state pair implies (start replication,
// promote, demote, rewind, ...).
package keeper
