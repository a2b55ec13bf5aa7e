// Package eventbus delivers "something changed in this formation" signals
// from the monitor to keepers, backed by PostgreSQL LISTEN/NOTIFY on a
// channel named state. Keepers discover new goal states by polling
// node_active; the keeper package does not subscribe to the bus, whose
// Subscribe serves listeners inside the monitor process.
package eventbus
