package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

// ErrUnknownDatabaseError is returned when a query fails with a PgError
// carrying no usable SQLSTATE. An indeterminate SQLSTATE is still a
// failure: it must surface as an error, never be mistaken for success.
var ErrUnknownDatabaseError = errors.New("database error with no usable sqlstate")

// LocalPG wraps a connection pool to the Postgres instance this keeper
// manages locally.
type LocalPG struct {
	pool *pgxpool.Pool
}

// ConnectLocal opens a pool against dsn (the local instance's connection
// string, built via internal/pgurl).
func ConnectLocal(ctx context.Context, dsn string) (*LocalPG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect local postgres: %w", err)
	}
	return &LocalPG{pool: pool}, nil
}

func (l *LocalPG) Close() { l.pool.Close() }

// IsRunning reports whether the local instance currently accepts
// connections and answers a trivial query.
func (l *LocalPG) IsRunning(ctx context.Context) bool {
	var one int
	err := l.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	return err == nil && one == 1
}

// SystemIdentifier reads the cluster's system_identifier from
// pg_control_system(), the value fenced by catalog.SetNodeSystemIdentifier.
func (l *LocalPG) SystemIdentifier(ctx context.Context) (int64, error) {
	var sysid int64
	err := l.pool.QueryRow(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&sysid)
	if err != nil {
		return 0, classifyError(err, "read system_identifier")
	}
	return sysid, nil
}

// IsInRecovery reports whether the instance is currently a standby.
func (l *LocalPG) IsInRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	err := l.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery)
	if err != nil {
		return false, classifyError(err, "read pg_is_in_recovery")
	}
	return inRecovery, nil
}

// CurrentLSN returns the instance's current WAL position: pg_current_wal_lsn
// on a primary, pg_last_wal_replay_lsn on a standby.
func (l *LocalPG) CurrentLSN(ctx context.Context) (catalog.LSN, error) {
	inRecovery, err := l.IsInRecovery(ctx)
	if err != nil {
		return 0, err
	}

	query := "SELECT pg_current_wal_lsn()"
	if inRecovery {
		query = "SELECT pg_last_wal_replay_lsn()"
	}

	var raw pgtypeLSN
	err = l.pool.QueryRow(ctx, query).Scan(&raw)
	if err != nil {
		return 0, classifyError(err, "read current LSN")
	}
	return catalog.LSN(raw), nil
}

// ReplicationMode reports the synchronous replication status this node
// forwards to the monitor on every heartbeat. A standby has no local notion
// of its own sync state, so it reports Unknown and lets the primary's own
// report (derived here from pg_stat_replication) carry the weakest
// sync_state among connected standbys, matching the conservative reading
// catchUpEnough expects when a formation demands sync.
func (l *LocalPG) ReplicationMode(ctx context.Context) (catalog.ReplicationState, error) {
	inRecovery, err := l.IsInRecovery(ctx)
	if err != nil {
		return catalog.ReplicationUnknown, err
	}
	if inRecovery {
		return catalog.ReplicationUnknown, nil
	}

	rows, err := l.pool.Query(ctx, "SELECT sync_state FROM pg_stat_replication")
	if err != nil {
		return catalog.ReplicationUnknown, classifyError(err, "read pg_stat_replication")
	}
	defer rows.Close()

	weakest := catalog.ReplicationUnknown
	for rows.Next() {
		var syncState string
		if err := rows.Scan(&syncState); err != nil {
			return catalog.ReplicationUnknown, classifyError(err, "scan sync_state")
		}
		mode := parseSyncState(syncState)
		if weaker(mode, weakest) {
			weakest = mode
		}
	}
	if err := rows.Err(); err != nil {
		return catalog.ReplicationUnknown, classifyError(err, "read pg_stat_replication")
	}
	return weakest, nil
}

// syncStrength orders replication modes from weakest to strongest so
// ReplicationMode can report the worst-case standby when several are
// connected to the same primary.
var syncStrength = map[catalog.ReplicationState]int{
	catalog.ReplicationUnknown: 0,
	catalog.ReplicationAsync:   1,
	catalog.ReplicationSync:    2,
	catalog.ReplicationQuorum:  3,
}

func weaker(a, b catalog.ReplicationState) bool {
	if b == catalog.ReplicationUnknown {
		return true
	}
	return syncStrength[a] < syncStrength[b]
}

func parseSyncState(s string) catalog.ReplicationState {
	switch s {
	case "sync":
		return catalog.ReplicationSync
	case "quorum":
		return catalog.ReplicationQuorum
	case "async", "potential":
		return catalog.ReplicationAsync
	default:
		return catalog.ReplicationUnknown
	}
}

// CreateReplicationSlot creates the deterministic physical slot this node's
// standby will use, and is
// a no-op if the slot already exists.
func (l *LocalPG) CreateReplicationSlot(ctx context.Context, nodeID int64) error {
	slot := ReplicationSlotName(nodeID)
	_, err := l.pool.Exec(ctx,
		"SELECT pg_create_physical_replication_slot($1) WHERE NOT EXISTS "+
			"(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", slot)
	if err != nil {
		return classifyError(err, "create replication slot "+slot)
	}
	return nil
}

// DropReplicationSlot removes a node's slot once it has left the group.
func (l *LocalPG) DropReplicationSlot(ctx context.Context, nodeID int64) error {
	slot := ReplicationSlotName(nodeID)
	_, err := l.pool.Exec(ctx, "SELECT pg_drop_replication_slot($1) WHERE EXISTS "+
		"(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", slot)
	if err != nil {
		return classifyError(err, "drop replication slot "+slot)
	}
	return nil
}

// ReplicationSlotName is the deterministic slot name for a standby, unique
// across restarts since it is keyed by the monitor-assigned node_id.
func ReplicationSlotName(nodeID int64) string {
	return fmt.Sprintf("pgautofailover_standby_%d", nodeID)
}

// SetSynchronousStandbyNames applies (or clears, when names is empty) the
// synchronous_standby_names GUC and reloads the configuration in place —
// no restart is required for this parameter.
func (l *LocalPG) SetSynchronousStandbyNames(ctx context.Context, names string) error {
	_, err := l.pool.Exec(ctx, "ALTER SYSTEM SET synchronous_standby_names = $1", names)
	if err != nil {
		return classifyError(err, "set synchronous_standby_names")
	}
	if _, err := l.pool.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return classifyError(err, "reload configuration")
	}
	return nil
}

// Promote requests this standby become the new primary and waits (up to
// pg_promote's default 60 seconds) for recovery to finish; an instance still
// in recovery after that wait is reported as an error.
func (l *LocalPG) Promote(ctx context.Context) error {
	var promoted bool
	err := l.pool.QueryRow(ctx, "SELECT pg_promote(wait := true)").Scan(&promoted)
	if err != nil {
		return classifyError(err, "promote")
	}
	if !promoted {
		return fmt.Errorf("promote: instance still in recovery after waiting")
	}
	return nil
}

// pgtypeLSN scans a pg_lsn value (textual "X/Y") into a uint64 offset, the
// same representation catalog.LSN compares numerically.
type pgtypeLSN uint64

func (l *pgtypeLSN) Scan(src interface{}) error {
	text, ok := src.(string)
	if !ok {
		if src == nil {
			*l = 0
			return nil
		}
		return fmt.Errorf("scan pg_lsn: unexpected type %T", src)
	}
	var hi, lo uint32
	if _, err := fmt.Sscanf(text, "%X/%X", &hi, &lo); err != nil {
		return fmt.Errorf("scan pg_lsn %q: %w", text, err)
	}
	*l = pgtypeLSN(uint64(hi)<<32 | uint64(lo))
	return nil
}

// classifyError distinguishes the error kinds for a failed query. Every
// PgError case returns its own wrapped error; a no-rows error and any
// non-Postgres error are both wrapped with the action name alone.
func classifyError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "":
			return fmt.Errorf("%s: %w: %s", action, ErrUnknownDatabaseError, pgErr.Message)
		case pgErr.Code == "57P03": // cannot_connect_now
			return fmt.Errorf("%s: database starting up: %w", action, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception class
			return fmt.Errorf("%s: connection error: %w", action, err)
		default:
			return fmt.Errorf("%s: database error %s: %w", action, pgErr.Code, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
