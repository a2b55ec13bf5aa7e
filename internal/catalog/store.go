package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	// registers the "pgx" stdlib driver so sqlx.Connect("pgx", dsn) works;
	// the event bus talks to the same cluster through a native pgxpool
	// connection for LISTEN/NOTIFY, which database/sql cannot express.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is the persistence boundary the catalog depends on: formations,
// nodes and events live behind it, and every mutating method is expected to
// run inside a single serializable transaction. PostgresStore is the production
// implementation; MemoryStore backs unit tests.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ListAllNodes(ctx context.Context) ([]Node, error)
	RecordHealth(ctx context.Context, nodeID int64, health Health, checkedAt time.Time) error
}

// Tx is the set of operations available inside one serializable catalog
// transaction. Every monitor API method (RegisterNode, NodeActive, ...)
// does all of its reads and writes through a single Tx so that concurrent
// calls touching the same group never observe a torn snapshot.
type Tx interface {
	GetFormation(formationID string) (*Formation, error)
	UpsertFormation(f Formation) error
	GetNode(nodeID int64) (*Node, error)
	GroupNodes(formationID string, groupID int) ([]Node, error)
	UpsertNode(n Node) error
	DeleteNode(nodeID int64) error
	NextNodeID() int64
	AppendEvent(e Event) error
	Events(formationID string, limit int) ([]Event, error)
}

// PostgresStore is the production Store, backed by sqlx over the pgx stdlib
// driver.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against dsn (a postgres:// URI or
// key=value string, see internal/pgurl) and verifies it with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog store: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the catalog schema, tables and sequence if they do
// not exist yet. Safe to run on every monitor start.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a SERIALIZABLE transaction, matching the requirement
// that every monitor operation run within exactly one serializable
// transaction per call.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin serializable tx: %w", err)
	}

	tx := &sqlTxWrapper{tx: sqlTx}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAllNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	err := s.db.SelectContext(ctx, &nodes, `SELECT * FROM pgautoctl.node ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

func (s *PostgresStore) RecordHealth(ctx context.Context, nodeID int64, health Health, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pgautoctl.node SET health = $1, health_checked_at = $2 WHERE node_id = $3`,
		health, checkedAt, nodeID)
	if err != nil {
		return fmt.Errorf("record health for node %d: %w", nodeID, err)
	}
	return nil
}

// sqlTxWrapper adapts a *sqlx.Tx to the Tx interface with plain SQL, one
// statement per method — straightforward enough that no query builder is
// warranted beyond sqlx's struct scanning.
type sqlTxWrapper struct {
	tx *sqlx.Tx
}

func (w *sqlTxWrapper) GetFormation(formationID string) (*Formation, error) {
	var f Formation
	err := w.tx.Get(&f, `SELECT * FROM pgautoctl.formation WHERE formation_id = $1`, formationID)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownFormation
	}
	if err != nil {
		return nil, fmt.Errorf("get formation %s: %w", formationID, err)
	}
	return &f, nil
}

func (w *sqlTxWrapper) UpsertFormation(f Formation) error {
	_, err := w.tx.NamedExec(`
		INSERT INTO pgautoctl.formation (formation_id, kind, dbname, opt_secondary, number_sync_standbys)
		VALUES (:formation_id, :kind, :dbname, :opt_secondary, :number_sync_standbys)
		ON CONFLICT (formation_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			dbname = EXCLUDED.dbname,
			opt_secondary = EXCLUDED.opt_secondary,
			number_sync_standbys = EXCLUDED.number_sync_standbys`, f)
	if err != nil {
		return fmt.Errorf("upsert formation %s: %w", f.FormationID, err)
	}
	return nil
}

func (w *sqlTxWrapper) GetNode(nodeID int64) (*Node, error) {
	var n Node
	err := w.tx.Get(&n, `SELECT * FROM pgautoctl.node WHERE node_id = $1`, nodeID)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", nodeID, err)
	}
	return &n, nil
}

func (w *sqlTxWrapper) GroupNodes(formationID string, groupID int) ([]Node, error) {
	var nodes []Node
	err := w.tx.Select(&nodes,
		`SELECT * FROM pgautoctl.node WHERE formation_id = $1 AND group_id = $2 AND goal_state <> 'dropped' ORDER BY node_id`,
		formationID, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group nodes %s/%d: %w", formationID, groupID, err)
	}
	return nodes, nil
}

func (w *sqlTxWrapper) UpsertNode(n Node) error {
	_, err := w.tx.NamedExec(`
		INSERT INTO pgautoctl.node (
			node_id, node_name, formation_id, group_id, host, port,
			reported_state, goal_state, reported_replication_state, health,
			system_identifier, candidate_priority, reported_lsn, replication_quorum,
			reported_pg_is_running, health_checked_at, state_changed_at, reported_at,
			lost_since, failover_triggered_at
		) VALUES (
			:node_id, :node_name, :formation_id, :group_id, :host, :port,
			:reported_state, :goal_state, :reported_replication_state, :health,
			:system_identifier, :candidate_priority, :reported_lsn, :replication_quorum,
			:reported_pg_is_running, :health_checked_at, :state_changed_at, :reported_at,
			:lost_since, :failover_triggered_at
		)
		ON CONFLICT (node_id) DO UPDATE SET
			reported_state = EXCLUDED.reported_state,
			goal_state = EXCLUDED.goal_state,
			reported_replication_state = EXCLUDED.reported_replication_state,
			health = EXCLUDED.health,
			system_identifier = EXCLUDED.system_identifier,
			candidate_priority = EXCLUDED.candidate_priority,
			reported_lsn = EXCLUDED.reported_lsn,
			replication_quorum = EXCLUDED.replication_quorum,
			reported_pg_is_running = EXCLUDED.reported_pg_is_running,
			health_checked_at = EXCLUDED.health_checked_at,
			state_changed_at = EXCLUDED.state_changed_at,
			reported_at = EXCLUDED.reported_at,
			lost_since = EXCLUDED.lost_since,
			failover_triggered_at = EXCLUDED.failover_triggered_at`, n)
	if err != nil {
		return fmt.Errorf("upsert node %d: %w", n.NodeID, err)
	}
	return nil
}

func (w *sqlTxWrapper) DeleteNode(nodeID int64) error {
	_, err := w.tx.Exec(`DELETE FROM pgautoctl.node WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	return nil
}

func (w *sqlTxWrapper) NextNodeID() int64 {
	var id int64
	_ = w.tx.Get(&id, `SELECT nextval('pgautoctl.node_id_seq')`)
	return id
}

func (w *sqlTxWrapper) AppendEvent(e Event) error {
	_, err := w.tx.NamedExec(`
		INSERT INTO pgautoctl.event (event_time, formation_id, node_id, group_id, reported_state, goal_state, description)
		VALUES (:event_time, :formation_id, :node_id, :group_id, :reported_state, :goal_state, :description)`, e)
	if err != nil {
		return fmt.Errorf("append event for node %d: %w", e.NodeID, err)
	}
	return nil
}

func (w *sqlTxWrapper) Events(formationID string, limit int) ([]Event, error) {
	var events []Event
	err := w.tx.Select(&events,
		`SELECT * FROM pgautoctl.event WHERE formation_id = $1 ORDER BY event_id DESC LIMIT $2`,
		formationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", formationID, err)
	}
	return events, nil
}

// MemoryStore is an in-process Store for tests and local experimentation. It
// serializes all transactions behind a single mutex — sufficient to test the
// rules engine and API surface without a live database, at the cost of real
// concurrency (every call is effectively SERIALIZABLE by construction).
type MemoryStore struct {
	mu          sync.Mutex
	formations  map[string]Formation
	nodes       map[int64]Node
	events      []Event
	nextNodeID  int64
	nextEventID int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		formations: make(map[string]Formation),
		nodes:      make(map[int64]Node),
		nextNodeID: 1,
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Operate on a snapshot copy so a failing fn leaves the store untouched,
	// mirroring a rolled-back SQL transaction.
	snapshot := m.clone()
	tx := &memTxWrapper{store: snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.formations = snapshot.formations
	m.nodes = snapshot.nodes
	m.events = snapshot.events
	m.nextNodeID = snapshot.nextNodeID
	m.nextEventID = snapshot.nextEventID
	return nil
}

func (m *MemoryStore) clone() *MemoryStore {
	c := &MemoryStore{
		formations:  make(map[string]Formation, len(m.formations)),
		nodes:       make(map[int64]Node, len(m.nodes)),
		events:      append([]Event(nil), m.events...),
		nextNodeID:  m.nextNodeID,
		nextEventID: m.nextEventID,
	}
	for k, v := range m.formations {
		c.formations[k] = v
	}
	for k, v := range m.nodes {
		c.nodes[k] = v
	}
	return c
}

func (m *MemoryStore) ListAllNodes(ctx context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

func (m *MemoryStore) RecordHealth(ctx context.Context, nodeID int64, health Health, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.Health = health
	n.HealthCheckedAt = checkedAt
	m.nodes[nodeID] = n
	return nil
}

type memTxWrapper struct {
	store *MemoryStore
}

func (w *memTxWrapper) GetFormation(formationID string) (*Formation, error) {
	f, ok := w.store.formations[formationID]
	if !ok {
		return nil, ErrUnknownFormation
	}
	return &f, nil
}

func (w *memTxWrapper) UpsertFormation(f Formation) error {
	w.store.formations[f.FormationID] = f
	return nil
}

func (w *memTxWrapper) GetNode(nodeID int64) (*Node, error) {
	n, ok := w.store.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	return &n, nil
}

func (w *memTxWrapper) GroupNodes(formationID string, groupID int) ([]Node, error) {
	var nodes []Node
	for _, n := range w.store.nodes {
		if n.FormationID == formationID && n.GroupID == groupID && n.GoalState != StateDropped {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

func (w *memTxWrapper) UpsertNode(n Node) error {
	w.store.nodes[n.NodeID] = n
	return nil
}

func (w *memTxWrapper) DeleteNode(nodeID int64) error {
	delete(w.store.nodes, nodeID)
	return nil
}

func (w *memTxWrapper) NextNodeID() int64 {
	id := w.store.nextNodeID
	w.store.nextNodeID++
	return id
}

func (w *memTxWrapper) AppendEvent(e Event) error {
	w.store.nextEventID++
	e.EventID = w.store.nextEventID
	w.store.events = append(w.store.events, e)
	return nil
}

func (w *memTxWrapper) Events(formationID string, limit int) ([]Event, error) {
	var matched []Event
	for i := len(w.store.events) - 1; i >= 0 && len(matched) < limit; i-- {
		if w.store.events[i].FormationID == formationID {
			matched = append(matched, w.store.events[i])
		}
	}
	return matched, nil
}
