package keeper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dreamware/pgautoctl/internal/pgurl"
)

// External runs the operating-system-level actions a transition needs that
// fall outside a plain SQL connection: initializing a data directory, taking
// a base backup, writing the standby connection info, and pg_rewind. Direct
// database command wrappers are out of scope beyond their interface, so
// this is a thin adapter over the external binaries rather than a full
// process supervisor — no retry policy, no output parsing beyond exit
// status.
type External interface {
	EnsureInitialized(ctx context.Context, dataDir string) error
	TakeBaseBackup(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error
	WriteStandbySignal(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error
	Rewind(ctx context.Context, dataDir, sourceHost string, sourcePort int) error
	StartPostgres(ctx context.Context, dataDir string) error
	StopPostgres(ctx context.Context, dataDir string) error
}

// LocalExec shells out to the postgres binaries on $PATH, the same
// convention pg_autoctl itself uses.
type LocalExec struct {
	DBName string
}

func (e *LocalExec) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// EnsureInitialized runs initdb if the data directory is empty; a populated
// directory is left untouched, making this safe to call on every pass
// through the init→single transition.
func (e *LocalExec) EnsureInitialized(ctx context.Context, dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err == nil && len(entries) > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dataDir), 0o750); err != nil {
		return fmt.Errorf("create parent of %s: %w", dataDir, err)
	}
	return e.run(ctx, "initdb", "--pgdata="+dataDir, "--auth=trust")
}

// TakeBaseBackup clones the primary into dataDir over the replication
// protocol and registers it against slot so WAL is retained from this point.
func (e *LocalExec) TakeBaseBackup(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error {
	return e.run(ctx, "pg_basebackup",
		"--pgdata="+dataDir,
		"--host="+primaryHost,
		fmt.Sprintf("--port=%d", primaryPort),
		"--slot="+slot,
		"--no-password",
	)
}

// WriteStandbySignal drops a standby.signal file and a primary_conninfo
// entry in postgresql.auto.conf, the PG12+ replacement for recovery.conf.
func (e *LocalExec) WriteStandbySignal(ctx context.Context, dataDir, primaryHost string, primaryPort int, slot string) error {
	signal := filepath.Join(dataDir, "standby.signal")
	if err := os.WriteFile(signal, nil, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", signal, err)
	}

	conninfo := pgurl.BuildKeyValue(pgurl.Params{Host: primaryHost, Port: primaryPort, DBName: e.DBName})
	// GUC values are single-quoted; quotes inside the conninfo are doubled.
	entry := fmt.Sprintf("primary_conninfo = '%s'\nprimary_slot_name = '%s'\n",
		strings.ReplaceAll(conninfo, "'", "''"), slot)
	autoConf := filepath.Join(dataDir, "postgresql.auto.conf")
	f, err := os.OpenFile(autoConf, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", autoConf, err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("write %s: %w", autoConf, err)
	}
	return nil
}

// Rewind resynchronizes a diverged former primary against the new one so it
// can rejoin as a standby without a full base backup.
func (e *LocalExec) Rewind(ctx context.Context, dataDir, sourceHost string, sourcePort int) error {
	source := pgurl.BuildKeyValue(pgurl.Params{Host: sourceHost, Port: sourcePort, DBName: e.DBName})
	return e.run(ctx, "pg_rewind",
		"--target-pgdata="+dataDir,
		"--source-server="+source,
	)
}

// StartPostgres brings the local instance up with pg_ctl. A data directory
// that already has a postmaster.pid is treated as running, so this is safe
// to call on every pass through a transition that needs the instance up.
func (e *LocalExec) StartPostgres(ctx context.Context, dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, "postmaster.pid")); err == nil {
		return nil
	}
	return e.run(ctx, "pg_ctl", "start", "--pgdata="+dataDir, "--wait")
}

// StopPostgres shuts the local instance down with pg_ctl's fast mode
// (disconnect sessions, roll back in-flight transactions, then exit), the
// action a demoted node takes to actually stop accepting writes rather than
// merely forgetting its synchronous replication settings. A data directory
// with no postmaster.pid is treated as already stopped, so this is safe to
// call on every pass through a demote transition.
func (e *LocalExec) StopPostgres(ctx context.Context, dataDir string) error {
	if _, err := os.Stat(filepath.Join(dataDir, "postmaster.pid")); os.IsNotExist(err) {
		return nil
	}
	return e.run(ctx, "pg_ctl", "stop", "--pgdata="+dataDir, "--mode=fast", "--wait")
}
