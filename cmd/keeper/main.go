// Package main implements the pg_autoctl keeper CLI: the per-node agent that
// owns one local PostgreSQL instance, registers it with the monitor, and
// drives it through the transition table until its reported state matches
// the monitor's goal.
//
// Usage:
//
//	pg_autoctl create --config /etc/pg_autoctl/node1.ini
//	pg_autoctl run    --config /etc/pg_autoctl/node1.ini
//
// create registers this data directory with the monitor once and persists
// the assigned node_id/group_id alongside the data directory; run resumes
// that identity and starts the probe/report/transition loop, exiting
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/dreamware/pgautoctl/internal/catalog"
	"github.com/dreamware/pgautoctl/internal/config"
	"github.com/dreamware/pgautoctl/internal/keeper"
	"github.com/dreamware/pgautoctl/internal/pgurl"
)

// identity is the small piece of state a keeper must remember across
// restarts: the node_id/group_id the monitor assigned at create time and
// the state it last reported, so run can resume mid-lifecycle rather than
// registering a second time.
type identity struct {
	NodeID        int64             `json:"node_id"`
	GroupID       int               `json:"group_id"`
	ReportedState catalog.NodeState `json:"reported_state"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pg_autoctl <create|run> --config PATH")
		os.Exit(1)
	}
	subcommand := os.Args[1]

	fs := pflag.NewFlagSet("pg_autoctl", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the keeper's INI config file")
	config.Flags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.WithError(err).Fatal("parse flags")
	}
	if *configPath == "" {
		log.Fatal("--config is required")
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	switch subcommand {
	case "create":
		runCreate(cfg)
	case "run":
		runKeeper(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q: expected create or run\n", subcommand)
		os.Exit(1)
	}
}

func identityPath(cfg *config.Config) string {
	return filepath.Clean(cfg.PgAutoCtl.PgDataDir) + ".pg_autoctl.state"
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Clean(cfg.PgAutoCtl.PgDataDir) + ".pg_autoctl.pid"
}

// runCreate performs the one-time register_node call against the monitor
// and persists the assigned identity next to the data directory so run can
// pick it up on every subsequent start.
func runCreate(cfg *config.Config) {
	ctx := context.Background()

	monitor := keeper.NewMonitorClient(cfg.PgAutoCtl.MonitorURI)
	assignment, err := monitor.RegisterNode(ctx, cfg.PgAutoCtl.Formation, cfg.PgAutoCtl.GroupID,
		cfg.PgAutoCtl.NodeName, cfg.Postgresql.Host, cfg.Postgresql.Port,
		cfg.Replication.CandidatePriority, cfg.Replication.ReplicationQuorum)
	if err != nil {
		log.WithError(err).Fatal("register with monitor")
	}

	id := identity{NodeID: assignment.NodeID, GroupID: assignment.GroupID, ReportedState: catalog.StateInit}
	if err := writeIdentity(identityPath(cfg), id); err != nil {
		log.WithError(err).Fatal("persist node identity")
	}

	log.WithFields(log.Fields{
		"node_id": assignment.NodeID, "group_id": assignment.GroupID, "goal": assignment.GoalState,
	}).Info("registered with monitor")
}

// runKeeper resumes a previously created node's identity and runs the
// probe/report/transition loop until asked to stop.
func runKeeper(cfg *config.Config) {
	ctx := context.Background()

	id, err := readIdentity(identityPath(cfg))
	if err != nil {
		log.WithError(err).Fatal("read persisted identity: did you run `pg_autoctl create` first?")
	}

	if err := keeper.WritePIDFile(pidFilePath(cfg), cfg.PgAutoCtl.PgDataDir, 0); err != nil {
		log.WithError(err).Fatal("acquire pid file")
	}
	defer keeper.RemovePIDFile(pidFilePath(cfg))

	localDSN := pgurl.BuildKeyValue(pgurl.Params{
		Host: cfg.Postgresql.Host, Port: cfg.Postgresql.Port,
		DBName: cfg.Postgresql.DBName, User: cfg.Postgresql.Username,
	})
	local, err := keeper.ConnectLocal(ctx, localDSN)
	if err != nil {
		log.WithError(err).Fatal("connect to local postgres")
	}
	defer local.Close()

	ext := &keeper.LocalExec{DBName: cfg.Postgresql.DBName}
	transition := keeper.NewTransitioner(local, ext, cfg.PgAutoCtl.PgDataDir)
	monitor := keeper.NewMonitorClient(cfg.PgAutoCtl.MonitorURI)

	k := keeper.New(monitor, local, transition, keeper.Options{
		FormationID:       cfg.PgAutoCtl.Formation,
		NodeName:          cfg.PgAutoCtl.NodeName,
		Host:              cfg.Postgresql.Host,
		Port:              cfg.Postgresql.Port,
		CandidatePriority: cfg.Replication.CandidatePriority,
		ReplicationQuorum: cfg.Replication.ReplicationQuorum,
	})
	k.Resume(id.NodeID, id.GroupID, id.ReportedState)

	runCtx, cancel := context.WithCancel(ctx)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("keeper stopping")
		k.Stop()
		cancel()
	}()

	if err := k.Run(runCtx); err != nil && runCtx.Err() == nil {
		log.WithError(err).Fatal("keeper loop")
	}
	log.Info("keeper stopped")
}

func writeIdentity(path string, id identity) error {
	encoded, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}

func readIdentity(path string) (identity, error) {
	var id identity
	raw, err := os.ReadFile(path)
	if err != nil {
		return id, fmt.Errorf("read identity %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &id); err != nil {
		return id, fmt.Errorf("decode identity %s: %w", path, err)
	}
	return id, nil
}
