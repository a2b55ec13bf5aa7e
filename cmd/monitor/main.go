// Package main implements the pg_autoctl monitor service: the process that
// owns the catalog, runs the assignment rules on every node_active call,
// and exposes the keeper RPC and operator HTTP surfaces.
//
// Configuration is read from an INI file via internal/config (the same
// viper/pflag layer the keeper uses), under a [monitor] section:
//
//	[monitor]
//	listen_address = :6000
//	dsn = postgres://pgautoctl@localhost/pgautoctl_monitor
//	signing_key = change-me
//	health_interval_seconds = 5
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/dreamware/pgautoctl/internal/api"
	"github.com/dreamware/pgautoctl/internal/catalog"
	"github.com/dreamware/pgautoctl/internal/config"
	"github.com/dreamware/pgautoctl/internal/eventbus"
)

func main() {
	fs := pflag.NewFlagSet("pg_autoctl_monitor", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the monitor's INI config file")
	config.Flags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("parse flags")
	}
	if *configPath == "" {
		log.Fatal("--config is required")
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if cfg.Monitor.DSN == "" {
		log.Fatal("monitor.dsn is required")
	}

	ctx := context.Background()

	store, err := catalog.NewPostgresStore(ctx, cfg.Monitor.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect catalog store")
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure catalog schema")
	}

	busPool, err := pgxpool.New(ctx, cfg.Monitor.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect event bus pool")
	}
	defer busPool.Close()

	bus := eventbus.NewPostgresBus(busPool)
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("event bus listener stopped")
		}
	}()
	defer bus.Stop()

	rules := catalog.DefaultRulesConfig()
	if cfg.Replication.NetworkPartitionTimeout > 0 {
		rules.NetworkPartitionTimeout = time.Duration(cfg.Replication.NetworkPartitionTimeout) * time.Second
	}
	cat := catalog.New(store, bus).WithRulesConfig(rules)

	if err := cat.EnsureFormation(ctx, catalog.Formation{
		FormationID:        "default",
		Kind:               catalog.FormationPlain,
		DBName:             "postgres",
		OptSecondary:       true,
		NumberSyncStandbys: cfg.Replication.NumberSyncStandbys,
	}); err != nil {
		log.WithError(err).Fatal("seed default formation")
	}

	healthInterval := time.Duration(cfg.Monitor.HealthInterval) * time.Second
	probe := catalog.NewHealthProbe(store, healthInterval)
	go probe.Run(ctx)
	defer probe.Stop()

	srv := api.NewServer(cat, []byte(cfg.Monitor.SigningKey))
	httpSrv := &http.Server{
		Addr:              cfg.Monitor.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Monitor.ListenAddress).Info("monitor listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("monitor listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("monitor stopping")
	probe.Stop()
	bus.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("monitor shutdown")
	}
	log.Info("monitor stopped")
}
