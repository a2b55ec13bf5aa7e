package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// PgAutoCtl holds the [pg_autoctl] section: identity and monitor wiring
// shared by monitor and keeper processes.
type PgAutoCtl struct {
	NodeName    string `mapstructure:"node_name"`
	MonitorURI  string `mapstructure:"monitor_uri"`
	Formation   string `mapstructure:"formation"`
	GroupID     int    `mapstructure:"group_id"`
	PgDataDir   string `mapstructure:"pgdata"`
}

// Postgresql holds the [postgresql] section describing the local instance a
// keeper manages.
type Postgresql struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	Username string `mapstructure:"username"`
}

// Replication holds the [replication] section's tuning knobs, mapped onto
// catalog.RulesConfig by the caller.
type Replication struct {
	CandidatePriority       int    `mapstructure:"candidate_priority"`
	ReplicationQuorum       bool   `mapstructure:"replication_quorum"`
	NumberSyncStandbys      int    `mapstructure:"number_sync_standbys"`
	NetworkPartitionTimeout int    `mapstructure:"network_partition_timeout"`
	Slot                    string `mapstructure:"slot_name"`
}

// Monitor holds the [monitor] section read only by cmd/monitor: its own
// listen address, catalog database, operator auth key and health probe
// cadence. Keeper configs simply omit this section.
type Monitor struct {
	ListenAddress  string `mapstructure:"listen_address"`
	DSN            string `mapstructure:"dsn"`
	SigningKey     string `mapstructure:"signing_key"`
	HealthInterval int    `mapstructure:"health_interval_seconds"`
}

// Config is the fully parsed on-disk configuration for one keeper or
// monitor process.
type Config struct {
	PgAutoCtl   PgAutoCtl   `mapstructure:"pg_autoctl"`
	Postgresql  Postgresql  `mapstructure:"postgresql"`
	Replication Replication `mapstructure:"replication"`
	Monitor     Monitor     `mapstructure:"monitor"`
}

// Load reads path (an INI file) via viper, applies flags as overrides, and
// unmarshals into a Config. Any field flags sets takes precedence over the
// file, matching pg_autoctl's own CLI-over-config-file precedence.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("pg_autoctl.group_id", 0)
	v.SetDefault("postgresql.port", 5432)
	v.SetDefault("replication.candidate_priority", 100)
	v.SetDefault("replication.replication_quorum", true)
	v.SetDefault("replication.number_sync_standbys", 0)
	v.SetDefault("replication.network_partition_timeout", 20)
	v.SetDefault("monitor.listen_address", ":6000")
	v.SetDefault("monitor.health_interval_seconds", 5)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return &cfg, nil
}

// Flags declares the command-line flags that can override config file
// values, following pg_autoctl's keeper/monitor CLI surface.
func Flags(fs *pflag.FlagSet) {
	fs.String("pg_autoctl.node_name", "", "node name as registered with the monitor")
	fs.String("pg_autoctl.monitor_uri", "", "monitor connection string")
	fs.String("pg_autoctl.formation", "default", "formation name")
	fs.Int("pg_autoctl.group_id", 0, "replication group id")
	fs.String("postgresql.host", "localhost", "local PostgreSQL host")
	fs.Int("postgresql.port", 5432, "local PostgreSQL port")
	fs.Int("replication.candidate_priority", 100, "promotion candidate priority, 0-100")
	fs.Bool("replication.replication_quorum", true, "participate in synchronous replication quorum")
	fs.String("monitor.listen_address", ":6000", "monitor HTTP listen address")
	fs.String("monitor.dsn", "", "connection string to the monitor's own catalog database")
	fs.String("monitor.signing_key", "", "HMAC key for operator bearer tokens")
	fs.Int("monitor.health_interval_seconds", 5, "interval between node health probes")
}
