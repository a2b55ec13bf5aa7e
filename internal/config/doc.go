// Package config loads monitor and keeper configuration from an INI file
// with sections pg_autoctl, postgresql and replication, using spf13/viper
// for parsing/merging and spf13/pflag for command-line overrides.
package config
