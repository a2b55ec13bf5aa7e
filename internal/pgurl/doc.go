// Package pgurl builds and parses PostgreSQL connection strings in both the
// canonical postgres:// URI form and the key=value conninfo form. Key=value
// values are single-quoted with backslash escaping for ' and \, matching
// libpq's own conninfo grammar.
package pgurl
