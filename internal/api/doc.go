// Package api exposes the monitor's Catalog over HTTP: a keeper-facing RPC
// surface (register_node, node_active, remove_node, set_system_identifier,
// get_other_nodes) that every keeper polls on its heartbeat, and an
// operator-facing read/control surface (get_primary, get_events, a failover
// trigger, maintenance on/off) gated behind a bearer token.
//
// Routing is gorilla/mux, wrapped in codegangsta/negroni for logging and
// panic recovery, and the operator routes carry dgrijalva/jwt-go bearer
// authentication.
package api
