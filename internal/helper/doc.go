// Package helper defines the plugin contract for side-effect helpers, the
// registry resolving helper ids to factories, and the controller that turns
// one configured rule into LDAP searches and per-entry helper invocations
// with the modification and group-priority semantics of the daemon.
package helper
