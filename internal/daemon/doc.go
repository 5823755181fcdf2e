// Package daemon owns the periodic execution of helper controllers: one
// task per controller sharing a single serialized LDAP client, a stop
// signal with drain semantics, and a single-shot completion channel that
// reports either a clean shutdown or the first fatal error.
package daemon
