// Package web serves the daemon's HTTP status surface: liveness and
// readiness probes plus a JSON status document with per-controller
// last-run information.
package web
