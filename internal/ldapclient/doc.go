// Package ldapclient provides a thin synchronous facade over an LDAPv3
// connection: search, compare, modify and bind operations, plus the Entry,
// Modification and GroupFilter value types consumed by helper controllers.
//
// The facade is deliberately small. Each Search call returns freshly
// allocated Entry values; nothing is retained across calls. Sessions are
// single-threaded by protocol, so callers that share one Client across
// goroutines must serialize access (see daemon.Context).
package ldapclient
