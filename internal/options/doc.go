// Package options provides configuration parsing for the daemon: process
// level settings from environment variables (with .env support) and the
// YAML rules file describing helper controllers and their group overrides.
package options
