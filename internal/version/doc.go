// Package version provides build-time information for the daemon.
//
// Version metadata is injected at build time with -ldflags:
//
//	go build -ldflags="\
//	  -X 'github.com/ldaptools/ldap-distd/internal/version.Version=v1.2.0' \
//	  -X 'github.com/ldaptools/ldap-distd/internal/version.CommitHash=$(git rev-parse --short HEAD)' \
//	  -X 'github.com/ldaptools/ldap-distd/internal/version.BuildTimestamp=$(date -u +%Y-%m-%dT%H:%M:%SZ)' \
//	" ./cmd/ldap-distd
//
// Development builds report "Development version".
package version
