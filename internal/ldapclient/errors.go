package ldapclient

import "errors"

// Sentinel errors for the facade's operation categories. Callers classify
// failures with errors.Is; the wrapped text carries the protocol detail.
var (
	// ErrInvalidBind is returned by SimpleBind when a non-empty DN is
	// combined with an empty password. Some servers (Active Directory,
	// Novell) silently treat that as an anonymous bind; we reject it
	// before it ever reaches the wire.
	ErrInvalidBind = errors.New("ldapclient: bind DN specified without a password")

	// ErrBindFailed covers simple and SASL bind failures, including GSSAPI
	// being unavailable on this platform.
	ErrBindFailed = errors.New("ldapclient: bind failed")

	// ErrSearchFailed covers protocol or permission errors during a search.
	ErrSearchFailed = errors.New("ldapclient: search failed")

	// ErrCompareFailed covers protocol errors during a server-side compare.
	ErrCompareFailed = errors.New("ldapclient: compare failed")

	// ErrModifyFailed covers protocol errors while applying a modification.
	ErrModifyFailed = errors.New("ldapclient: modify failed")

	// ErrNoTimestamp is returned by Entry.ModTime when the entry carries no
	// modifyTimestamp attribute.
	ErrNoTimestamp = errors.New("ldapclient: entry has no modifyTimestamp attribute")

	// ErrMalformedTimestamp is returned by Entry.ModTime when the
	// modifyTimestamp attribute cannot be parsed as generalized UTC time.
	ErrMalformedTimestamp = errors.New("ldapclient: malformed modifyTimestamp attribute")
)
