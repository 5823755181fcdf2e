package ldapclient

import (
	"fmt"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"
)

// Scope selects how deep a search descends below its base DN.
type Scope int

const (
	// ScopeBase matches the base DN only.
	ScopeBase Scope = iota
	// ScopeOne matches immediate children of the base DN.
	ScopeOne
	// ScopeSubtree matches the base DN and all descendants.
	ScopeSubtree
)

// String returns the configuration-file spelling of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOne:
		return "one"
	default:
		return "subtree"
	}
}

// ParseScope converts a configuration string into a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "base":
		return ScopeBase, nil
	case "one", "onelevel":
		return ScopeOne, nil
	case "", "sub", "subtree":
		return ScopeSubtree, nil
	}

	return ScopeSubtree, fmt.Errorf("unknown search scope %q", s)
}

func (s Scope) wire() int {
	switch s {
	case ScopeBase:
		return ldapv3.ScopeBaseObject
	case ScopeOne:
		return ldapv3.ScopeSingleLevel
	default:
		return ldapv3.ScopeWholeSubtree
	}
}

// Client is the synchronous request/response surface the controllers and
// helpers consume. Implementations may block on network I/O; they are not
// safe for unserialized concurrent use.
type Client interface {
	SimpleBind(dn, password string) error
	SASLGssapiBind(authzID string) error
	Search(baseDN string, scope Scope, filter string, attributes []string) ([]*Entry, error)
	Compare(dn, attribute, value string) (bool, error)
	Modify(mod *Modification) error
	Close() error
}

// Conn is the production Client over a go-ldap LDAPv3 connection.
type Conn struct {
	conn *ldapv3.Conn
}

var _ Client = (*Conn)(nil)

// Connect establishes an LDAPv3 connection to the given URI
// (ldap://host, ldaps://host, or ldapi://%2Fpath%2Fto%2Fsocket).
func Connect(uri string) (*Conn, error) {
	conn, err := ldapv3.DialURL(uri)
	if err != nil {
		return nil, fmt.Errorf("ldapclient: connect %s: %w", uri, err)
	}

	log.Debug().Str("uri", uri).Msg("LDAP connection established")

	return &Conn{conn: conn}, nil
}

// SimpleBind authenticates with a DN and password. A non-empty DN with an
// empty password is rejected with ErrInvalidBind rather than risking a
// server that silently downgrades it to an anonymous bind. An empty DN with
// an empty password is an explicit anonymous bind and is permitted.
func (c *Conn) SimpleBind(dn, password string) error {
	if password == "" && dn != "" {
		return ErrInvalidBind
	}

	if password == "" {
		if err := c.conn.UnauthenticatedBind(dn); err != nil {
			return fmt.Errorf("%w: anonymous bind: %v", ErrBindFailed, err)
		}

		return nil
	}

	if err := c.conn.Bind(dn, password); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, dn, err)
	}

	return nil
}

// SASLGssapiBind initiates a GSSAPI (Kerberos 5) SASL bind. No portable
// GSSAPI client is wired into this build, so the mechanism reports itself
// unavailable instead of crashing; deployments that need it authenticate
// with SimpleBind over ldaps or ldapi instead.
func (c *Conn) SASLGssapiBind(authzID string) error {
	return fmt.Errorf("%w: GSSAPI SASL mechanism unavailable (authzid %q)", ErrBindFailed, authzID)
}

// Search runs a search and returns freshly allocated entries in server
// order. A nil attribute list requests all user attributes; the operational
// modifyTimestamp attribute must be named explicitly to be returned.
func (c *Conn) Search(baseDN string, scope Scope, filter string, attributes []string) ([]*Entry, error) {
	req := ldapv3.NewSearchRequest(
		baseDN,
		scope.wire(),
		ldapv3.NeverDerefAliases,
		0, 0, false,
		filter,
		attributes,
		nil,
	)

	res, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: base %q filter %q: %v", ErrSearchFailed, baseDN, filter, err)
	}

	entries := make([]*Entry, 0, len(res.Entries))
	for _, raw := range res.Entries {
		attrs := make(map[string][]string, len(raw.Attributes))
		for _, attr := range raw.Attributes {
			values := make([]string, len(attr.Values))
			copy(values, attr.Values)
			attrs[attr.Name] = values
		}

		entries = append(entries, &Entry{DN: raw.DN, Attributes: attrs})
	}

	return entries, nil
}

// Compare asks the server whether dn carries the given attribute value.
func (c *Conn) Compare(dn, attribute, value string) (bool, error) {
	ok, err := c.conn.Compare(dn, attribute, value)
	if err != nil {
		return false, fmt.Errorf("%w: %s %s: %v", ErrCompareFailed, dn, attribute, err)
	}

	return ok, nil
}

// Modify applies the modification's change list in order.
func (c *Conn) Modify(mod *Modification) error {
	if err := c.conn.Modify(mod.request()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModifyFailed, mod.DN, err)
	}

	return nil
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
