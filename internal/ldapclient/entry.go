package ldapclient

import (
	"fmt"
	"time"
)

// generalizedTimeLayout is the LDAP generalized UTC time format carried by
// the modifyTimestamp operational attribute. The trailing Z is literal; the
// value is always UTC and must not be shifted into local time.
const generalizedTimeLayout = "20060102150405Z"

// ModifyTimestampAttr is the operational attribute consulted by the
// modification protocol. It is not a user attribute and must be requested
// explicitly on searches.
const ModifyTimestampAttr = "modifyTimestamp"

// Entry is one LDAP search result row: a DN plus an attribute multimap.
// Entries are produced by Client.Search and immutable thereafter.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// AttrValues returns all values of the named attribute, or nil when the
// entry does not carry it. Attribute names are matched as returned by the
// server.
func (e *Entry) AttrValues(name string) []string {
	return e.Attributes[name]
}

// AttrValue returns the first value of the named attribute, or "" when the
// entry does not carry it.
func (e *Entry) AttrValue(name string) string {
	if vals := e.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}

	return ""
}

// HasAttr reports whether the entry carries at least one value of the named
// attribute.
func (e *Entry) HasAttr(name string) bool {
	return len(e.Attributes[name]) > 0
}

// ModTime parses the entry's modifyTimestamp attribute into an absolute
// time. It returns ErrNoTimestamp when the attribute is absent and
// ErrMalformedTimestamp when it cannot be parsed; callers distinguish the
// two because they drive different modification semantics.
func (e *Entry) ModTime() (time.Time, error) {
	vals := e.Attributes[ModifyTimestampAttr]
	if len(vals) == 0 {
		return time.Time{}, ErrNoTimestamp
	}

	t, err := time.Parse(generalizedTimeLayout, vals[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q on %s", ErrMalformedTimestamp, vals[0], e.DN)
	}

	return t.UTC(), nil
}
