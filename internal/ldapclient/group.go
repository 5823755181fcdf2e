package ldapclient

import (
	"sync"
	"time"
)

// DefaultMemberAttribute is the attribute consulted for group membership
// when a GroupFilter does not name one.
const DefaultMemberAttribute = "uniqueMember"

type cachedMembership struct {
	isMember  bool
	expiresAt time.Time
}

// GroupFilter answers "is this DN a member of any group matching the
// search?" with an optional per-DN TTL cache. The cache is an optimization
// only; correctness never depends on it. A GroupFilter is long-lived and
// may be attached to more than one controller.
type GroupFilter struct {
	BaseDN          string
	Scope           Scope
	Filter          string
	MemberAttribute string

	// CacheTTL bounds how long a membership answer is reused. Zero
	// disables caching entirely.
	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedMembership
}

// NewGroupFilter builds a group filter. An empty memberAttribute selects
// DefaultMemberAttribute.
func NewGroupFilter(baseDN string, scope Scope, filter, memberAttribute string) *GroupFilter {
	if memberAttribute == "" {
		memberAttribute = DefaultMemberAttribute
	}

	return &GroupFilter{
		BaseDN:          baseDN,
		Scope:           scope,
		Filter:          filter,
		MemberAttribute: memberAttribute,
		cache:           make(map[string]cachedMembership),
	}
}

// IsMember reports whether dn is a member of any group matched by the
// filter's search, via a server-side compare against each group entry.
// With a positive CacheTTL, answers are served from the cache until they
// expire.
func (g *GroupFilter) IsMember(client Client, dn string) (bool, error) {
	if g.CacheTTL > 0 {
		if isMember, ok := g.cachedAnswer(dn); ok {
			return isMember, nil
		}
	}

	groups, err := client.Search(g.BaseDN, g.Scope, g.Filter, []string{})
	if err != nil {
		return false, err
	}

	isMember := false
	for _, group := range groups {
		ok, err := client.Compare(group.DN, g.MemberAttribute, dn)
		if err != nil {
			return false, err
		}
		if ok {
			isMember = true
			break
		}
	}

	if g.CacheTTL > 0 {
		g.storeAnswer(dn, isMember)
	}

	return isMember, nil
}

// ModTime returns the modifyTimestamp of the first group entry matched by
// the filter's search. It returns ErrNoTimestamp when the search matches
// nothing or the group carries no timestamp, and ErrMalformedTimestamp when
// the value cannot be parsed; the controller maps these onto its
// "group modified" semantics.
func (g *GroupFilter) ModTime(client Client) (time.Time, error) {
	groups, err := client.Search(g.BaseDN, g.Scope, g.Filter, []string{ModifyTimestampAttr})
	if err != nil {
		return time.Time{}, err
	}
	if len(groups) == 0 {
		return time.Time{}, ErrNoTimestamp
	}

	return groups[0].ModTime()
}

func (g *GroupFilter) cachedAnswer(dn string) (isMember, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, found := g.cache[dn]
	if !found || !time.Now().Before(entry.expiresAt) {
		return false, false
	}

	return entry.isMember, true
}

func (g *GroupFilter) storeAnswer(dn string, isMember bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cache == nil {
		g.cache = make(map[string]cachedMembership)
	}

	g.cache[dn] = cachedMembership{
		isMember:  isMember,
		expiresAt: time.Now().Add(g.CacheTTL),
	}
}
