package helper

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// groupOverride pairs a group filter with the context delivered to entries
// matching it. Overrides are evaluated in insertion order; the first match
// wins.
type groupOverride struct {
	filter *ldapclient.GroupFilter
	ctx    Context
}

// Controller is one configured distribution rule: a helper, an LDAP search,
// a run interval and an ordered list of group overrides. Work runs one
// search+dispatch pass; the daemon invokes it periodically.
type Controller struct {
	// Name uniquely identifies the controller within a daemon context.
	Name string
	// Interval is the periodic run interval. Zero means run once.
	Interval time.Duration
	// SearchBase and SearchFilter select the entries this rule covers.
	SearchBase   string
	SearchFilter string
	// RequireGroup skips entries that match none of the group overrides.
	RequireGroup bool

	helperID   string
	factory    Factory
	searchAttr []string
	defaultCtx Context
	groups     []groupOverride

	// lastRun holds the start time, in Unix seconds, of the last batch
	// that completed without failures. Written only by the controller's
	// own tick; read concurrently by the status listener.
	lastRun atomic.Int64
}

// NewController resolves helperID against the registry, derives the search
// attribute set from the helper's declaration (always augmented with
// modifyTimestamp, with a nil declaration expanded to all user attributes),
// and parses the default option context.
func NewController(
	name, helperID string,
	interval time.Duration,
	searchBase, searchFilter string,
	requireGroup bool,
	options map[string]string,
) (*Controller, error) {
	factory, err := Lookup(helperID)
	if err != nil {
		return nil, err
	}

	proto := factory()

	attrs := proto.Attributes()
	if attrs == nil {
		// All user attributes; modifyTimestamp is operational and must
		// still be named explicitly.
		attrs = []string{"*"}
	}
	searchAttr := make([]string, 0, len(attrs)+1)
	hasModTS := false
	for _, a := range attrs {
		if a == ldapclient.ModifyTimestampAttr {
			hasModTS = true
		}
		searchAttr = append(searchAttr, a)
	}
	if !hasModTS {
		searchAttr = append(searchAttr, ldapclient.ModifyTimestampAttr)
	}

	defaultCtx, err := proto.ParseOptions(options)
	if err != nil {
		return nil, err
	}

	return &Controller{
		Name:         name,
		Interval:     interval,
		SearchBase:   searchBase,
		SearchFilter: searchFilter,
		RequireGroup: requireGroup,
		helperID:     helperID,
		factory:      factory,
		searchAttr:   searchAttr,
		defaultCtx:   defaultCtx,
	}, nil
}

// HelperID returns the registry id of the controlled helper.
func (c *Controller) HelperID() string {
	return c.helperID
}

// LastRun returns the start time of the last successful batch, or the zero
// time when no batch has succeeded yet.
func (c *Controller) LastRun() time.Time {
	secs := c.lastRun.Load()
	if secs == 0 {
		return time.Time{}
	}

	return time.Unix(secs, 0).UTC()
}

// AddGroup appends a group override. With a non-nil options mapping a fresh
// context is parsed for entries matching this group; otherwise the default
// context is reused. Groups are matched in the order they were added.
func (c *Controller) AddGroup(filter *ldapclient.GroupFilter, options map[string]string) error {
	ctx := c.defaultCtx
	if options != nil {
		parsed, err := c.factory().ParseOptions(options)
		if err != nil {
			return err
		}
		ctx = parsed
	}

	c.groups = append(c.groups, groupOverride{filter: filter, ctx: ctx})

	return nil
}

// Work runs one dispatch pass: search, per-entry group matching and
// modification computation, helper invocation, then Finish. LDAP protocol
// errors and recoverable helper errors are logged and mark the batch
// failed; the returned error is non-nil only for failures the daemon must
// treat as fatal. The last-run timestamp advances only after a batch with
// no failures, and to the time the batch started, so entries modified
// mid-run are seen again on the next tick.
func (c *Controller) Work(client ldapclient.Client) error {
	logger := log.With().Str("helper", c.Name).Logger()

	startTime := time.Now().Unix()
	lastRun := c.lastRun.Load()

	entries, err := client.Search(c.SearchBase, ldapclient.ScopeSubtree, c.SearchFilter, c.searchAttr)
	if err != nil {
		logger.Error().Err(err).Msg("LDAP search failed, batch abandoned")

		return nil
	}

	// One helper instance per batch, so Work may stage state for Finish.
	worker := c.factory()
	failed := false

	for _, entry := range entries {
		ctx, groupModified, matched, err := c.matchGroup(client, entry.DN, lastRun)
		if err != nil {
			logger.Error().Err(err).Str("dn", entry.DN).Msg("group evaluation failed, entry skipped")
			failed = true

			continue
		}

		if !matched {
			if c.RequireGroup {
				logger.Debug().Str("dn", entry.DN).Msg("matched zero groups and requireGroup is enabled")

				continue
			}
			ctx = c.defaultCtx
			groupModified = false
		}

		entryModified := false
		modTime, err := entry.ModTime()
		switch {
		case err == nil:
			entryModified = modTime.Unix() >= lastRun
		case errors.Is(err, ldapclient.ErrNoTimestamp):
			entryModified = true
		default:
			// Malformed timestamp: neither modified nor unmodified.
			logger.Error().Err(err).Str("dn", entry.DN).Msg("entry skipped")

			continue
		}

		if err := worker.Work(ctx, entry, entryModified || groupModified); err != nil {
			var helperErr *Error
			if !errors.As(err, &helperErr) {
				return err
			}
			logger.Error().Err(err).Str("dn", entry.DN).Msg("helper invocation failed")
			failed = true
		}
	}

	if err := worker.Finish(); err != nil {
		var helperErr *Error
		if !errors.As(err, &helperErr) {
			return err
		}
		logger.Error().Err(err).Msg("helper finish failed")
		failed = true
	}

	if !failed {
		c.lastRun.Store(startTime)
	}

	return nil
}

// matchGroup walks the group overrides in order and returns the context of
// the first group dn is a member of, together with whether that group
// itself counts as modified since lastRun. A group matching zero entries or
// carrying no timestamp is conservatively treated as modified (membership
// may have just been granted); a malformed group timestamp is logged and
// treated as unmodified.
func (c *Controller) matchGroup(client ldapclient.Client, dn string, lastRun int64) (ctx Context, groupModified, matched bool, err error) {
	for _, group := range c.groups {
		isMember, err := group.filter.IsMember(client, dn)
		if err != nil {
			return nil, false, false, err
		}
		if !isMember {
			continue
		}

		groupModified := false
		modTime, err := group.filter.ModTime(client)
		switch {
		case err == nil:
			groupModified = modTime.Unix() >= lastRun
		case errors.Is(err, ldapclient.ErrNoTimestamp):
			groupModified = true
		case errors.Is(err, ldapclient.ErrMalformedTimestamp):
			log.Error().Err(err).Str("helper", c.Name).Msg("group modifyTimestamp unusable")
		default:
			return nil, false, false, err
		}

		return group.ctx, groupModified, true, nil
	}

	return nil, false, false, nil
}
