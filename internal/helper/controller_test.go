package helper_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
	"github.com/ldaptools/ldap-distd/internal/ldaptest"
)

const (
	johnDN       = "uid=john,ou=People,dc=example,dc=com"
	developersDN = "cn=developers,ou=Groups,dc=example,dc=com"
	staffDN      = "cn=staff,ou=Groups,dc=example,dc=com"
	pastStamp    = "20200101000000Z"
)

func seedEntries() []ldaptest.Entry {
	return []ldaptest.Entry{
		{
			DN: johnDN,
			Attributes: map[string][]string{
				"objectClass": {"inetOrgPerson", "posixAccount"},
				"uid":         {"john"},
				"cn":          {"John Doe"},
				"mail":        {"john@example.com"},
			},
		},
		{
			DN: developersDN,
			Attributes: map[string][]string{
				"objectClass":  {"groupOfUniqueNames"},
				"cn":           {"developers"},
				"uniqueMember": {johnDN},
			},
		},
		{
			DN: staffDN,
			Attributes: map[string][]string{
				"objectClass":  {"groupOfUniqueNames"},
				"cn":           {"staff"},
				"uniqueMember": {johnDN},
			},
		},
	}
}

// newFixture starts a directory where every timestamp is in the past, so
// the first tick is the only one that sees entries as modified.
func newFixture(t *testing.T) (*ldaptest.Server, *ldapclient.Conn) {
	t.Helper()

	srv, err := ldaptest.New(seedEntries()...)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	for _, dn := range []string{johnDN, developersDN, staffDN} {
		srv.SetModifyTimestamp(dn, pastStamp)
	}

	conn, err := ldapclient.Connect(srv.URI())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, conn
}

func groupFilter(cn string) *ldapclient.GroupFilter {
	return ldapclient.NewGroupFilter(
		"ou=Groups,dc=example,dc=com",
		ldapclient.ScopeSubtree,
		"(&(objectClass=groupOfUniqueNames)(cn="+cn+"))",
		"uniqueMember",
	)
}

func TestFirstRunMarksEntriesModified(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false,
		map[string]string{"test": "value"})
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, johnDN, calls[0].DN)
	assert.True(t, calls[0].Modified)
	assert.Equal(t, map[string]string{"test": "value"}, calls[0].Ctx)
	assert.Equal(t, 1, rec.Finishes())
	assert.False(t, ctrl.LastRun().IsZero())
}

func TestSecondRunWithoutChangeUnmodified(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Modified)
}

func TestModificationBetweenTicks(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()

	mod := ldapclient.NewModification(johnDN)
	mod.Replace("description", "changed")
	require.NoError(t, conn.Modify(mod))

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Modified)
}

func TestEntryWithoutTimestampAlwaysModified(t *testing.T) {
	srv, conn := newFixture(t)
	id, rec := registerMock(t, nil)
	srv.ClearModifyTimestamp(johnDN)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()
	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Modified)
}

func TestMalformedTimestampSkipsEntry(t *testing.T) {
	srv, conn := newFixture(t)
	id, rec := registerMock(t, nil)
	srv.SetModifyTimestamp(johnDN, "not-a-timestamp")

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))

	assert.Empty(t, rec.Calls())
	// A data error does not fail the batch.
	assert.False(t, ctrl.LastRun().IsZero())
}

func TestRequireGroupGatesUnmatchedEntries(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("administrators"), nil))

	require.NoError(t, ctrl.Work(conn))
	assert.Empty(t, rec.Calls())
}

func TestRequireGroupDisabledUsesDefaultContext(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false,
		map[string]string{"tag": "default"})
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("administrators"), map[string]string{"tag": "admins"}))

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"tag": "default"}, calls[0].Ctx)
}

func TestGroupMatchPriorityOrder(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", true,
		map[string]string{"tag": "default"})
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("developers"), map[string]string{"tag": "developers"}))
	require.NoError(t, ctrl.AddGroup(groupFilter("staff"), map[string]string{"tag": "staff"}))

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"tag": "developers"}, calls[0].Ctx)
}

func TestGroupMatchFallsThroughAfterRemoval(t *testing.T) {
	srv, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("developers"), map[string]string{"tag": "developers"}))
	require.NoError(t, ctrl.AddGroup(groupFilter("staff"), map[string]string{"tag": "staff"}))

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()

	mod := ldapclient.NewModification(developersDN)
	mod.Delete("uniqueMember", johnDN)
	require.NoError(t, conn.Modify(mod))
	srv.SetModifyTimestamp(developersDN, pastStamp)

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{"tag": "staff"}, calls[0].Ctx)
}

func TestGroupModificationMarksEntryModified(t *testing.T) {
	srv, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("developers"), nil))

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()

	// Entry untouched, group membership list rewritten: the entry counts
	// as modified because it may have just been added to the group.
	srv.SetModifyTimestamp(developersDN, time.Now().UTC().Add(time.Hour).Format("20060102150405Z"))

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Modified)
}

func TestGroupWithoutTimestampTreatedAsModified(t *testing.T) {
	srv, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.AddGroup(groupFilter("developers"), nil))

	require.NoError(t, ctrl.Work(conn))
	rec.Reset()

	srv.ClearModifyTimestamp(developersDN)

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Modified)
}

func TestHelperErrorMarksBatchFailed(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)
	rec.workErr = helper.Errorf("disk full")

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))

	// Batch failed: finish still ran, but the last-run timestamp did not
	// advance, so the next tick re-delivers the entries as modified.
	assert.Equal(t, 1, rec.Finishes())
	assert.True(t, ctrl.LastRun().IsZero())

	rec.workErr = nil
	rec.Reset()

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Modified)
	assert.False(t, ctrl.LastRun().IsZero())
}

func TestFinishErrorMarksBatchFailed(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)
	rec.finishErr = helper.Errorf("flush failed")

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))
	assert.True(t, ctrl.LastRun().IsZero())
}

func TestNonHelperErrorIsFatal(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)
	fatal := errors.New("wires crossed")
	rec.workErr = fatal

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, ctrl.Work(conn), fatal)
}

func TestSearchAttributesAugmented(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, []string{"mail"})

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	entry := calls[0].Entry
	assert.True(t, entry.HasAttr("mail"))
	assert.True(t, entry.HasAttr("modifyTimestamp"))
	assert.False(t, entry.HasAttr("cn"))
}

func TestAllAttributesSentinelExpanded(t *testing.T) {
	_, conn := newFixture(t)
	id, rec := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))

	calls := rec.Calls()
	require.Len(t, calls, 1)
	entry := calls[0].Entry
	assert.True(t, entry.HasAttr("cn"))
	assert.True(t, entry.HasAttr("mail"))
	assert.True(t, entry.HasAttr("modifyTimestamp"))
}

func TestLastRunMonotonic(t *testing.T) {
	_, conn := newFixture(t)
	id, _ := registerMock(t, nil)

	ctrl, err := helper.NewController("test", id, 0, "dc=example,dc=com", "(uid=john)", false, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Work(conn))
	first := ctrl.LastRun()
	require.NoError(t, ctrl.Work(conn))
	second := ctrl.LastRun()

	assert.False(t, second.Before(first))
	assert.False(t, time.Now().Add(time.Second).Before(second))
}
