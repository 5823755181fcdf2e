package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

type nopHelper struct{}

func (nopHelper) Attributes() []string { return []string{"uid"} }

func (nopHelper) ParseOptions(options map[string]string) (helper.Context, error) {
	for key := range options {
		if key != "tag" {
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized"}
		}
	}

	return options, nil
}

func (nopHelper) Work(ctx helper.Context, entry *ldapclient.Entry, modified bool) error {
	return nil
}

func (nopHelper) Finish() error { return nil }

func init() {
	helper.Register("rules-test", func() helper.Helper { return nopHelper{} })
}

func writeRules(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const validRules = `
helpers:
  - name: ssh
    helper: rules-test
    interval: 5m
    search_base: ou=People,dc=example,dc=com
    search_filter: (objectClass=posixAccount)
    require_group: true
    options:
      tag: default
    groups:
      - base: ou=Groups,dc=example,dc=com
        scope: subtree
        filter: (cn=developers)
        member_attribute: uniqueMember
        cache_ttl: 60s
        options:
          tag: developers
      - base: ou=Groups,dc=example,dc=com
        filter: (cn=staff)
  - name: forward
    helper: rules-test
    search_base: ou=People,dc=example,dc=com
    search_filter: (mailForwardingAddress=*)
`

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules(writeRules(t, validRules))
	require.NoError(t, err)
	require.Len(t, rules.Helpers, 2)

	ssh := rules.Helpers[0]
	assert.Equal(t, "ssh", ssh.Name)
	assert.Equal(t, "rules-test", ssh.Helper)
	assert.True(t, ssh.RequireGroup)
	require.Len(t, ssh.Groups, 2)
	assert.Equal(t, "uniqueMember", ssh.Groups[0].MemberAttribute)
	assert.Nil(t, ssh.Groups[1].Options)

	// Interval defaults to run-once.
	assert.Equal(t, "", rules.Helpers[1].Interval)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRulesValidation(t *testing.T) {
	cases := map[string]string{
		"missing name": `
helpers:
  - helper: rules-test
    search_base: dc=example,dc=com
    search_filter: (uid=*)
`,
		"duplicate name": `
helpers:
  - name: dup
    helper: rules-test
    search_base: dc=example,dc=com
    search_filter: (uid=*)
  - name: dup
    helper: rules-test
    search_base: dc=example,dc=com
    search_filter: (uid=*)
`,
		"bad interval": `
helpers:
  - name: x
    helper: rules-test
    interval: often
    search_base: dc=example,dc=com
    search_filter: (uid=*)
`,
		"negative interval": `
helpers:
  - name: x
    helper: rules-test
    interval: -5s
    search_base: dc=example,dc=com
    search_filter: (uid=*)
`,
		"group without base": `
helpers:
  - name: x
    helper: rules-test
    search_base: dc=example,dc=com
    search_filter: (uid=*)
    groups:
      - filter: (cn=developers)
`,
		"bad group scope": `
helpers:
  - name: x
    helper: rules-test
    search_base: dc=example,dc=com
    search_filter: (uid=*)
    groups:
      - base: ou=Groups,dc=example,dc=com
        filter: (cn=developers)
        scope: sideways
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRules(writeRules(t, content))
			var verr ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestControllersBuild(t *testing.T) {
	rules, err := LoadRules(writeRules(t, validRules))
	require.NoError(t, err)

	ctrls, err := rules.Controllers()
	require.NoError(t, err)
	require.Len(t, ctrls, 2)

	assert.Equal(t, "ssh", ctrls[0].Name)
	assert.Equal(t, 5*time.Minute, ctrls[0].Interval)
	assert.Equal(t, "rules-test", ctrls[0].HelperID())
	assert.True(t, ctrls[0].RequireGroup)

	assert.Equal(t, "forward", ctrls[1].Name)
	assert.Equal(t, time.Duration(0), ctrls[1].Interval)
}

func TestControllersUnknownHelper(t *testing.T) {
	rules := &Rules{Helpers: []HelperRule{{
		Name:         "x",
		Helper:       "no-such-helper",
		SearchBase:   "dc=example,dc=com",
		SearchFilter: "(uid=*)",
	}}}

	_, err := rules.Controllers()
	assert.ErrorIs(t, err, helper.ErrHelperNotFound)
}

func TestControllersBadGroupOptions(t *testing.T) {
	rules := &Rules{Helpers: []HelperRule{{
		Name:         "x",
		Helper:       "rules-test",
		SearchBase:   "dc=example,dc=com",
		SearchFilter: "(uid=*)",
		Groups: []GroupRule{{
			Base:    "ou=Groups,dc=example,dc=com",
			Filter:  "(cn=developers)",
			Options: map[string]string{"bogus": "x"},
		}},
	}}}

	_, err := rules.Controllers()
	var optErr *helper.InvalidOptionError
	assert.ErrorAs(t, err, &optErr)
}
