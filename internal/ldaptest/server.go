// Package ldaptest runs a small in-process LDAP server for tests: an
// in-memory directory with bind, search, compare and modify support plus
// automatic modifyTimestamp maintenance. It replaces an external slapd for
// the package test suites.
package ldaptest

import (
	"fmt"
	"io"
	stdlog "log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lor00x/goldap/message"
	"github.com/vjeantet/ldapserver"
)

// RootDN and RootPW are the administrative credentials every test server
// accepts.
const (
	RootDN = "cn=Manager,dc=example,dc=com"
	RootPW = "secret"
)

const generalizedTimeLayout = "20060102150405Z"

// operational attributes are only returned when asked for by name.
var operationalAttrs = map[string]bool{
	"modifytimestamp": true,
	"createtimestamp": true,
}

func init() {
	// The ldapserver library logs unstructured text on its own; keep it
	// out of test output.
	ldapserver.Logger = stdlog.New(io.Discard, "", 0)
}

// Entry seeds one directory entry.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

type storedEntry struct {
	dn    string
	attrs map[string][]string // keys lowercased; original names kept alongside
	names map[string]string   // lowercase -> name as first written
}

// Server is one in-process LDAP server bound to a loopback port.
type Server struct {
	mu      sync.Mutex
	entries []*storedEntry

	addr string
	srv  *ldapserver.Server
}

// New starts a server seeded with the given entries. Each seeded entry
// gets a current modifyTimestamp unless it carries one already. Callers
// must Stop the server when done.
func New(seed ...Entry) (*Server, error) {
	s := &Server{}

	for _, e := range seed {
		s.putEntry(e, false)
	}

	addr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}
	s.addr = addr

	routes := ldapserver.NewRouteMux()
	routes.Bind(s.handleBind)
	routes.Search(s.handleSearch)
	routes.Compare(s.handleCompare)
	routes.Modify(s.handleModify)
	routes.NotFound(s.handleNotFound)

	s.srv = ldapserver.NewServer()
	s.srv.Handle(routes)

	go func() {
		_ = s.srv.ListenAndServe(addr)
	}()

	if err := waitDialable(addr, 5*time.Second); err != nil {
		s.srv.Stop()

		return nil, err
	}

	return s, nil
}

// URI returns the ldap:// URI of the server.
func (s *Server) URI() string {
	return "ldap://" + s.addr
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	s.srv.Stop()
}

// Add inserts or replaces an entry, stamping modifyTimestamp with the
// current time unless the entry carries one.
func (s *Server) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putEntry(e, true)
}

// Remove deletes an entry by DN.
func (s *Server) Remove(dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if strings.EqualFold(e.dn, dn) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)

			return
		}
	}
}

// SetModifyTimestamp pins an entry's modifyTimestamp, letting tests place
// entries in the past or hand them malformed values.
func (s *Server) SetModifyTimestamp(dn, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(dn); e != nil {
		e.set("modifyTimestamp", []string{value})
	}
}

// ClearModifyTimestamp removes an entry's modifyTimestamp entirely.
func (s *Server) ClearModifyTimestamp(dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(dn); e != nil {
		delete(e.attrs, "modifytimestamp")
		delete(e.names, "modifytimestamp")
	}
}

func (s *Server) putEntry(e Entry, replace bool) {
	if existing := s.lookup(e.DN); existing != nil {
		if !replace {
			return
		}
		s.removeLocked(e.DN)
	}

	stored := &storedEntry{
		dn:    e.DN,
		attrs: make(map[string][]string, len(e.Attributes)+1),
		names: make(map[string]string, len(e.Attributes)+1),
	}
	for name, values := range e.Attributes {
		stored.set(name, append([]string(nil), values...))
	}
	if _, ok := stored.attrs["modifytimestamp"]; !ok {
		stored.set("modifyTimestamp", []string{time.Now().UTC().Format(generalizedTimeLayout)})
	}

	s.entries = append(s.entries, stored)
}

func (s *Server) removeLocked(dn string) {
	for i, e := range s.entries {
		if strings.EqualFold(e.dn, dn) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)

			return
		}
	}
}

func (s *Server) lookup(dn string) *storedEntry {
	for _, e := range s.entries {
		if strings.EqualFold(e.dn, dn) {
			return e
		}
	}

	return nil
}

func (e *storedEntry) set(name string, values []string) {
	key := strings.ToLower(name)
	e.attrs[key] = values
	e.names[key] = name
}

func (e *storedEntry) get(name string) []string {
	return e.attrs[strings.ToLower(name)]
}

func freeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("ldaptest: no loopback port available: %w", err)
	}
	addr := l.Addr().String()
	l.Close()

	return addr, nil
}

func waitDialable(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()

			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return fmt.Errorf("ldaptest: server on %s never became reachable", addr)
}

func (s *Server) handleBind(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetBindRequest()
	dn := string(r.Name())
	password := string(r.AuthenticationSimple())

	if dn == "" {
		w.Write(ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess))

		return
	}

	if strings.EqualFold(dn, RootDN) && password == RootPW {
		w.Write(ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess))

		return
	}

	s.mu.Lock()
	entry := s.lookup(dn)
	s.mu.Unlock()

	if entry != nil {
		for _, stored := range entry.get("userPassword") {
			if stored == password && password != "" {
				w.Write(ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess))

				return
			}
		}
	}

	w.Write(ldapserver.NewBindResponse(ldapserver.LDAPResultInvalidCredentials))
}

func (s *Server) handleSearch(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetSearchRequest()
	baseDN := string(r.BaseObject())
	scope := int(r.Scope())

	requested := make([]string, 0, len(r.Attributes()))
	for _, a := range r.Attributes() {
		requested = append(requested, string(a))
	}

	s.mu.Lock()
	results := make([]message.SearchResultEntry, 0)
	for _, entry := range s.entries {
		if !inScope(entry.dn, baseDN, scope) {
			continue
		}
		if !matchFilter(r.Filter(), entry) {
			continue
		}

		result := ldapserver.NewSearchResultEntry(entry.dn)
		for key, values := range entry.attrs {
			if !returnAttr(key, requested) {
				continue
			}
			attrValues := make([]message.AttributeValue, len(values))
			for i, v := range values {
				attrValues[i] = message.AttributeValue(v)
			}
			result.AddAttribute(message.AttributeDescription(entry.names[key]), attrValues...)
		}
		results = append(results, result)
	}
	s.mu.Unlock()

	for _, result := range results {
		w.Write(result)
	}

	w.Write(ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSuccess))
}

func (s *Server) handleCompare(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetCompareRequest()
	dn := string(r.Entry())
	attr := string(r.Ava().AttributeDesc())
	value := string(r.Ava().AssertionValue())

	s.mu.Lock()
	entry := s.lookup(dn)
	s.mu.Unlock()

	if entry == nil {
		w.Write(ldapserver.NewCompareResponse(ldapserver.LDAPResultNoSuchObject))

		return
	}

	for _, v := range entry.get(attr) {
		if strings.EqualFold(v, value) {
			w.Write(ldapserver.NewCompareResponse(ldapserver.LDAPResultCompareTrue))

			return
		}
	}

	w.Write(ldapserver.NewCompareResponse(ldapserver.LDAPResultCompareFalse))
}

func (s *Server) handleModify(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetModifyRequest()
	dn := string(r.Object())

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookup(dn)
	if entry == nil {
		w.Write(ldapserver.NewModifyResponse(ldapserver.LDAPResultNoSuchObject))

		return
	}

	for _, ch := range r.Changes() {
		mod := ch.Modification()
		attr := string(mod.Type_())

		values := make([]string, 0, len(mod.Vals()))
		for _, v := range mod.Vals() {
			values = append(values, string(v))
		}

		switch int(ch.Operation()) {
		case 0: // add
			entry.set(attr, append(entry.get(attr), values...))
		case 1: // delete
			if len(values) == 0 {
				delete(entry.attrs, strings.ToLower(attr))
				delete(entry.names, strings.ToLower(attr))

				break
			}
			kept := make([]string, 0)
			for _, existing := range entry.get(attr) {
				remove := false
				for _, v := range values {
					if existing == v {
						remove = true

						break
					}
				}
				if !remove {
					kept = append(kept, existing)
				}
			}
			if len(kept) == 0 {
				delete(entry.attrs, strings.ToLower(attr))
				delete(entry.names, strings.ToLower(attr))
			} else {
				entry.set(attr, kept)
			}
		case 2: // replace
			if len(values) == 0 {
				delete(entry.attrs, strings.ToLower(attr))
				delete(entry.names, strings.ToLower(attr))
			} else {
				entry.set(attr, values)
			}
		}
	}

	entry.set("modifyTimestamp", []string{time.Now().UTC().Format(generalizedTimeLayout)})

	w.Write(ldapserver.NewModifyResponse(ldapserver.LDAPResultSuccess))
}

func (s *Server) handleNotFound(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	w.Write(ldapserver.NewResponse(ldapserver.LDAPResultUnwillingToPerform))
}

// returnAttr decides whether an attribute is included in a result: all
// user attributes by default (or with "*"), operational attributes only
// when named explicitly.
func returnAttr(key string, requested []string) bool {
	if len(requested) == 0 {
		return !operationalAttrs[key]
	}

	all := false
	for _, want := range requested {
		if want == "*" {
			all = true

			continue
		}
		if strings.EqualFold(want, key) {
			return true
		}
	}

	return all && !operationalAttrs[key]
}

// inScope applies base/one/subtree scoping with case-insensitive DN
// comparison.
func inScope(dn, baseDN string, scope int) bool {
	dnLower := strings.ToLower(dn)
	baseLower := strings.ToLower(baseDN)

	switch scope {
	case 0: // base
		return dnLower == baseLower
	case 1: // one level
		idx := strings.Index(dnLower, ",")

		return idx >= 0 && dnLower[idx+1:] == baseLower
	default: // subtree
		return dnLower == baseLower || strings.HasSuffix(dnLower, ","+baseLower)
	}
}

// matchFilter evaluates a wire-level filter against an entry. It covers
// the operators the suite exercises: equality, presence, and/or/not and
// substring matches, all case-insensitive per the common string syntaxes.
func matchFilter(f any, entry *storedEntry) bool {
	switch filter := f.(type) {
	case message.FilterEqualityMatch:
		for _, v := range entry.get(string(filter.AttributeDesc())) {
			if strings.EqualFold(v, string(filter.AssertionValue())) {
				return true
			}
		}

		return false

	case message.FilterPresent:
		return len(entry.get(string(filter))) > 0

	case message.FilterAnd:
		for _, sub := range filter {
			if !matchFilter(sub, entry) {
				return false
			}
		}

		return true

	case message.FilterOr:
		for _, sub := range filter {
			if matchFilter(sub, entry) {
				return true
			}
		}

		return false

	case message.FilterNot:
		return !matchFilter(filter.Filter, entry)

	case message.FilterSubstrings:
		for _, v := range entry.get(string(filter.Type_())) {
			if matchSubstrings(filter, strings.ToLower(v)) {
				return true
			}
		}

		return false

	default:
		return false
	}
}

func matchSubstrings(filter message.FilterSubstrings, value string) bool {
	rest := value
	for _, sub := range filter.Substrings() {
		switch s := sub.(type) {
		case message.SubstringInitial:
			prefix := strings.ToLower(string(s))
			if !strings.HasPrefix(rest, prefix) {
				return false
			}
			rest = rest[len(prefix):]
		case message.SubstringAny:
			part := strings.ToLower(string(s))
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		case message.SubstringFinal:
			suffix := strings.ToLower(string(s))
			if !strings.HasSuffix(rest, suffix) {
				return false
			}
		}
	}

	return true
}
