package ldapclient

import ldapv3 "github.com/go-ldap/ldap/v3"

// changeOp tags one change in a modification list.
type changeOp int

const (
	opAdd changeOp = iota
	opReplace
	opDelete
)

type change struct {
	op     changeOp
	attr   string
	values []string
}

// Modification describes an ordered list of changes against one DN. It is
// built by a helper or a test, handed to Client.Modify once, and discarded.
// Change order is preserved on submit.
type Modification struct {
	DN      string
	changes []change
}

// NewModification returns an empty modification targeting dn.
func NewModification(dn string) *Modification {
	return &Modification{DN: dn}
}

// Add appends an add-values change for the attribute.
func (m *Modification) Add(attribute string, values ...string) *Modification {
	m.changes = append(m.changes, change{op: opAdd, attr: attribute, values: values})

	return m
}

// Replace appends a replace-values change for the attribute.
func (m *Modification) Replace(attribute string, values ...string) *Modification {
	m.changes = append(m.changes, change{op: opReplace, attr: attribute, values: values})

	return m
}

// Delete appends a delete change for the attribute. With no values, every
// value of the attribute is removed.
func (m *Modification) Delete(attribute string, values ...string) *Modification {
	m.changes = append(m.changes, change{op: opDelete, attr: attribute, values: values})

	return m
}

// Len returns the number of queued changes.
func (m *Modification) Len() int {
	return len(m.changes)
}

// request lowers the modification into a wire-level modify request,
// preserving change order.
func (m *Modification) request() *ldapv3.ModifyRequest {
	req := ldapv3.NewModifyRequest(m.DN, nil)
	for _, ch := range m.changes {
		switch ch.op {
		case opAdd:
			req.Add(ch.attr, ch.values)
		case opReplace:
			req.Replace(ch.attr, ch.values)
		case opDelete:
			req.Delete(ch.attr, ch.values)
		}
	}

	return req
}
