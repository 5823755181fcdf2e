package opennms

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/ldaptools/ldap-distd/internal/helper"
)

// OpenNMS configuration namespaces.
const (
	usersNamespace  = "http://xmlns.opennms.org/xsd/users"
	groupsNamespace = "http://xmlns.opennms.org/xsd/groups"
)

// rawHeader round-trips the header block untouched; its revision and
// creation fields belong to OpenNMS, not to us.
type rawHeader struct {
	InnerXML string `xml:",innerxml"`
}

type contact struct {
	Type            string `xml:"type,attr"`
	Info            string `xml:"info,attr"`
	ServiceProvider string `xml:"serviceProvider,attr,omitempty"`
}

type xmlUser struct {
	UserID   string    `xml:"user-id"`
	FullName string    `xml:"full-name"`
	Comments string    `xml:"user-comments"`
	Password string    `xml:"password"`
	Contacts []contact `xml:"contact"`
}

type usersDoc struct {
	XMLName xml.Name   `xml:"userinfo"`
	Xmlns   string     `xml:"xmlns,attr"`
	Header  *rawHeader `xml:"header,omitempty"`
	Users   struct {
		Users []xmlUser `xml:"user"`
	} `xml:"users"`
}

type xmlGroup struct {
	Name     string   `xml:"name"`
	Comments string   `xml:"comments"`
	Users    []string `xml:"user"`
}

type groupsDoc struct {
	XMLName xml.Name   `xml:"groupinfo"`
	Xmlns   string     `xml:"xmlns,attr"`
	Header  *rawHeader `xml:"header,omitempty"`
	Groups  struct {
		Groups []xmlGroup `xml:"group"`
	} `xml:"groups"`
}

func loadUsersDoc(path string) (*usersDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, helper.Errorf("failed to read OpenNMS users file %s: %v", path, err)
	}

	var doc usersDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, helper.Errorf("failed to parse OpenNMS users file %s: %v", path, err)
	}
	doc.Xmlns = usersNamespace

	return &doc, nil
}

func loadGroupsDoc(path string) (*groupsDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, helper.Errorf("failed to read OpenNMS groups file %s: %v", path, err)
	}

	var doc groupsDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, helper.Errorf("failed to parse OpenNMS groups file %s: %v", path, err)
	}
	doc.Xmlns = groupsNamespace

	return &doc, nil
}

// writeDoc atomically replaces path with the marshalled document.
func writeDoc(path string, doc any) error {
	data, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return helper.Errorf("failed to serialize %s: %v", path, err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return helper.Errorf("failed to create temporary file in %s: %v", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return helper.Errorf("failed to write %s: %v", tmpName, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return helper.Errorf("failed to set mode on %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return helper.Errorf("failed to close %s: %v", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return helper.Errorf("failed to move %s into place: %v", tmpName, err)
	}

	return nil
}

// newUser builds a user record with the blank contact set OpenNMS expects
// on every user.
func newUser(username, fullName, email string) xmlUser {
	return xmlUser{
		UserID:   username,
		FullName: fullName,
		Comments: "Managed by the LDAP directory",
		Password: "XXX",
		Contacts: []contact{
			{Type: "email", Info: email},
			{Type: "pagerEmail", Info: ""},
			{Type: "xmppAddress", Info: ""},
			{Type: "numericPage", Info: "", ServiceProvider: ""},
			{Type: "textPage", Info: "", ServiceProvider: ""},
		},
	}
}
