// Package opennms maintains OpenNMS users.xml / groups.xml from LDAP
// entries. Entries are staged during the run and flushed in Finish; a
// SQLite staging table remembers which users this helper manages, so
// accounts that disappear from the directory are removed from the XML on
// the next run without touching users OpenNMS owns.
package opennms

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// HelperID registers the writer in the helper registry.
const HelperID = "opennms"

func init() {
	helper.Register(HelperID, func() helper.Helper { return &Writer{} })
}

type writerContext struct {
	usersFile  string
	groupsFile string
	stateDB    string
	group      string
}

type stagedUser struct {
	username string
	fullName string
	email    string
	dn       string
}

// Writer accumulates directory users during a batch and rewrites the
// OpenNMS configuration in Finish.
type Writer struct {
	ctx    *writerContext
	staged []stagedUser
}

// Attributes declares the identity attributes mapped into OpenNMS users.
func (w *Writer) Attributes() []string {
	return []string{"uid", "cn", "mail"}
}

// ParseOptions requires usersfile, groupsfile and statedb; opennmsgroup
// selects the group whose membership mirrors the directory (default
// "Users").
func (w *Writer) ParseOptions(options map[string]string) (helper.Context, error) {
	ctx := &writerContext{group: "Users"}

	for key, value := range options {
		switch key {
		case "usersfile":
			ctx.usersFile = value
		case "groupsfile":
			ctx.groupsFile = value
		case "statedb":
			ctx.stateDB = value
		case "opennmsgroup":
			ctx.group = value
		default:
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized by the opennms helper"}
		}
	}

	if ctx.usersFile == "" {
		return nil, &helper.MissingOptionError{Option: "usersfile"}
	}
	if ctx.groupsFile == "" {
		return nil, &helper.MissingOptionError{Option: "groupsfile"}
	}
	if ctx.stateDB == "" {
		return nil, &helper.MissingOptionError{Option: "statedb"}
	}

	return ctx, nil
}

// Work stages the entry for the batch flush. Every entry is staged, not
// just modified ones: Finish needs the complete membership picture to
// detect users that left the directory.
func (w *Writer) Work(rawCtx helper.Context, entry *ldapclient.Entry, modified bool) error {
	ctx, ok := rawCtx.(*writerContext)
	if !ok {
		return fmt.Errorf("opennms: context of unexpected type %T", rawCtx)
	}
	w.ctx = ctx

	username := entry.AttrValue("uid")
	if username == "" {
		return helper.Errorf("required attribute uid not found for dn %s", entry.DN)
	}

	w.staged = append(w.staged, stagedUser{
		username: username,
		fullName: entry.AttrValue("cn"),
		email:    entry.AttrValue("mail"),
		dn:       entry.DN,
	})

	return nil
}

// Finish reconciles the staged users against the XML files and the staging
// table: directory users are created or updated, users previously managed
// but no longer present are deleted, and the configured group's membership
// is rewritten to the directory view while members OpenNMS owns stay put.
func (w *Writer) Finish() error {
	if w.ctx == nil {
		// Empty batch: nothing searched, nothing staged.
		return nil
	}

	db, err := openStateDB(w.ctx.stateDB)
	if err != nil {
		return err
	}
	defer db.Close()

	managed, err := managedUsers(db)
	if err != nil {
		return err
	}

	users, err := loadUsersDoc(w.ctx.usersFile)
	if err != nil {
		return err
	}
	groups, err := loadGroupsDoc(w.ctx.groupsFile)
	if err != nil {
		return err
	}

	staged := make(map[string]stagedUser, len(w.staged))
	for _, u := range w.staged {
		staged[u.username] = u
	}

	// Create or update every staged user.
	for _, u := range w.staged {
		if existing := findUser(users, u.username); existing != nil {
			existing.FullName = u.fullName
			setContact(existing, "email", u.email)
		} else {
			users.Users.Users = append(users.Users.Users, newUser(u.username, u.fullName, u.email))
		}
	}

	// Drop users we managed before that the directory no longer returns.
	for username := range managed {
		if _, present := staged[username]; present {
			continue
		}
		log.Info().Str("user", username).Msg("removing OpenNMS user gone from the directory")
		removeUser(users, username)
	}

	// Rewrite the managed group: keep members we never managed, then
	// append the directory view.
	group := findGroup(groups, w.ctx.group)
	if group == nil {
		groups.Groups.Groups = append(groups.Groups.Groups, xmlGroup{
			Name:     w.ctx.group,
			Comments: "Managed by the LDAP directory",
		})
		group = &groups.Groups.Groups[len(groups.Groups.Groups)-1]
	}

	var members []string
	for _, member := range group.Users {
		if _, wasManaged := managed[member]; !wasManaged {
			if _, isStaged := staged[member]; !isStaged {
				members = append(members, member)
			}
		}
	}
	for _, u := range w.staged {
		members = append(members, u.username)
	}
	group.Users = members

	if err := writeDoc(w.ctx.usersFile, users); err != nil {
		return err
	}
	if err := writeDoc(w.ctx.groupsFile, groups); err != nil {
		return err
	}

	if err := storeManaged(db, w.staged); err != nil {
		return err
	}

	log.Info().Int("users", len(w.staged)).Str("group", w.ctx.group).Msg("OpenNMS configuration rewritten")

	return nil
}

func findUser(doc *usersDoc, username string) *xmlUser {
	for i := range doc.Users.Users {
		if doc.Users.Users[i].UserID == username {
			return &doc.Users.Users[i]
		}
	}

	return nil
}

func removeUser(doc *usersDoc, username string) {
	users := doc.Users.Users[:0]
	for _, u := range doc.Users.Users {
		if u.UserID != username {
			users = append(users, u)
		}
	}
	doc.Users.Users = users
}

func setContact(user *xmlUser, contactType, info string) {
	for i := range user.Contacts {
		if user.Contacts[i].Type == contactType {
			user.Contacts[i].Info = info

			return
		}
	}

	user.Contacts = append(user.Contacts, contact{Type: contactType, Info: info})
}

func findGroup(doc *groupsDoc, name string) *xmlGroup {
	for i := range doc.Groups.Groups {
		if doc.Groups.Groups[i].Name == name {
			return &doc.Groups.Groups[i]
		}
	}

	return nil
}

func openStateDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, helper.Errorf("failed to open staging database %s: %v", path, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS opennms_users (
		username TEXT PRIMARY KEY,
		dn TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, helper.Errorf("failed to prepare staging database %s: %v", path, err)
	}

	return db, nil
}

func managedUsers(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT username, dn FROM opennms_users`)
	if err != nil {
		return nil, helper.Errorf("failed to read staging database: %v", err)
	}
	defer rows.Close()

	managed := make(map[string]string)
	for rows.Next() {
		var username, dn string
		if err := rows.Scan(&username, &dn); err != nil {
			return nil, helper.Errorf("failed to read staging database: %v", err)
		}
		managed[username] = dn
	}
	if err := rows.Err(); err != nil {
		return nil, helper.Errorf("failed to read staging database: %v", err)
	}

	return managed, nil
}

func storeManaged(db *sql.DB, staged []stagedUser) error {
	tx, err := db.Begin()
	if err != nil {
		return helper.Errorf("failed to update staging database: %v", err)
	}

	if _, err := tx.Exec(`DELETE FROM opennms_users`); err != nil {
		tx.Rollback()

		return helper.Errorf("failed to update staging database: %v", err)
	}

	now := time.Now().Unix()
	for _, u := range staged {
		if _, err := tx.Exec(
			`INSERT INTO opennms_users (username, dn, last_seen) VALUES (?, ?, ?)`,
			u.username, u.dn, now,
		); err != nil {
			tx.Rollback()

			return helper.Errorf("failed to update staging database: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return helper.Errorf("failed to update staging database: %v", err)
	}

	return nil
}
