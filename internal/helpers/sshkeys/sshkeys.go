// Package sshkeys distributes the sshPublicKey attribute into per-user
// ~/.ssh/authorized_keys files.
package sshkeys

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/helpers/homeutils"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// HelperID registers the writer in the helper registry.
const HelperID = "ssh-keys"

func init() {
	helper.Register(HelperID, func() helper.Helper { return &Writer{} })
}

type writerContext struct {
	home       string
	minUID     int
	minGID     int
	skelDir    string
	postCreate string
	command    string
	makeHome   bool
}

// Writer materializes authorized_keys files from LDAP entries.
type Writer struct{}

// Attributes declares sshPublicKey plus the home directory triple.
func (w *Writer) Attributes() []string {
	return append([]string{"sshPublicKey"}, homeutils.RequiredAttributes()...)
}

// ParseOptions accepts home, minuid, mingid, skeldir, postcreate, makehome
// and command.
func (w *Writer) ParseOptions(options map[string]string) (helper.Context, error) {
	ctx := &writerContext{minUID: homeutils.UnsetID, minGID: homeutils.UnsetID}

	for key, value := range options {
		switch key {
		case "home":
			if !filepath.IsAbs(value) {
				return nil, &helper.InvalidOptionError{Option: key, Reason: "relative paths are not permitted"}
			}
			ctx.home = value
		case "minuid":
			id, err := homeutils.ParseIDOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.minUID = id
		case "mingid":
			id, err := homeutils.ParseIDOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.minGID = id
		case "skeldir":
			abs, err := filepath.Abs(value)
			if err != nil {
				return nil, &helper.InvalidOptionError{Option: key, Reason: err.Error()}
			}
			if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
				return nil, &helper.InvalidOptionError{Option: key, Reason: fmt.Sprintf("skeletal home directory %s does not exist or is not a directory", abs)}
			}
			ctx.skelDir = abs
		case "postcreate":
			abs, err := filepath.Abs(value)
			if err != nil {
				return nil, &helper.InvalidOptionError{Option: key, Reason: err.Error()}
			}
			ctx.postCreate = abs
		case "command":
			ctx.command = value
		case "makehome":
			b, err := helper.ParseBoolOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.makeHome = b
		default:
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized by the ssh-keys helper"}
		}
	}

	return ctx, nil
}

// Work writes the entry's public keys to ~/.ssh/authorized_keys. The write
// is skipped for unmodified entries, and for entries whose key file is
// already newer than the directory record (this happens on the first pass
// after a restart, where everything is reported modified).
func (w *Writer) Work(rawCtx helper.Context, entry *ldapclient.Entry, modified bool) error {
	if !modified {
		return nil
	}

	ctx, ok := rawCtx.(*writerContext)
	if !ok {
		return fmt.Errorf("sshkeys: context of unexpected type %T", rawCtx)
	}

	keys := entry.AttrValues("sshPublicKey")
	if len(keys) == 0 {
		return helper.Errorf("required attribute sshPublicKey not found for dn %s", entry.DN)
	}

	info, err := homeutils.EntryHome(entry, ctx.home, ctx.minUID, ctx.minGID)
	if err != nil {
		return err
	}

	if fi, err := os.Stat(info.Home); err != nil || !fi.IsDir() {
		if !ctx.makeHome {
			log.Warn().Str("home", info.Home).Str("dn", entry.DN).
				Msg("SSH keys not written because the home directory does not exist; set makehome to true or use the home-directory helper")

			return nil
		}
		if err := homeutils.MakeHomeDir(info.Home, info.UID, info.GID, ctx.skelDir, ctx.postCreate); err != nil {
			return err
		}
	}

	sshDir := filepath.Join(info.Home, ".ssh")
	keyFile := filepath.Join(sshDir, "authorized_keys")

	// On the first pass every entry reports modified; an existing key file
	// newer than the entry is already current.
	if modTime, err := entry.ModTime(); err == nil {
		if fi, err := os.Stat(keyFile); err == nil && modTime.Before(fi.ModTime()) {
			log.Debug().Str("path", keyFile).Msg("skipping, up-to-date")

			return nil
		}
	}

	var buf bytes.Buffer
	for _, key := range keys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return helper.Errorf("entry %s carries an unparseable sshPublicKey value: %v", entry.DN, err)
		}
		if ctx.command != "" {
			fmt.Fprintf(&buf, "command=%q %s\n", ctx.command, key)
		} else {
			fmt.Fprintf(&buf, "%s\n", key)
		}
	}

	if _, err := os.Stat(sshDir); err != nil {
		if err := os.Mkdir(sshDir, 0o700); err != nil {
			return helper.Errorf("failed to create %s: %v", sshDir, err)
		}
		if err := os.Chown(sshDir, info.UID, info.GID); err != nil {
			return helper.Errorf("failed to change ownership of %s: %v", sshDir, err)
		}
	}

	log.Info().Str("path", keyFile).Str("dn", entry.DN).Msg("writing SSH keys")

	return homeutils.WriteOwnedFile(keyFile, buf.Bytes(), 0o600, info.UID, info.GID)
}

// Finish is a no-op; every entry is written as it is dispatched.
func (w *Writer) Finish() error {
	return nil
}
