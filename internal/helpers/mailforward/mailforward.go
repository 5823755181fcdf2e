// Package mailforward distributes the mailForwardingAddress attribute into
// per-user ~/.forward files.
package mailforward

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/helpers/homeutils"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// HelperID registers the writer in the helper registry.
const HelperID = "mail-forward"

func init() {
	helper.Register(HelperID, func() helper.Helper { return &Writer{} })
}

type writerContext struct {
	home       string
	minUID     int
	minGID     int
	skelDir    string
	postCreate string
	makeHome   bool
}

// Writer materializes .forward files from LDAP entries.
type Writer struct{}

// Attributes declares mailForwardingAddress plus the home directory triple.
func (w *Writer) Attributes() []string {
	return append([]string{"mailForwardingAddress"}, homeutils.RequiredAttributes()...)
}

// ParseOptions accepts home, minuid, mingid, skeldir, postcreate and
// makehome.
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
		case "makehome":
			b, err := helper.ParseBoolOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.makeHome = b
		default:
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized by the mail-forward helper"}
		}
	}

	return ctx, nil
}

// Work writes the entry's forwarding addresses to ~/.forward, one per
// line. Unmodified entries and files newer than the directory record are
// left alone.
func (w *Writer) Work(rawCtx helper.Context, entry *ldapclient.Entry, modified bool) error {
	if !modified {
		return nil
	}

	ctx, ok := rawCtx.(*writerContext)
	if !ok {
		return fmt.Errorf("mailforward: context of unexpected type %T", rawCtx)
	}

	addresses := entry.AttrValues("mailForwardingAddress")
	if len(addresses) == 0 {
		return helper.Errorf("required attribute mailForwardingAddress not found for dn %s", entry.DN)
	}

	info, err := homeutils.EntryHome(entry, ctx.home, ctx.minUID, ctx.minGID)
	if err != nil {
		return err
	}

	if fi, err := os.Stat(info.Home); err != nil || !fi.IsDir() {
		if !ctx.makeHome {
			log.Warn().Str("home", info.Home).Str("dn", entry.DN).
				Msg(".forward not written because the home directory does not exist; set makehome to true or use the home-directory helper")

			return nil
		}
		if err := homeutils.MakeHomeDir(info.Home, info.UID, info.GID, ctx.skelDir, ctx.postCreate); err != nil {
			return err
		}
	}

	forwardFile := filepath.Join(info.Home, ".forward")

	if modTime, err := entry.ModTime(); err == nil {
		if fi, err := os.Stat(forwardFile); err == nil && modTime.Before(fi.ModTime()) {
			log.Debug().Str("path", forwardFile).Msg("skipping, up-to-date")

			return nil
		}
	}

	var buf bytes.Buffer
	for _, address := range addresses {
		fmt.Fprintf(&buf, "%s\n", address)
	}

	log.Info().Str("path", forwardFile).Str("dn", entry.DN).Msg("writing mail forwarding addresses")

	return homeutils.WriteOwnedFile(forwardFile, buf.Bytes(), 0o600, info.UID, info.GID)
}

// Finish is a no-op; every entry is written as it is dispatched.
func (w *Writer) Finish() error {
	return nil
}
