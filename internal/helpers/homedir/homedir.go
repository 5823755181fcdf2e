// Package homedir creates home directories for matching LDAP entries,
// with optional skeleton population and a post-create hook.
package homedir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/helpers/homeutils"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// HelperID registers the writer in the helper registry.
const HelperID = "home-directory"

func init() {
	helper.Register(HelperID, func() helper.Helper { return &Writer{} })
}

type writerContext struct {
	home       string
	minUID     int
	minGID     int
	skelDir    string
	postCreate string
}

// Writer creates home directories from LDAP entries.
type Writer struct{}

// Attributes declares the home directory triple.
func (w *Writer) Attributes() []string {
	return homeutils.RequiredAttributes()
}

// ParseOptions accepts home, minuid, mingid, skeldir and postcreate.
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
		default:
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized by the home-directory helper"}
		}
	}

	return ctx, nil
}

// Work ensures the entry's home directory exists. Existing directories are
// untouched, so unmodified ticks are naturally idempotent.
func (w *Writer) Work(rawCtx helper.Context, entry *ldapclient.Entry, modified bool) error {
	if !modified {
		return nil
	}

	ctx, ok := rawCtx.(*writerContext)
	if !ok {
		return fmt.Errorf("homedir: context of unexpected type %T", rawCtx)
	}

	info, err := homeutils.EntryHome(entry, ctx.home, ctx.minUID, ctx.minGID)
	if err != nil {
		return err
	}

	if fi, err := os.Stat(info.Home); err == nil && fi.IsDir() {
		return nil
	}

	log.Info().Str("home", info.Home).Str("dn", entry.DN).Msg("creating home directory")

	return homeutils.MakeHomeDir(info.Home, info.UID, info.GID, ctx.skelDir, ctx.postCreate)
}

// Finish is a no-op; directories are created as entries are dispatched.
func (w *Writer) Finish() error {
	return nil
}
