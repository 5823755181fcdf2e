// Package purge archives and removes the home directories of accounts
// that have been deactivated in the directory. An entry is acted on when
// its accountStatus is no longer active; the actual removal waits for the
// pendingPurge date to pass, so an account can be reactivated while its
// archive still exists.
package purge

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// HelperID registers the writer in the helper registry.
const HelperID = "purge-user"

// pendingPurge carries LDAP generalized UTC time, like modifyTimestamp.
const pendingPurgeLayout = "20060102150405Z"

func init() {
	helper.Register(HelperID, func() helper.Helper { return &Writer{} })
}

type writerContext struct {
	archiveHomeDir   bool
	purgeHomeDir     bool
	purgeHomeArchive bool
	archiveDest      string
}

// Writer archives and purges home directories of deactivated accounts.
type Writer struct{}

// Attributes declares the account state attributes plus the home triple.
// Entries may lack most of these; they are only needed once archiving or
// purging actually happens.
func (w *Writer) Attributes() []string {
	return []string{"accountStatus", "pendingPurge", "homeDirectory", "uidNumber", "gidNumber"}
}

// ParseOptions accepts archivehomedir, purgehomedir, purgehomearchive and
// archivedest.
func (w *Writer) ParseOptions(options map[string]string) (helper.Context, error) {
	ctx := &writerContext{
		archiveHomeDir:   true,
		purgeHomeDir:     true,
		purgeHomeArchive: true,
		archiveDest:      "/home",
	}

	for key, value := range options {
		switch key {
		case "archivehomedir":
			b, err := helper.ParseBoolOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.archiveHomeDir = b
		case "purgehomedir":
			b, err := helper.ParseBoolOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.purgeHomeDir = b
		case "purgehomearchive":
			b, err := helper.ParseBoolOption(key, value)
			if err != nil {
				return nil, err
			}
			ctx.purgeHomeArchive = b
		case "archivedest":
			abs, err := filepath.Abs(value)
			if err != nil {
				return nil, &helper.InvalidOptionError{Option: key, Reason: err.Error()}
			}
			ctx.archiveDest = abs
		default:
			return nil, &helper.InvalidOptionError{Option: key, Reason: "not recognized by the purge-user helper"}
		}
	}

	if ctx.purgeHomeArchive && !ctx.archiveHomeDir {
		return nil, &helper.InvalidOptionError{
			Option: "purgehomearchive",
			Reason: "cannot purge home directory archives that are never created; set archivehomedir to true",
		}
	}
	if ctx.archiveHomeDir {
		if fi, err := os.Stat(ctx.archiveDest); err != nil || !fi.IsDir() {
			return nil, &helper.InvalidOptionError{
				Option: "archivedest",
				Reason: fmt.Sprintf("archive destination directory %s does not exist or is not a directory", ctx.archiveDest),
			}
		}
	}

	return ctx, nil
}

// Work inspects the entry's account state. Inactive accounts get their
// home directory archived; once the pendingPurge date has passed the home
// directory, and optionally its archive, are removed.
func (w *Writer) Work(rawCtx helper.Context, entry *ldapclient.Entry, modified bool) error {
	if !modified {
		return nil
	}

	ctx, ok := rawCtx.(*writerContext)
	if !ok {
		return fmt.Errorf("purge: context of unexpected type %T", rawCtx)
	}

	if !entry.HasAttr("accountStatus") {
		return helper.Errorf("required attribute accountStatus not specified for dn %s", entry.DN)
	}
	if strings.EqualFold(entry.AttrValue("accountStatus"), "active") {
		return nil
	}

	home := entry.AttrValue("homeDirectory")

	purgeDue := false
	if raw := entry.AttrValue("pendingPurge"); raw != "" {
		due, err := time.Parse(pendingPurgeLayout, raw)
		if err != nil {
			return helper.Errorf("entry %s carries a malformed pendingPurge value %q", entry.DN, raw)
		}
		purgeDue = !time.Now().UTC().Before(due)
	}

	if ctx.archiveHomeDir && home != "" {
		if fi, err := os.Stat(home); err == nil && fi.IsDir() {
			if err := w.archiveHome(ctx, home, entry.DN); err != nil {
				return err
			}
		}
	}

	if !purgeDue {
		return nil
	}

	if ctx.purgeHomeDir && home != "" {
		log.Info().Str("home", home).Str("dn", entry.DN).Msg("purging home directory")
		if err := os.RemoveAll(home); err != nil {
			return helper.Errorf("failed to purge home directory %s: %v", home, err)
		}
	}

	if ctx.purgeHomeArchive && home != "" {
		archive := w.archivePath(ctx, home)
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			return helper.Errorf("failed to purge home archive %s: %v", archive, err)
		}
	}

	return nil
}

// Finish is a no-op; entries are acted on as they are dispatched.
func (w *Writer) Finish() error {
	return nil
}

func (w *Writer) archivePath(ctx *writerContext, home string) string {
	return filepath.Join(ctx.archiveDest, filepath.Base(home)+".tar.gz")
}

// archiveHome writes a gzipped tarball of home into the archive
// destination, replacing any previous archive for the same account.
func (w *Writer) archiveHome(ctx *writerContext, home, dn string) error {
	dest := w.archivePath(ctx, home)

	log.Info().Str("home", home).Str("archive", dest).Str("dn", dn).Msg("archiving home directory")

	tmp, err := os.CreateTemp(ctx.archiveDest, filepath.Base(dest)+".tmp*")
	if err != nil {
		return helper.Errorf("failed to create archive in %s: %v", ctx.archiveDest, err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)

		return helper.Errorf("failed to archive %s: %v", home, err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(home, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(home, path)
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(filepath.Base(home), rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
	if walkErr != nil {
		return fail(walkErr)
	}

	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fail(err)
	}

	return nil
}
