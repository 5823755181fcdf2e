// Package homeutils holds the home-directory plumbing shared by the file
// writing helpers: attribute extraction with path/uid/gid validation, home
// creation with skeleton copying and post-create hooks, and owned atomic
// file writes. It is a utility namespace, not a base type; helpers compose
// these functions instead of inheriting behavior.
package homeutils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// UnsetID marks a minuid/mingid constraint that was not configured.
const UnsetID = -1

// RequiredAttributes returns the LDAP attributes every home-directory
// related helper needs.
func RequiredAttributes() []string {
	return []string{"homeDirectory", "gidNumber", "uidNumber"}
}

// HomeInfo is the validated home directory triple of one entry.
type HomeInfo struct {
	Home string
	UID  int
	GID  int
}

// EntryHome extracts and validates homeDirectory, uidNumber and gidNumber
// from an entry. homePath, when non-empty, is a path prefix the home must
// live under; minUID/minGID, when not UnsetID, are lower bounds. All
// failures are recoverable helper errors.
func EntryHome(entry *ldapclient.Entry, homePath string, minUID, minGID int) (HomeInfo, error) {
	if !entry.HasAttr("homeDirectory") || !entry.HasAttr("uidNumber") || !entry.HasAttr("gidNumber") {
		return HomeInfo{}, helper.Errorf("required attributes homeDirectory, uidNumber, and gidNumber not all specified for dn %s", entry.DN)
	}

	home := entry.AttrValue("homeDirectory")

	uid, err := strconv.Atoi(entry.AttrValue("uidNumber"))
	if err != nil {
		return HomeInfo{}, helper.Errorf("uidNumber %q is not numeric for dn %s", entry.AttrValue("uidNumber"), entry.DN)
	}

	gid, err := strconv.Atoi(entry.AttrValue("gidNumber"))
	if err != nil {
		return HomeInfo{}, helper.Errorf("gidNumber %q is not numeric for dn %s", entry.AttrValue("gidNumber"), entry.DN)
	}

	if homePath != "" && !underPath(home, homePath) {
		return HomeInfo{}, helper.Errorf("directory server returned home directory %s located outside of %s for dn %s", home, homePath, entry.DN)
	}

	if minUID != UnsetID && uid < minUID {
		return HomeInfo{}, helper.Errorf("directory server returned uid %d less than minimum uid %d for dn %s", uid, minUID, entry.DN)
	}

	if minGID != UnsetID && gid < minGID {
		return HomeInfo{}, helper.Errorf("directory server returned gid %d less than minimum gid %d for dn %s", gid, minGID, entry.DN)
	}

	return HomeInfo{Home: home, UID: uid, GID: gid}, nil
}

// underPath reports whether path sits at or below prefix, comparing whole
// path elements so /home2 does not pass as inside /home.
func underPath(path, prefix string) bool {
	pathParts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	prefixParts := strings.Split(filepath.Clean(prefix), string(filepath.Separator))

	if len(pathParts) < len(prefixParts) {
		return false
	}
	for i := range prefixParts {
		if pathParts[i] != prefixParts[i] {
			return false
		}
	}

	return true
}

// MakeHomeDir creates home owned by uid:gid unless it already exists. A
// non-empty skelDir is copied in (entries named dot.foo become .foo); a
// non-empty postCreate command is run afterwards with uid, gid and the
// home path as arguments.
func MakeHomeDir(home string, uid, gid int, skelDir, postCreate string) error {
	if fi, err := os.Stat(home); err == nil {
		if fi.IsDir() {
			return nil
		}

		return helper.Errorf("home path %s exists and is not a directory", home)
	}

	if err := os.MkdirAll(home, 0o755); err != nil {
		return helper.Errorf("failed to create home directory: %v", err)
	}
	if err := os.Chown(home, uid, gid); err != nil {
		return helper.Errorf("failed to change ownership of %s to %d:%d: %v", home, uid, gid, err)
	}

	if skelDir != "" {
		if err := copySkelDir(skelDir, home, uid, gid); err != nil {
			return err
		}
	}

	if postCreate != "" {
		cmd := exec.Command(postCreate, strconv.Itoa(uid), strconv.Itoa(gid), home)
		if out, err := cmd.CombinedOutput(); err != nil {
			return helper.Errorf("post-creation script %s %d %d %s exited abnormally: %v: %s", postCreate, uid, gid, home, err, strings.TrimSpace(string(out)))
		}
	}

	return nil
}

// copySkelDir recursively copies a skeleton tree, renaming dot.foo entries
// to .foo and handing ownership of everything it creates to uid:gid.
func copySkelDir(srcDir, destDir string, uid, gid int) error {
	items, err := os.ReadDir(srcDir)
	if err != nil {
		return helper.Errorf("failed to read skeleton directory %s: %v", srcDir, err)
	}

	for _, item := range items {
		destName := item.Name()
		if strings.HasPrefix(destName, "dot.") {
			destName = "." + strings.TrimPrefix(destName, "dot.")
		}

		srcPath := filepath.Join(srcDir, item.Name())
		destPath := filepath.Join(destDir, destName)

		if item.IsDir() {
			info, err := item.Info()
			if err != nil {
				return helper.Errorf("failed to stat %s: %v", srcPath, err)
			}
			if err := os.Mkdir(destPath, info.Mode().Perm()); err != nil {
				return helper.Errorf("failed to create destination directory %s: %v", destPath, err)
			}
			if err := copySkelDir(srcPath, destPath, uid, gid); err != nil {
				return err
			}
		} else {
			if err := copyFile(srcPath, destPath); err != nil {
				return err
			}
		}

		if err := os.Chown(destPath, uid, gid); err != nil {
			return helper.Errorf("failed to change ownership of %s to %d:%d: %v", destPath, uid, gid, err)
		}
	}

	return nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return helper.Errorf("failed to read %s: %v", src, err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return helper.Errorf("failed to stat %s: %v", src, err)
	}

	if err := os.WriteFile(dest, data, info.Mode().Perm()); err != nil {
		return helper.Errorf("failed to copy %s to %s: %v", src, dest, err)
	}

	return nil
}

// WriteOwnedFile atomically replaces path with content: the data lands in
// a temporary file in the same directory, gets its mode and uid:gid set,
// and is renamed into place.
func WriteOwnedFile(path string, content []byte, mode os.FileMode, uid, gid int) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return helper.Errorf("failed to create temporary file in %s: %v", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("path", tmpName).Msg("temporary file not removed")
		}
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()

		return helper.Errorf("failed to write %s: %v", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()

		return helper.Errorf("failed to set mode on %s: %v", tmpName, err)
	}
	if err := tmp.Chown(uid, gid); err != nil {
		cleanup()

		return helper.Errorf("failed to change ownership of %s to %d:%d: %v", tmpName, uid, gid, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()

		return helper.Errorf("failed to close %s: %v", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()

		return helper.Errorf("failed to move %s into place: %v", tmpName, err)
	}

	return nil
}

// ParseIDOption converts a numeric option value, reporting a helpful
// invalid-option error on junk input.
func ParseIDOption(option, value string) (int, error) {
	id, err := strconv.Atoi(value)
	if err != nil {
		return 0, &helper.InvalidOptionError{Option: option, Reason: fmt.Sprintf("%q is not numeric", value)}
	}

	return id, nil
}
