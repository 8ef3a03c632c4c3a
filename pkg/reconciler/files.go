package reconciler

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/ladlehq/ladle/pkg/cookbook"
)

// writeFileAtomic writes the canonical content to spec.Path through a temp
// file in the destination directory followed by a rename, so a reader never
// observes a partially written file.
func writeFileAtomic(spec cookbook.FileSpec) error {
	dir := filepath.Dir(spec.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", spec.Path, err)
	}

	tmp, err := os.CreateTemp(dir, ".ladle-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", spec.Path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(cookbook.CanonicalContent(spec.Content)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file for %s: %w", spec.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush temp file for %s: %w", spec.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", spec.Path, err)
	}

	if err := os.Rename(tmpPath, spec.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", spec.Path, err)
	}
	return nil
}

// fileMetadataMatches reports whether the live file's mode, owner and group
// match the spec. A missing file never matches. Metadata dimensions the spec
// leaves empty always pass.
func fileMetadataMatches(spec cookbook.FileSpec) bool {
	info, err := os.Stat(spec.Path)
	if err != nil {
		return false
	}

	if spec.Mode != "" {
		want, err := strconv.ParseUint(spec.Mode, 8, 32)
		if err != nil || info.Mode().Perm() != os.FileMode(want).Perm() {
			return false
		}
	}

	if spec.Owner == "" && spec.Group == "" {
		return true
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}

	if spec.Owner != "" {
		u, err := user.LookupId(strconv.FormatUint(uint64(stat.Uid), 10))
		if err != nil || u.Username != spec.Owner {
			return false
		}
	}
	if spec.Group != "" {
		g, err := user.LookupGroupId(strconv.FormatUint(uint64(stat.Gid), 10))
		if err != nil || g.Name != spec.Group {
			return false
		}
	}

	return true
}

// enforceFileMetadata applies the spec's mode, owner and group to the live
// file. It runs on every file apply as a separate step, so metadata drift is
// corrected even when content was already up to date.
func enforceFileMetadata(spec cookbook.FileSpec) error {
	if spec.Mode != "" {
		mode, err := strconv.ParseUint(spec.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q for %s: %w", spec.Mode, spec.Path, err)
		}
		if err := os.Chmod(spec.Path, os.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to set mode on %s: %w", spec.Path, err)
		}
	}

	if spec.Owner == "" && spec.Group == "" {
		return nil
	}

	uid, gid := -1, -1
	if spec.Owner != "" {
		u, err := user.Lookup(spec.Owner)
		if err != nil {
			return fmt.Errorf("unknown owner %q for %s: %w", spec.Owner, spec.Path, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if spec.Group != "" {
		g, err := user.LookupGroup(spec.Group)
		if err != nil {
			return fmt.Errorf("unknown group %q for %s: %w", spec.Group, spec.Path, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if err := os.Chown(spec.Path, uid, gid); err != nil {
		return fmt.Errorf("failed to set ownership on %s: %w", spec.Path, err)
	}
	return nil
}
