package cookbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// CanonicalContent normalizes file content so that semantically identical
// input always produces the same fingerprint: line endings become LF,
// trailing whitespace is stripped per line, and the content ends with
// exactly one newline.
func CanonicalContent(content string) string {
	if content == "" {
		return ""
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	return out + "\n"
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FileFingerprint returns the content fingerprint of a file spec. Ownership
// and mode are deliberately excluded: they are enforced by a live check on
// every run, so metadata drift is corrected even when content is unchanged.
func (f FileSpec) Fingerprint() string {
	return hashString(CanonicalContent(f.Content))
}

// Fingerprint returns the fingerprint of the package's desired state.
func (p PackageSpec) Fingerprint() string {
	return hashString(fmt.Sprintf("name=%s\nversion=%s\nstate=%s\n", p.Name, p.Version, p.State))
}

// DesiredStatus returns the canonical status string recorded in the state
// file once this service's desired state has been enforced.
func (s ServiceSpec) DesiredStatus() string {
	status := string(s.State)
	if s.Enabled != nil {
		if *s.Enabled {
			status += "+enabled"
		} else {
			status += "+disabled"
		}
	}
	return status
}

// Fingerprint returns the fingerprint of the command invocation.
func (c CommandSpec) Fingerprint() string {
	return hashString(fmt.Sprintf("command=%s\nsudo=%t\n", c.Command, c.Sudo))
}

// Fingerprint computes the cookbook-level hash over the canonical encoding
// of every section in the fixed apply order. Two documents that declare the
// same resources hash identically regardless of declaration order inside a
// section's source formatting.
func Fingerprint(cb *Cookbook) string {
	var b strings.Builder

	fmt.Fprintf(&b, "name=%s\nversion=%s\n", cb.Name, cb.Version)

	b.WriteString("[pre_install]\n")
	for _, c := range cb.PreInstall {
		b.WriteString(c.Fingerprint())
		b.WriteByte('\n')
	}
	b.WriteString("[remove]\n")
	for _, p := range cb.Remove {
		b.WriteString(p.Fingerprint())
		b.WriteByte('\n')
	}
	b.WriteString("[install]\n")
	for _, p := range cb.Install {
		b.WriteString(p.Fingerprint())
		b.WriteByte('\n')
	}
	b.WriteString("[files]\n")
	for _, f := range cb.Files {
		fmt.Fprintf(&b, "path=%s owner=%s group=%s mode=%s state=%s content=%s\n",
			f.Path, f.Owner, f.Group, f.Mode, f.State, f.Fingerprint())
	}
	b.WriteString("[services]\n")
	for _, s := range cb.Services {
		fmt.Fprintf(&b, "name=%s status=%s\n", s.Name, s.DesiredStatus())
	}
	b.WriteString("[post_install]\n")
	for _, c := range cb.PostInstall {
		b.WriteString(c.Fingerprint())
		b.WriteByte('\n')
	}

	return hashString(b.String())
}

// CombinedHash folds the hashes of an ordered cookbook set into the single
// config_hash recorded in the state file.
func CombinedHash(cookbooks []*Cookbook) string {
	var b strings.Builder
	for _, cb := range cookbooks {
		b.WriteString(cb.Hash)
		b.WriteByte('\n')
	}
	return hashString(b.String())
}
