package reconciler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ladlehq/ladle/pkg/cookbook"
)

func TestWriteFileAtomicCanonicalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	spec := cookbook.FileSpec{Path: path, Content: "a=1\r\nb=2  \r\n"}

	if err := writeFileAtomic(spec); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != "a=1\nb=2\n" {
		t.Errorf("expected canonical content, got %q", data)
	}
}

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "app.conf")
	spec := cookbook.FileSpec{Path: path, Content: "x"}

	if err := writeFileAtomic(spec); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist: %v", err)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.conf")

	if err := writeFileAtomic(cookbook.FileSpec{Path: path, Content: "x"}); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "app.conf" {
		t.Errorf("expected only the target file, got %v", entries)
	}
}

func TestFileMetadataMatchesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	if !fileMetadataMatches(cookbook.FileSpec{Path: path, Mode: "0600"}) {
		t.Error("expected matching mode to pass")
	}
	if fileMetadataMatches(cookbook.FileSpec{Path: path, Mode: "0644"}) {
		t.Error("expected differing mode to fail")
	}
	if !fileMetadataMatches(cookbook.FileSpec{Path: path}) {
		t.Error("expected empty metadata spec to pass for an existing file")
	}
	if fileMetadataMatches(cookbook.FileSpec{Path: path + ".missing"}) {
		t.Error("expected missing file to never match")
	}
}

func TestEnforceFileMetadataSetsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	if err := enforceFileMetadata(cookbook.FileSpec{Path: path, Mode: "0600"}); err != nil {
		t.Fatalf("failed to enforce metadata: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

func TestEnforceFileMetadataRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	if err := enforceFileMetadata(cookbook.FileSpec{Path: path, Mode: "rwxr"}); err == nil {
		t.Fatal("expected invalid mode string to be rejected")
	}
}
