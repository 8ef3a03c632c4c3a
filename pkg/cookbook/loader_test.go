package cookbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleDoc = `
name: webserver
version: "1.2"
description: nginx with a pinned config

install:
  pre_install:
    - command: apt-get update
      sudo: true
      timeout: 120
  install:
    - package: nginx
      version: latest
    - package: curl
  post_install:
    - command: nginx -t
      sudo: true

remove:
  packages:
    - name: apache2

configure:
  files:
    - path: /etc/nginx/nginx.conf
      content: |
        worker_processes auto;
      owner: root
      group: root
      mode: "0644"
      notify:
        - nginx
  services:
    - name: nginx
      state: started
      enabled: true
`

func TestParseSampleDocument(t *testing.T) {
	cb, err := Parse(strings.NewReader(sampleDoc))
	if err != nil {
		t.Fatalf("failed to parse cookbook: %v", err)
	}

	if cb.Name != "webserver" {
		t.Errorf("expected name webserver, got %s", cb.Name)
	}
	if cb.ResourceCount() != 7 {
		t.Errorf("expected 7 resources, got %d", cb.ResourceCount())
	}
	if cb.Hash == "" {
		t.Error("expected cookbook hash to be computed at load time")
	}

	if len(cb.PreInstall) != 1 {
		t.Fatalf("expected 1 pre_install command, got %d", len(cb.PreInstall))
	}
	pre := cb.PreInstall[0]
	if !pre.Sudo {
		t.Error("expected pre_install command to request sudo")
	}
	if pre.Timeout != 120*time.Second {
		t.Errorf("expected 120s timeout, got %s", pre.Timeout)
	}
	if pre.ID() != "command.pre_install.0" {
		t.Errorf("unexpected command identity: %s", pre.ID())
	}

	if len(cb.Install) != 2 {
		t.Fatalf("expected 2 install packages, got %d", len(cb.Install))
	}
	if cb.Install[0].Constraint() != VersionLatest {
		t.Errorf("expected latest constraint for nginx, got %s", cb.Install[0].Constraint())
	}
	if cb.Install[1].Constraint() != VersionAny {
		t.Errorf("expected any constraint for curl, got %s", cb.Install[1].Constraint())
	}

	if len(cb.Remove) != 1 || cb.Remove[0].Name != "apache2" {
		t.Fatalf("expected apache2 in remove section, got %+v", cb.Remove)
	}
	if cb.Remove[0].State != PresenceAbsent {
		t.Errorf("expected remove entry state absent, got %s", cb.Remove[0].State)
	}

	if len(cb.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(cb.Files))
	}
	file := cb.Files[0]
	if file.State != PresencePresent {
		t.Errorf("expected default file state present, got %s", file.State)
	}
	if len(file.Notify) != 1 || file.Notify[0] != "nginx" {
		t.Errorf("unexpected notify list: %v", file.Notify)
	}

	if len(cb.Services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(cb.Services))
	}
	svc := cb.Services[0]
	if svc.Enabled == nil || !*svc.Enabled {
		t.Error("expected nginx to be enabled")
	}
	if svc.DesiredStatus() != "started+enabled" {
		t.Errorf("unexpected desired status: %s", svc.DesiredStatus())
	}
}

func TestParseAcceptsPackageAndNameKeys(t *testing.T) {
	doc := `
name: alias-check
install:
  install:
    - name: vim
`
	cb, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("failed to parse cookbook: %v", err)
	}
	if len(cb.Install) != 1 || cb.Install[0].Name != "vim" {
		t.Fatalf("expected vim from the name key, got %+v", cb.Install)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := `
name: typo
install:
  instal:
    - package: vim
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestParseRejectsRelativeFilePath(t *testing.T) {
	doc := `
name: badpath
configure:
  files:
    - path: etc/motd
      content: hello
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("expected relative file path to be rejected")
	}
}

func TestParseRejectsDuplicateIdentity(t *testing.T) {
	doc := `
name: dupe
install:
  install:
    - package: vim
    - package: vim
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("expected duplicate package identity to be rejected")
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	doc := `
version: "1"
install:
  install:
    - package: vim
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("expected missing cookbook name to be rejected")
	}
}

func TestLoadDirSortsByFileName(t *testing.T) {
	dir := t.TempDir()

	writeDoc := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	writeDoc("20-second.yaml", "name: second\n")
	writeDoc("10-first.yml", "name: first\n")
	writeDoc("ignored.txt", "not a cookbook\n")

	cookbooks, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}

	if len(cookbooks) != 2 {
		t.Fatalf("expected 2 cookbooks, got %d", len(cookbooks))
	}
	if cookbooks[0].Name != "first" || cookbooks[1].Name != "second" {
		t.Errorf("unexpected order: %s, %s", cookbooks[0].Name, cookbooks[1].Name)
	}
	if cookbooks[0].Source == "" {
		t.Error("expected source path to be recorded")
	}
}

func TestLoadDirFailsOnInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("version: only\n"), 0o644); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}

	if _, err := LoadDir(dir); err == nil {
		t.Fatal("expected invalid document to fail the whole load")
	}
}
