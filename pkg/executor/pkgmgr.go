package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PackageManager drives the host's native package manager through the
// executor. Presence is always verified with a query after install/remove;
// the exit code of the mutating command alone is not trusted.
type PackageManager struct {
	exec    *Executor
	manager string
	sudo    bool
}

// NewPackageManager creates a manager for the named backend (apt, dnf, yum
// or zypper). An empty name auto-detects the first one on PATH.
func NewPackageManager(e *Executor, manager string, sudo bool) (*PackageManager, error) {
	if manager == "" {
		detected, err := detectPackageManager()
		if err != nil {
			return nil, err
		}
		manager = detected
	}

	switch manager {
	case "apt", "dnf", "yum", "zypper":
	default:
		return nil, fmt.Errorf("unsupported package manager: %s", manager)
	}

	return &PackageManager{exec: e, manager: manager, sudo: sudo}, nil
}

func detectPackageManager() (string, error) {
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// IsInstalled queries the package database. It returns the installed
// version when present. Queries never elevate.
func (m *PackageManager) IsInstalled(ctx context.Context, name string) (bool, string) {
	var spec Spec
	switch m.manager {
	case "apt":
		spec = Spec{Command: "dpkg-query", Args: []string{"-W", "-f=${Version}", name}}
	default:
		spec = Spec{Command: "rpm", Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}}
	}

	res := m.exec.Run(ctx, spec)
	if res.Status != StatusSuccess {
		return false, ""
	}
	return true, strings.TrimSpace(res.Stdout)
}

// Install installs a package, optionally pinned to a version, then verifies
// presence with a query.
func (m *PackageManager) Install(ctx context.Context, name, version string) Result {
	pkgSpec := name
	if version != "" && version != "latest" {
		switch m.manager {
		case "apt":
			pkgSpec = fmt.Sprintf("%s=%s", name, version)
		default:
			pkgSpec = fmt.Sprintf("%s-%s", name, version)
		}
	}

	res := m.exec.Run(ctx, Spec{
		Command: m.manager,
		Args:    []string{"install", "-y", pkgSpec},
		Sudo:    m.sudo,
	})
	if !res.OK() {
		return res
	}

	if installed, _ := m.IsInstalled(ctx, name); !installed {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("package %s not present after install", name)
	}
	return res
}

// Remove uninstalls a package and verifies absence with a query.
func (m *PackageManager) Remove(ctx context.Context, name string) Result {
	res := m.exec.Run(ctx, Spec{
		Command: m.manager,
		Args:    []string{"remove", "-y", name},
		Sudo:    m.sudo,
	})
	if !res.OK() {
		return res
	}

	if installed, _ := m.IsInstalled(ctx, name); installed {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("package %s still present after remove", name)
	}
	return res
}

// Upgrade moves a package to the newest available version.
func (m *PackageManager) Upgrade(ctx context.Context, name string) Result {
	verb := "upgrade"
	if m.manager == "zypper" {
		verb = "update"
	}

	res := m.exec.Run(ctx, Spec{
		Command: m.manager,
		Args:    []string{verb, "-y", name},
		Sudo:    m.sudo,
	})
	if !res.OK() {
		return res
	}

	if installed, _ := m.IsInstalled(ctx, name); !installed {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("package %s not present after upgrade", name)
	}
	return res
}
