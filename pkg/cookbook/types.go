package cookbook

import (
	"fmt"
	"time"
)

// Presence is the desired presence of a resource on the host.
type Presence string

const (
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
)

// VersionConstraint controls how a package version is matched.
type VersionConstraint string

const (
	// VersionAny accepts any installed version.
	VersionAny VersionConstraint = "any"

	// VersionLatest upgrades the package to the newest available version.
	VersionLatest VersionConstraint = "latest"

	// VersionExact pins the package to the version named in the spec.
	VersionExact VersionConstraint = "exact"
)

// ServiceState is the desired run state of a service.
type ServiceState string

const (
	ServiceStarted   ServiceState = "started"
	ServiceStopped   ServiceState = "stopped"
	ServiceRestarted ServiceState = "restarted"
)

// CommandPhase identifies when a command runs relative to package changes.
type CommandPhase string

const (
	PhasePreInstall  CommandPhase = "pre_install"
	PhasePostInstall CommandPhase = "post_install"
)

// PackageSpec declares the desired state of a single package.
type PackageSpec struct {
	// Name is the package name as known to the package manager.
	Name string `json:"name" validate:"required"`

	// Version pins an exact version. Empty means any version, the literal
	// string "latest" requests an upgrade to the newest available.
	Version string `json:"version,omitempty"`

	// State is the desired presence (present or absent).
	State Presence `json:"state" validate:"required,oneof=present absent"`
}

// Constraint returns the version constraint implied by the Version field.
func (p PackageSpec) Constraint() VersionConstraint {
	switch p.Version {
	case "":
		return VersionAny
	case "latest":
		return VersionLatest
	default:
		return VersionExact
	}
}

// ID returns the unique resource identity for this package.
func (p PackageSpec) ID() string {
	return "package." + p.Name
}

// FileSpec declares the desired content and metadata of a file.
type FileSpec struct {
	// Path is the absolute destination path.
	Path string `json:"path" validate:"required"`

	// Content is the literal file content.
	Content string `json:"content"`

	// Owner and Group name the desired ownership. Empty means leave as-is.
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`

	// Mode is the octal permission string, e.g. "0644".
	Mode string `json:"mode,omitempty" validate:"omitempty,len=4"`

	// State is the desired presence (present or absent).
	State Presence `json:"state" validate:"required,oneof=present absent"`

	// Notify lists services that must be restarted when this file changes.
	Notify []string `json:"notify,omitempty"`
}

// ID returns the unique resource identity for this file.
func (f FileSpec) ID() string {
	return "file." + f.Path
}

// ServiceSpec declares the desired run state and enablement of a service.
type ServiceSpec struct {
	// Name is the systemd unit name.
	Name string `json:"name" validate:"required"`

	// State is the desired run state.
	State ServiceState `json:"state" validate:"required,oneof=started stopped restarted"`

	// Enabled is the desired boot enablement. Nil means leave as-is.
	Enabled *bool `json:"enabled,omitempty"`
}

// ID returns the unique resource identity for this service.
func (s ServiceSpec) ID() string {
	return "service." + s.Name
}

// CommandSpec declares a command executed in a pre or post install phase.
type CommandSpec struct {
	// Command is the shell invocation to run.
	Command string `json:"command" validate:"required"`

	// Sudo requests privilege elevation for this command.
	Sudo bool `json:"sudo,omitempty"`

	// Timeout overrides the executor's default command timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Phase is filled in by the loader from the section the command
	// appears in.
	Phase CommandPhase `json:"-"`

	// index within its phase, used to build a stable identity.
	index int
}

// ID returns the unique resource identity for this command.
func (c CommandSpec) ID() string {
	return fmt.Sprintf("command.%s.%d", c.Phase, c.index)
}

// Cookbook is the typed representation of one parsed declaration document.
// Sections are applied in the fixed order: pre_install, remove, install,
// files, services, post_install, regardless of their order in the source.
type Cookbook struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	PreInstall  []CommandSpec `json:"pre_install,omitempty"`
	Remove      []PackageSpec `json:"remove,omitempty"`
	Install     []PackageSpec `json:"install,omitempty"`
	Files       []FileSpec    `json:"files,omitempty"`
	Services    []ServiceSpec `json:"services,omitempty"`
	PostInstall []CommandSpec `json:"post_install,omitempty"`

	// Source is the path of the document this cookbook was loaded from.
	Source string `json:"-"`

	// Hash is the fingerprint of the canonical serialization of the whole
	// document, used as a fast-path change check for the cookbook.
	Hash string `json:"-"`
}

// ResourceCount returns the number of declared resources across all sections.
func (c *Cookbook) ResourceCount() int {
	return len(c.PreInstall) + len(c.Remove) + len(c.Install) +
		len(c.Files) + len(c.Services) + len(c.PostInstall)
}
