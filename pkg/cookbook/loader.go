package cookbook

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// document mirrors the YAML surface shape of a cookbook. It is converted to
// the typed Cookbook at the load boundary; unrecognized keys are rejected by
// the strict decoder rather than propagated as loose maps.
type document struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Install     *installSection   `yaml:"install"`
	Remove      *removeSection    `yaml:"remove"`
	Configure   *configureSection `yaml:"configure"`
}

type installSection struct {
	PreInstall  []commandDoc `yaml:"pre_install"`
	Install     []packageDoc `yaml:"install"`
	PostInstall []commandDoc `yaml:"post_install"`
}

type removeSection struct {
	Packages []packageDoc `yaml:"packages"`
}

type configureSection struct {
	Files    []fileDoc    `yaml:"files"`
	Services []serviceDoc `yaml:"services"`
}

type commandDoc struct {
	Command string `yaml:"command"`
	Sudo    bool   `yaml:"sudo"`
	Timeout int    `yaml:"timeout"` // seconds
}

type packageDoc struct {
	// Install entries use "package", remove entries use "name". Both are
	// accepted in either section for compatibility with existing documents.
	Package string `yaml:"package"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

func (p packageDoc) packageName() string {
	if p.Package != "" {
		return p.Package
	}
	return p.Name
}

type fileDoc struct {
	Path    string   `yaml:"path"`
	Content string   `yaml:"content"`
	Owner   string   `yaml:"owner"`
	Group   string   `yaml:"group"`
	Mode    string   `yaml:"mode"`
	State   string   `yaml:"state"`
	Notify  []string `yaml:"notify"`
}

type serviceDoc struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state"`
	Enabled *bool  `yaml:"enabled"`
}

var validate = validator.New()

// Load parses and validates a single cookbook document.
func Load(path string) (*Cookbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cookbook: %w", err)
	}
	defer f.Close()

	cb, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("cookbook %s: %w", filepath.Base(path), err)
	}
	cb.Source = path
	return cb, nil
}

// Parse decodes a cookbook document from r. Unknown keys, structurally
// invalid sections and duplicate resource identities are all load-time
// errors; no partially-valid cookbook is ever returned.
func Parse(r io.Reader) (*Cookbook, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	cb := &Cookbook{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
	}

	if doc.Install != nil {
		for i, c := range doc.Install.PreInstall {
			cb.PreInstall = append(cb.PreInstall, convertCommand(c, PhasePreInstall, i))
		}
		for _, p := range doc.Install.Install {
			cb.Install = append(cb.Install, PackageSpec{
				Name:    p.packageName(),
				Version: p.Version,
				State:   PresencePresent,
			})
		}
		for i, c := range doc.Install.PostInstall {
			cb.PostInstall = append(cb.PostInstall, convertCommand(c, PhasePostInstall, i))
		}
	}

	if doc.Remove != nil {
		for _, p := range doc.Remove.Packages {
			cb.Remove = append(cb.Remove, PackageSpec{
				Name:  p.packageName(),
				State: PresenceAbsent,
			})
		}
	}

	if doc.Configure != nil {
		for _, f := range doc.Configure.Files {
			spec := FileSpec{
				Path:    f.Path,
				Content: f.Content,
				Owner:   f.Owner,
				Group:   f.Group,
				Mode:    f.Mode,
				State:   Presence(f.State),
				Notify:  f.Notify,
			}
			if spec.State == "" {
				spec.State = PresencePresent
			}
			cb.Files = append(cb.Files, spec)
		}
		for _, s := range doc.Configure.Services {
			cb.Services = append(cb.Services, ServiceSpec{
				Name:    s.Name,
				State:   ServiceState(s.State),
				Enabled: s.Enabled,
			})
		}
	}

	if err := validateCookbook(cb); err != nil {
		return nil, err
	}

	cb.Hash = Fingerprint(cb)
	return cb, nil
}

func convertCommand(c commandDoc, phase CommandPhase, idx int) CommandSpec {
	return CommandSpec{
		Command: c.Command,
		Sudo:    c.Sudo,
		Timeout: time.Duration(c.Timeout) * time.Second,
		Phase:   phase,
		index:   idx,
	}
}

// validateCookbook checks field shapes and rejects duplicate resource
// identities within the document.
func validateCookbook(cb *Cookbook) error {
	if err := validate.Struct(cb); err != nil {
		return fmt.Errorf("invalid cookbook: %w", err)
	}

	for _, f := range cb.Files {
		if !filepath.IsAbs(f.Path) {
			return fmt.Errorf("invalid cookbook: file path %q is not absolute", f.Path)
		}
	}

	seen := make(map[string]bool, cb.ResourceCount())
	check := func(id string) error {
		if seen[id] {
			return fmt.Errorf("invalid cookbook: duplicate resource identity %q", id)
		}
		seen[id] = true
		return nil
	}

	for _, p := range cb.Remove {
		if err := check(p.ID()); err != nil {
			return err
		}
	}
	for _, p := range cb.Install {
		if err := check(p.ID()); err != nil {
			return err
		}
	}
	for _, f := range cb.Files {
		if err := check(f.ID()); err != nil {
			return err
		}
	}
	for _, s := range cb.Services {
		if err := check(s.ID()); err != nil {
			return err
		}
	}

	return nil
}

// LoadDir loads every cookbook document in dir, sorted by file name so the
// apply order is deterministic. The directory is read fresh on every call;
// cookbooks are never cached across reconciliation cycles.
func LoadDir(dir string) ([]*Cookbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookbook directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	cookbooks := make([]*Cookbook, 0, len(paths))
	for _, p := range paths {
		cb, err := Load(p)
		if err != nil {
			return nil, err
		}
		cookbooks = append(cookbooks, cb)
	}

	return cookbooks, nil
}
