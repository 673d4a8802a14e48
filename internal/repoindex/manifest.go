package repoindex

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// manifest is the on-disk YAML schema of one package version:
// <tree>/<category>/<name>/<name>-<version>.yaml.
type manifest struct {
	Version  string   `yaml:"version"`
	Slot     string   `yaml:"slot"`
	Keywords []string `yaml:"keywords"`
	IUse     []string `yaml:"iuse"`
	Depend   []string `yaml:"depend"`
	BDepend  []string `yaml:"bdepend"`
	RDepend  []string `yaml:"rdepend"`
	Blockers []string `yaml:"blockers"`
	Build    string   `yaml:"build"`
	Size     int64    `yaml:"size"`
}

// ManifestError reports a malformed manifest file.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// loadManifest parses one manifest file into a candidate. The version
// comes from the filename; a version field in the body must agree.
func loadManifest(path string, id atom.PackageID, version atom.Version) (*ports.PackageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	if m.Version != "" {
		declared, err := atom.ParseVersion(m.Version)
		if err != nil {
			return nil, &ManifestError{Path: path, Err: fmt.Errorf("bad version field: %w", err)}
		}
		if !declared.Equal(version) {
			return nil, &ManifestError{Path: path,
				Err: fmt.Errorf("version field %s disagrees with filename version %s", declared, version)}
		}
	}

	pkg := &ports.PackageInfo{
		ID:        id,
		Version:   version,
		Slot:      m.Slot,
		Keywords:  m.Keywords,
		UseFlags:  m.IUse,
		SizeBytes: m.Size,
	}

	pkg.Dependencies, err = parseDeps(m.Depend, true, true)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	pkg.BuildDependencies, err = parseDeps(m.BDepend, true, false)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	pkg.RuntimeDependencies, err = parseDeps(m.RDepend, false, true)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	pkg.Blockers, err = blockers.ParseAll(id, version, m.Blockers)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	pkg.BuildTarget = m.Build
	if pkg.BuildTarget == "" {
		pkg.BuildTarget = fmt.Sprintf("%s/%s/%s-%s", id.Category, id.Name, id.Name, version)
	}

	return pkg, nil
}

// parseDeps parses a manifest dependency list. Each entry is an atom,
// optionally prefixed with a USE condition: "ssl? >=dev-libs/openssl-3".
func parseDeps(entries []string, buildTime, runTime bool) ([]ports.Dependency, error) {
	var out []ports.Dependency
	for _, entry := range entries {
		d, err := parseDep(entry, buildTime, runTime)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDep(entry string, buildTime, runTime bool) (ports.Dependency, error) {
	s := strings.TrimSpace(entry)

	var cond ports.UseCondition
	if i := strings.Index(s, "? "); i >= 0 {
		cond = ports.ParseUseCondition(s[:i+1])
		s = strings.TrimSpace(s[i+2:])
	}

	a, err := atom.ParseAtom(s)
	if err != nil {
		return ports.Dependency{}, fmt.Errorf("bad dependency %q: %w", entry, err)
	}

	return ports.Dependency{
		Package:   a.ID,
		Version:   a.Version,
		Slot:      a.Slot,
		Condition: cond,
		BuildTime: buildTime,
		RunTime:   runTime,
	}, nil
}
