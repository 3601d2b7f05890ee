// Package manifest edits the go.mod document held by a notebook's manifest cell.
package manifest

import (
	"fmt"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"

	"github.com/erg0nix/notebookd/internal/errs"
)

const (
	filename      = "go.mod"
	defaultModule = "notebook"
	goVersion     = "1.22"
)

// Package is a module requirement written as path@version.
type Package struct {
	Path    string
	Version string
}

func (p Package) String() string {
	return p.Path + "@" + p.Version
}

// ParsePackage parses "path@version". The version must be explicit semver.
func ParsePackage(spec string) (Package, error) {
	path, version, ok := strings.Cut(strings.TrimSpace(spec), "@")
	if !ok || version == "" {
		return Package{}, fmt.Errorf("%w: %q needs an explicit @version", errs.ErrInvalidManifest, spec)
	}
	if err := module.CheckPath(path); err != nil {
		return Package{}, fmt.Errorf("%w: %v", errs.ErrInvalidManifest, err)
	}
	if !semver.IsValid(version) {
		return Package{}, fmt.Errorf("%w: %q is not a semantic version", errs.ErrInvalidManifest, version)
	}
	return Package{Path: path, Version: version}, nil
}

// Default returns a fresh manifest for a notebook with no requirements.
func Default() string {
	return fmt.Sprintf("module %s\n\ngo %s\n", defaultModule, goVersion)
}

func Parse(source string) (*modfile.File, error) {
	file, err := modfile.Parse(filename, []byte(source), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidManifest, err)
	}
	if file.Module == nil {
		if err := file.AddModuleStmt(defaultModule); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidManifest, err)
		}
	}
	return file, nil
}

// Require adds or updates requirements and returns the formatted manifest.
// An empty source starts from Default.
func Require(source string, specs []string) (string, []Package, error) {
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("%w: no packages", errs.ErrInvalidManifest)
	}
	if strings.TrimSpace(source) == "" {
		source = Default()
	}

	file, err := Parse(source)
	if err != nil {
		return "", nil, err
	}

	packages := make([]Package, 0, len(specs))
	for _, spec := range specs {
		pkg, err := ParsePackage(spec)
		if err != nil {
			return "", nil, err
		}
		if err := file.AddRequire(pkg.Path, pkg.Version); err != nil {
			return "", nil, fmt.Errorf("%w: %v", errs.ErrInvalidManifest, err)
		}
		packages = append(packages, pkg)
	}

	file.Cleanup()
	out, err := file.Format()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errs.ErrInvalidManifest, err)
	}
	return string(out), packages, nil
}

// Requirements lists the required module paths in source order.
func Requirements(source string) ([]Package, error) {
	file, err := Parse(source)
	if err != nil {
		return nil, err
	}

	out := make([]Package, 0, len(file.Require))
	for _, req := range file.Require {
		out = append(out, Package{Path: req.Mod.Path, Version: req.Mod.Version})
	}
	return out, nil
}
