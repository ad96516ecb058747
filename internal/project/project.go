// Package project inspects the codebase a quest works on: its package.json
// manifests, the ward command they define and the test framework they use.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultWardCommand   = "npm run lint && npm run typecheck && npm run test"
	DefaultTestFramework = "jest"

	manifestName = "package.json"
	maxDepth     = 5
)

// ErrNoPackages is returned when a project has no package.json at all.
var ErrNoPackages = errors.New("no package.json files found")

// Package is one package.json manifest.
type Package struct {
	Dir             string            `json:"-"`
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ReadPackage parses dir/package.json.
func ReadPackage(dir string) (Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Package{}, err
	}
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Package{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestName), err)
	}
	pkg.Dir = dir
	return pkg, nil
}

func skipDir(name string) bool {
	switch name {
	case "node_modules", "dist", "build", "out":
		return true
	}
	return strings.HasPrefix(name, ".")
}

// FindPackages lists the parseable manifests under root, at most five levels
// deep, skipping dependency, hidden and build folders.
func FindPackages(root string) ([]Package, error) {
	root = filepath.Clean(root)
	var pkgs []Package
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(root, path)
			if strings.Count(rel, string(filepath.Separator))+1 > maxDepth {
				return filepath.SkipDir
			}
		}
		if pkg, err := ReadPackage(path); err == nil {
			pkgs = append(pkgs, pkg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Dir < pkgs[j].Dir })
	return pkgs, nil
}

// WardCommand is the project's ward: its ward:all script, then its ward
// script, then the lint/typecheck/test chain. Without a readable
// package.json there is no ward.
func WardCommand(dir string) string {
	pkg, err := ReadPackage(dir)
	if err != nil {
		return ""
	}
	for _, name := range []string{"ward:all", "ward"} {
		if cmd := strings.TrimSpace(pkg.Scripts[name]); cmd != "" {
			return "npm run " + name
		}
	}
	return DefaultWardCommand
}

// TestFramework names the first known test runner among the package's
// dependencies, defaulting to jest.
func TestFramework(dir string) string {
	pkg, err := ReadPackage(dir)
	if err != nil {
		return DefaultTestFramework
	}
	for _, name := range []string{"jest", "mocha", "vitest", "playwright"} {
		if _, ok := pkg.Dependencies[name]; ok {
			return name
		}
		if _, ok := pkg.DevDependencies[name]; ok {
			return name
		}
	}
	return DefaultTestFramework
}
