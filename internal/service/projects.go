package service

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
)

// Projects resolves project names to repository directories under the
// configured projects root.
type Projects struct {
	root string
}

// NewProjects creates a resolver rooted at the projects directory.
func NewProjects(root string) *Projects {
	return &Projects{root: root}
}

// Resolve maps a project name to its repository directory. Absolute paths
// and paths with separators bypass the root, so an operator can point a
// run at any checkout.
func (p *Projects) Resolve(name string) (string, error) {
	if name == "" {
		return "", core.ErrValidation(core.CodeUnknownProject, "project name cannot be empty")
	}

	dir := name
	if !filepath.IsAbs(name) && !strings.ContainsRune(name, os.PathSeparator) {
		dir = filepath.Join(p.root, name)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", core.ErrNotFound("project", name)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", core.ErrValidation(core.CodeUnknownProject,
			"project directory is not a git repository").WithDetail("dir", dir)
	}
	return dir, nil
}

// List enumerates project names: direct children of the root that are
// git repositories, sorted.
func (p *Projects) List() ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.root, entry.Name(), ".git")); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
