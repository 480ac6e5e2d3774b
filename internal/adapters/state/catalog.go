package state

import (
	"os"
	"path/filepath"

	"github.com/swarmops/swarmops/internal/core"
)

// CatalogStore persists the role and pipeline catalogs. Prompt and skill
// templates live beside them as read-only markdown files.
type CatalogStore struct {
	store *Store
}

// NewCatalogStore creates the catalog store and seeds defaults on first run.
func NewCatalogStore(store *Store) (*CatalogStore, error) {
	c := &CatalogStore{store: store}
	if err := c.seed(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CatalogStore) rolesPath() string {
	return filepath.Join(c.store.dataDir, rolesFile)
}

func (c *CatalogStore) pipelinesPath() string {
	return filepath.Join(c.store.dataDir, pipelinesFile)
}

// PromptsDir returns the prompt template directory.
func (c *CatalogStore) PromptsDir() string {
	return filepath.Join(c.store.dataDir, "prompts")
}

// SkillsDir returns the skill snippet directory.
func (c *CatalogStore) SkillsDir() string {
	return filepath.Join(c.store.dataDir, "skills")
}

// seed writes the default catalogs when the documents are absent.
func (c *CatalogStore) seed() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	for _, dir := range []string{c.PromptsDir(), c.SkillsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if _, err := os.Stat(c.rolesPath()); os.IsNotExist(err) {
		if err := c.store.writeDoc(c.rolesPath(), core.DefaultRoles()); err != nil {
			return err
		}
	}
	if _, err := os.Stat(c.pipelinesPath()); os.IsNotExist(err) {
		if err := c.store.writeDoc(c.pipelinesPath(), core.DefaultPipelines()); err != nil {
			return err
		}
	}
	return nil
}

// Roles returns the role catalog.
func (c *CatalogStore) Roles() ([]core.Role, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var roles []core.Role
	if err := c.store.readDoc(c.rolesPath(), &roles); err != nil {
		if os.IsNotExist(err) {
			return core.DefaultRoles(), nil
		}
		return nil, err
	}
	return roles, nil
}

// Pipelines returns the pipeline catalog.
func (c *CatalogStore) Pipelines() ([]core.Pipeline, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var pipelines []core.Pipeline
	if err := c.store.readDoc(c.pipelinesPath(), &pipelines); err != nil {
		if os.IsNotExist(err) {
			return core.DefaultPipelines(), nil
		}
		return nil, err
	}
	return pipelines, nil
}

// SaveRoles rewrites the role catalog.
func (c *CatalogStore) SaveRoles(roles []core.Role) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.writeDoc(c.rolesPath(), roles)
}

// SavePipelines rewrites the pipeline catalog.
func (c *CatalogStore) SavePipelines(pipelines []core.Pipeline) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.writeDoc(c.pipelinesPath(), pipelines)
}

// PromptTemplate reads a role's prompt template, if present.
func (c *CatalogStore) PromptTemplate(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.PromptsDir(), name+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SkillSnippet reads one skill snippet, if present.
func (c *CatalogStore) SkillSnippet(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.SkillsDir(), name+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
