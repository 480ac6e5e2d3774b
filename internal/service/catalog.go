package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// Catalog resolves role names into fully assembled prompts: the role's
// template (or a generic fallback), token substitution, and any skill
// snippets the role lists.
type Catalog struct {
	store  *state.CatalogStore
	logger *logging.Logger

	mu        sync.RWMutex
	roles     map[string]core.Role
	pipelines map[string]core.Pipeline
}

// NewCatalog loads the catalogs into memory.
func NewCatalog(store *state.CatalogStore, logger *logging.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Catalog{store: store, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads roles.json and pipelines.json. Serve mode calls this
// from the fsnotify watcher.
func (c *Catalog) Reload() error {
	roles, err := c.store.Roles()
	if err != nil {
		return err
	}
	pipelines, err := c.store.Pipelines()
	if err != nil {
		return err
	}

	roleMap := make(map[string]core.Role, len(roles))
	for _, r := range roles {
		roleMap[r.Name] = r
	}
	pipelineMap := make(map[string]core.Pipeline, len(pipelines))
	for _, p := range pipelines {
		pipelineMap[p.Name] = p
	}

	c.mu.Lock()
	c.roles = roleMap
	c.pipelines = pipelineMap
	c.mu.Unlock()
	return nil
}

// Role looks up a role, falling back to a bare default-cleanup role so an
// unknown @role annotation degrades instead of blocking the run.
func (c *Catalog) Role(name string) core.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if role, ok := c.roles[name]; ok {
		return role
	}
	c.logger.Warn("unknown role, using bare defaults", "role", name)
	return core.Role{Name: name, Cleanup: core.CleanupDelete}
}

// Pipeline looks up a reviewer pipeline by name.
func (c *Catalog) Pipeline(name string) (core.Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[name]
	return p, ok
}

// PromptTokens are substituted into role templates as {{key}}.
type PromptTokens map[string]string

// BuildPrompt assembles the full prompt for a role: template (or the
// task text when no template exists), token substitution, then skill
// snippets appended in role order.
func (c *Catalog) BuildPrompt(roleName string, tokens PromptTokens) (string, error) {
	role := c.Role(roleName)

	templateName := role.PromptFile
	if templateName == "" {
		templateName = role.Name
	}
	template, err := c.store.PromptTemplate(templateName)
	if err != nil {
		return "", fmt.Errorf("reading prompt template for %s: %w", roleName, err)
	}
	if template == "" {
		template = tokens["task"]
	}

	prompt := substituteTokens(template, tokens)

	for _, skill := range role.Skills {
		snippet, err := c.store.SkillSnippet(skill)
		if err != nil {
			return "", fmt.Errorf("reading skill %s for %s: %w", skill, roleName, err)
		}
		if snippet == "" {
			c.logger.Warn("skill snippet missing", "role", roleName, "skill", skill)
			continue
		}
		prompt = prompt + "\n\n" + strings.TrimSpace(snippet)
	}
	return prompt, nil
}

func substituteTokens(template string, tokens PromptTokens) string {
	out := template
	for key, value := range tokens {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
