package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swarmops/swarmops/internal/adapters/state"
	"github.com/swarmops/swarmops/internal/core"
)

func newTestCatalog(t *testing.T) (*Catalog, *state.CatalogStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	catStore, err := state.NewCatalogStore(store)
	if err != nil {
		t.Fatalf("NewCatalogStore: %v", err)
	}
	catalog, err := NewCatalog(catStore, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog, catStore, dir
}

func TestCatalog_SeedsDefaults(t *testing.T) {
	t.Parallel()
	catalog, _, _ := newTestCatalog(t)

	role := catalog.Role(core.RoleReviewer)
	if role.Cleanup != core.CleanupKeep {
		t.Errorf("reviewer cleanup = %q, want keep", role.Cleanup)
	}

	pipeline, ok := catalog.Pipeline("default")
	if !ok {
		t.Fatal("default pipeline missing")
	}
	if len(pipeline.Roles) != 2 || pipeline.Roles[0] != core.RoleReviewer {
		t.Errorf("default pipeline = %v", pipeline.Roles)
	}
}

func TestCatalog_UnknownRoleDegrades(t *testing.T) {
	t.Parallel()
	catalog, _, _ := newTestCatalog(t)

	role := catalog.Role("archaeologist")
	if role.Name != "archaeologist" || role.Cleanup != core.CleanupDelete {
		t.Errorf("fallback role = %+v", role)
	}
}

func TestCatalog_BuildPrompt(t *testing.T) {
	t.Parallel()
	catalog, catStore, _ := newTestCatalog(t)

	template := "Work on {{task}} in {{worktree}}.\nReport to {{callback}}."
	if err := os.WriteFile(filepath.Join(catStore.PromptsDir(), "builder.md"), []byte(template), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(catStore.SkillsDir(), "git-hygiene.md"), []byte("Commit early.\n"), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	if err := catStore.SaveRoles([]core.Role{
		{Name: "builder", Skills: []string{"git-hygiene", "missing-skill"}},
	}); err != nil {
		t.Fatalf("SaveRoles: %v", err)
	}
	if err := catalog.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	prompt, err := catalog.BuildPrompt("builder", PromptTokens{
		"task":     "add logging",
		"worktree": "/tmp/wt",
		"callback": "http://localhost:8400",
	})
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if !strings.Contains(prompt, "Work on add logging in /tmp/wt.") {
		t.Errorf("tokens not substituted: %q", prompt)
	}
	if !strings.Contains(prompt, "Commit early.") {
		t.Errorf("skill snippet not appended: %q", prompt)
	}
}

func TestCatalog_BuildPromptWithoutTemplate(t *testing.T) {
	t.Parallel()
	catalog, _, _ := newTestCatalog(t)

	prompt, err := catalog.BuildPrompt("builder", PromptTokens{"task": "just do it"})
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if prompt != "just do it" {
		t.Errorf("prompt = %q, want the raw task when no template exists", prompt)
	}
}

func TestProjects_Resolve(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	repo := filepath.Join(root, "webapp")
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "not-a-repo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	projects := NewProjects(root)

	dir, err := projects.Resolve("webapp")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dir != repo {
		t.Errorf("dir = %q, want %q", dir, repo)
	}

	if _, err := projects.Resolve("not-a-repo"); err == nil {
		t.Error("non-repo directory accepted")
	}
	if _, err := projects.Resolve("ghost"); err == nil {
		t.Error("missing project accepted")
	}

	// Absolute path bypasses the root.
	if dir, err := projects.Resolve(repo); err != nil || dir != repo {
		t.Errorf("absolute resolve = %q, %v", dir, err)
	}

	names, err := projects.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "webapp" {
		t.Errorf("List = %v, want [webapp]", names)
	}
}
