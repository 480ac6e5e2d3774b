package core

// CleanupMode controls how the gateway disposes of a finished session.
type CleanupMode string

const (
	CleanupDelete CleanupMode = "delete"
	CleanupKeep   CleanupMode = "keep"
)

// Role describes one kind of agent the orchestrator can spawn.
// Prompt templates live under prompts/<name>.md; Skills name snippet files
// under skills/ appended to every prompt built for the role.
type Role struct {
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	PromptFile        string      `json:"promptFile,omitempty"`
	Skills            []string    `json:"skills,omitempty"`
	Model             string      `json:"model,omitempty"`
	Thinking          string      `json:"thinking,omitempty"`
	Cleanup           CleanupMode `json:"cleanup,omitempty"`
	RunTimeoutSeconds int         `json:"runTimeoutSeconds,omitempty"`
}

// Pipeline is a named ordered reviewer chain.
type Pipeline struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// DefaultRoles seeds the catalog on first run.
func DefaultRoles() []Role {
	return []Role{
		{Name: DefaultRole, Description: "Implements one task in an isolated worktree", Cleanup: CleanupDelete},
		{Name: RoleReviewer, Description: "Reviews a merged phase for correctness", Cleanup: CleanupKeep},
		{Name: RoleSecurityReviewer, Description: "Reviews a merged phase for security regressions", Cleanup: CleanupKeep},
		{Name: RoleDesigner, Description: "Reviews frontend changes for design consistency", Cleanup: CleanupKeep},
		{Name: RoleFixer, Description: "Applies reviewer fix instructions to a phase branch", Cleanup: CleanupKeep},
		{Name: RoleConflictResolver, Description: "Resolves merge conflicts left in a working tree", Cleanup: CleanupKeep},
	}
}

// DefaultPipelines seeds the pipeline catalog on first run.
func DefaultPipelines() []Pipeline {
	return []Pipeline{
		{Name: "default", Roles: BaseReviewChain()},
		{Name: "frontend", Roles: append(BaseReviewChain(), RoleDesigner)},
	}
}
