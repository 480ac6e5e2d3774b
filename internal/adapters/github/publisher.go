// Package github publishes completed phase branches as pull requests
// through the gh CLI.
package github

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/core"
)

// Runner executes an external command and returns its stdout. Injected in
// tests.
type Runner func(ctx context.Context, dir string, name string, args ...string) (string, error)

// PublisherConfig configures the publisher.
type PublisherConfig struct {
	Remote  string        // push target, default "origin"
	Timeout time.Duration // per command, default 60s
	Runner  Runner
}

// Publisher opens one pull request per completed phase branch.
type Publisher struct {
	remote  string
	timeout time.Duration
	run     Runner
}

// PullRequest is the created PR reference.
type PullRequest struct {
	URL string
}

// NewPublisher creates a publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	p := &Publisher{
		remote:  cfg.Remote,
		timeout: cfg.Timeout,
		run:     cfg.Runner,
	}
	if p.remote == "" {
		p.remote = "origin"
	}
	if p.timeout <= 0 {
		p.timeout = 60 * time.Second
	}
	if p.run == nil {
		p.run = execRunner
	}
	return p
}

// PublishPhase pushes the phase branch and opens a PR against the phase's
// base branch.
func (p *Publisher) PublishPhase(ctx context.Context, phase *core.Phase, goal string) (*PullRequest, error) {
	if phase.PhaseBranch == "" {
		return nil, core.ErrValidation("NO_PHASE_BRANCH", "phase has no integration branch")
	}
	if _, err := p.runIn(ctx, phase.RepoDir, "gh", "auth", "status"); err != nil {
		return nil, core.ErrValidation("GH_NOT_AUTHENTICATED",
			"gh CLI is not authenticated, run 'gh auth login'")
	}

	if _, err := p.runIn(ctx, phase.RepoDir, "git", "push", "-u", p.remote, phase.PhaseBranch); err != nil {
		return nil, fmt.Errorf("pushing %s: %w", phase.PhaseBranch, err)
	}

	title := fmt.Sprintf("Phase %d: %d tasks merged", phase.PhaseNumber, len(phase.Workers))
	body := p.prBody(phase, goal)
	out, err := p.runIn(ctx, phase.RepoDir, "gh", "pr", "create",
		"--head", phase.PhaseBranch,
		"--base", phase.BaseBranch,
		"--title", title,
		"--body", body)
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}

	// gh prints the PR URL as the last output line.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return &PullRequest{URL: strings.TrimSpace(lines[len(lines)-1])}, nil
}

func (p *Publisher) prBody(phase *core.Phase, goal string) string {
	var b strings.Builder
	if goal != "" {
		fmt.Fprintf(&b, "%s\n\n", goal)
	}
	fmt.Fprintf(&b, "Run %s, phase %d of the task plan.\n\n", phase.RunID, phase.PhaseNumber)
	b.WriteString("Merged worker branches:\n")
	for i := range phase.Workers {
		fmt.Fprintf(&b, "- %s (%s)\n", phase.Workers[i].WorkerID, phase.Workers[i].TaskID)
	}
	return b.String()
}

func (p *Publisher) runIn(ctx context.Context, dir, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.run(ctx, dir, name, args...)
}

func execRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout(fmt.Sprintf("%s command timed out", name))
		}
		return "", fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
