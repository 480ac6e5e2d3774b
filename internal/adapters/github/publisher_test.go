package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/swarmops/swarmops/internal/core"
)

type call struct {
	dir  string
	name string
	args []string
}

func scriptedRunner(calls *[]call, outputs map[string]string, failOn string) Runner {
	return func(_ context.Context, dir, name string, args ...string) (string, error) {
		key := name + " " + strings.Join(args, " ")
		*calls = append(*calls, call{dir: dir, name: name, args: args})
		if failOn != "" && strings.HasPrefix(key, failOn) {
			return "", errors.New("scripted failure")
		}
		for prefix, out := range outputs {
			if strings.HasPrefix(key, prefix) {
				return out, nil
			}
		}
		return "", nil
	}
}

func testPhase() *core.Phase {
	return &core.Phase{
		RunID:       "run-1",
		PhaseNumber: 2,
		RepoDir:     "/repos/shop",
		BaseBranch:  "main",
		PhaseBranch: "swarmops/run-1/phase-2",
		Workers: []core.Worker{
			{WorkerID: "w1", TaskID: "auth"},
			{WorkerID: "w2", TaskID: "search"},
		},
	}
}

func TestPublishPhase(t *testing.T) {
	var calls []call
	pub := NewPublisher(PublisherConfig{
		Runner: scriptedRunner(&calls, map[string]string{
			"gh pr create": "https://github.com/acme/shop/pull/7",
		}, ""),
	})

	pr, err := pub.PublishPhase(context.Background(), testPhase(), "Add checkout flow")
	if err != nil {
		t.Fatalf("PublishPhase() error = %v", err)
	}
	if pr.URL != "https://github.com/acme/shop/pull/7" {
		t.Errorf("URL = %q", pr.URL)
	}

	if len(calls) != 3 {
		t.Fatalf("expected auth, push, create; got %d calls", len(calls))
	}
	push := calls[1]
	if push.name != "git" || push.args[0] != "push" || push.args[2] != "origin" {
		t.Errorf("push call = %v %v", push.name, push.args)
	}
	create := calls[2]
	if create.dir != "/repos/shop" {
		t.Errorf("create ran in %q", create.dir)
	}
	joined := strings.Join(create.args, " ")
	for _, want := range []string{"--head swarmops/run-1/phase-2", "--base main"} {
		if !strings.Contains(joined, want) {
			t.Errorf("pr create missing %q: %s", want, joined)
		}
	}
}

func TestPublishPhase_NotAuthenticated(t *testing.T) {
	var calls []call
	pub := NewPublisher(PublisherConfig{
		Runner: scriptedRunner(&calls, nil, "gh auth status"),
	})

	_, err := pub.PublishPhase(context.Background(), testPhase(), "")
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr.Code != "GH_NOT_AUTHENTICATED" {
		t.Fatalf("expected GH_NOT_AUTHENTICATED, got %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("expected no push after auth failure, saw %d calls", len(calls))
	}
}

func TestPublishPhase_MissingBranch(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Runner: scriptedRunner(&[]call{}, nil, "")})
	phase := testPhase()
	phase.PhaseBranch = ""

	_, err := pub.PublishPhase(context.Background(), phase, "")
	if err == nil {
		t.Fatal("expected an error for a phase without a branch")
	}
}

func TestPublishPhase_CustomRemote(t *testing.T) {
	var calls []call
	pub := NewPublisher(PublisherConfig{
		Remote: "upstream",
		Runner: scriptedRunner(&calls, map[string]string{"gh pr create": "url"}, ""),
	})

	if _, err := pub.PublishPhase(context.Background(), testPhase(), ""); err != nil {
		t.Fatalf("PublishPhase() error = %v", err)
	}
	if calls[1].args[2] != "upstream" {
		t.Errorf("push remote = %q", calls[1].args[2])
	}
}

func TestPRBody_ListsWorkers(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Runner: scriptedRunner(&[]call{}, nil, "")})
	body := pub.prBody(testPhase(), "Add checkout flow")

	for _, want := range []string{"Add checkout flow", "run-1", "w1 (auth)", "w2 (search)"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
