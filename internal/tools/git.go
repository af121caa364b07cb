package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CredentialChecker gates git operations that need a configured
// integration.
type CredentialChecker interface {
	Configured(ctx context.Context, provider, key string) bool
}

// PROpener creates a pull request against the configured forge. Injected
// by the control plane; nil means no forge integration is wired.
type PROpener interface {
	OpenPR(ctx context.Context, workspaceRoot, title, body, base, head string) (string, error)
}

type gitDomain struct {
	creds CredentialChecker
	prs   PROpener
}

// RegisterGit installs the git domain. Push and open_pr require a
// configured integration and fail with a typed provider error otherwise.
func RegisterGit(r *Registry, creds CredentialChecker, prs PROpener) {
	g := &gitDomain{creds: creds, prs: prs}
	r.Register("git", "branch", g.simple("branch", func(args map[string]any) []string {
		return []string{"checkout", "-b", stringArg(args, "name")}
	}))
	r.Register("git", "checkout", g.simple("checkout", func(args map[string]any) []string {
		return []string{"checkout", stringArg(args, "ref")}
	}))
	r.Register("git", "commit", g.commit)
	r.Register("git", "push", g.push)
	r.Register("git", "open_pr", g.openPR)
	r.Register("git", "tag", g.simple("tag", func(args map[string]any) []string {
		return []string{"tag", stringArg(args, "name")}
	}))
	r.Register("git", "noninteractive_rebase", g.simple("noninteractive_rebase", func(args map[string]any) []string {
		return []string{"rebase", stringArg(args, "onto")}
	}))
	r.Register("git", "cherry_pick", g.simple("cherry_pick", func(args map[string]any) []string {
		return []string{"cherry-pick", stringArg(args, "ref")}
	}))
}

func runGit(ctx context.Context, tc Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = tc.WorkspaceRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (g *gitDomain) simple(op string, build func(map[string]any) []string) Handler {
	return func(ctx context.Context, tc Context, args map[string]any) (*Trace, error) {
		trace := newTrace("git", op)
		gitArgs := build(args)
		for _, a := range gitArgs {
			if strings.TrimSpace(a) == "" {
				err := fmt.Errorf("%w: missing argument for git %s", ErrValidation, op)
				trace.fail("%v", err)
				return trace, err
			}
		}
		out, err := runGit(ctx, tc, gitArgs...)
		if err != nil {
			trace.fail("%v", err)
			return trace, err
		}
		trace.count("commands", 1)
		trace.Output = map[string]any{"output": out}
		return trace, nil
	}
}

func (g *gitDomain) commit(ctx context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("git", "commit")
	message := stringArg(args, "message")
	if strings.TrimSpace(message) == "" {
		err := fmt.Errorf("%w: empty commit message", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	if _, err := runGit(ctx, tc, "add", "-A"); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	out, err := runGit(ctx, tc, "commit", "-m", message)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("commits", 1)
	trace.Output = map[string]any{"output": out}
	return trace, nil
}

func (g *gitDomain) requireIntegration(ctx context.Context, op string) error {
	if g.creds == nil || !g.creds.Configured(ctx, "git_forge", "default") {
		return fmt.Errorf("%w: git %s requires a configured forge integration", ErrProvider, op)
	}
	return nil
}

func (g *gitDomain) push(ctx context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("git", "push")
	if err := g.requireIntegration(ctx, "push"); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	remote := stringArg(args, "remote")
	if remote == "" {
		remote = "origin"
	}
	branch := stringArg(args, "branch")
	gitArgs := []string{"push", remote}
	if branch != "" {
		gitArgs = append(gitArgs, branch)
	}
	out, err := runGit(ctx, tc, gitArgs...)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("pushes", 1)
	trace.Output = map[string]any{"output": out}
	return trace, nil
}

func (g *gitDomain) openPR(ctx context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("git", "open_pr")
	if err := g.requireIntegration(ctx, "open_pr"); err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	if g.prs == nil {
		err := fmt.Errorf("%w: no pull request backend configured", ErrProvider)
		trace.fail("%v", err)
		return trace, err
	}
	url, err := g.prs.OpenPR(ctx, tc.WorkspaceRoot,
		stringArg(args, "title"), stringArg(args, "body"),
		stringArg(args, "base"), stringArg(args, "head"))
	if err != nil {
		trace.fail("open_pr: %v", err)
		return trace, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	trace.count("pull_requests", 1)
	trace.Output = map[string]any{"url": url}
	return trace, nil
}
