package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruel/relaybridge/internal/gitutil"
)

// handoff implements `/handoff [--dry-run] [--commit|--no-commit]
// [--push|--no-push]` (spec.md §6): stages and commits the bound
// repository's working tree (defaulting on, same policy knob Ralph's
// auto-commit step uses) and optionally pushes, so a human can pick up
// where the agent left off.
func (d *Dispatcher) handoff(ctx context.Context, convKey, rest string) (string, error) {
	args := fields(rest)
	repo := d.repoDir(convKey)
	if repo == "" {
		return "", fmt.Errorf("no workdir bound to this conversation")
	}

	dryRun := hasFlag(args, "--dry-run")
	commit := d.Cfg.TaskAutoCommit && !hasFlag(args, "--no-commit")
	if hasFlag(args, "--commit") {
		commit = true
	}
	push := hasFlag(args, "--push") && !hasFlag(args, "--no-push")

	if dryRun {
		staged, err := gitutil.HasStagedChanges(ctx, repo)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dry-run: would commit=%t (staged changes=%t) push=%t", commit, staged, push), nil
	}

	var b strings.Builder
	if commit {
		subject := d.Cfg.TaskCommitPrefix + ": handoff from " + convKey
		// Stage everything first so the stat covers what AutoCommit commits.
		if _, err := gitutil.HasStagedChanges(ctx, repo); err != nil {
			return "", err
		}
		stat, err := gitutil.StagedDiffStat(ctx, repo)
		if err != nil {
			return "", err
		}
		committed, err := gitutil.AutoCommit(ctx, repo, subject)
		if err != nil {
			return "", err
		}
		if committed {
			fmt.Fprintf(&b, "committed: %s (%s)\n", subject, stat.Summary())
		} else {
			b.WriteString("nothing to commit\n")
		}
	}
	if push {
		if err := gitutil.Push(ctx, repo); err != nil {
			return "", err
		}
		b.WriteString("pushed\n")
	}
	if b.Len() == 0 {
		b.WriteString("no action taken (pass --commit and/or --push)\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
