package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruel/relaybridge/internal/state"
)

// worktreeCmd implements `/worktree {list|new <n> [--from <ref>] [--use]|
// use <n>|rm <n> [--force]|prune}` (spec.md §6) over
// internal/worktree.Manager.
func (d *Dispatcher) worktreeCmd(ctx context.Context, convKey, rest string) (string, error) {
	sub, arg := splitCommand("/" + rest)
	repo := d.repoDir(convKey)
	if repo == "" {
		return "", fmt.Errorf("no workdir bound to this conversation; set one with /workdir first")
	}
	args := fields(arg)

	switch strings.ToLower(sub) {
	case "list":
		entries, err := d.Worktrees.List(ctx, repo, d.session(convKey).Workdir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "no worktrees", nil
		}
		var b strings.Builder
		for _, e := range entries {
			mark := ""
			if e.InUse {
				mark = " (in use)"
			}
			fmt.Fprintf(&b, "%s -> %s [%s]%s\n", e.Name, e.Path, e.Branch, mark)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "new":
		if len(args) == 0 {
			return "", fmt.Errorf("usage: /worktree new <n> [--from <ref>] [--use]")
		}
		name := args[0]
		from := flagValue(args, "--from")
		path, err := d.Worktrees.New(ctx, repo, name, from)
		if err != nil {
			return "", err
		}
		if hasFlag(args, "--use") {
			if err := d.bindWorkdir(convKey, path); err != nil {
				return "", err
			}
			return "created and switched to worktree " + path, nil
		}
		return "created worktree " + path, nil

	case "use":
		if len(args) == 0 {
			return "", fmt.Errorf("usage: /worktree use <n>")
		}
		path, err := d.Worktrees.Use(ctx, repo, d.session(convKey).Workdir, args[0])
		if err != nil {
			return "", err
		}
		if err := d.bindWorkdir(convKey, path); err != nil {
			return "", err
		}
		return "switched to worktree " + path, nil

	case "rm":
		if len(args) == 0 {
			return "", fmt.Errorf("usage: /worktree rm <n> [--force]")
		}
		if err := d.Worktrees.Remove(ctx, repo, args[0], hasFlag(args, "--force")); err != nil {
			return "", err
		}
		return "removed worktree " + args[0], nil

	case "prune":
		if err := d.Worktrees.Prune(ctx, repo); err != nil {
			return "", err
		}
		return "pruned stale worktree metadata", nil

	default:
		return "", fmt.Errorf("usage: /worktree {list|new <n> [--from <ref>] [--use]|use <n>|rm <n> [--force]|prune}")
	}
}

func (d *Dispatcher) repoDir(convKey string) string {
	if d.RepoDir != nil {
		if r := d.RepoDir(convKey); r != "" {
			return r
		}
	}
	return d.session(convKey).Workdir
}

func (d *Dispatcher) bindWorkdir(convKey, dir string) error {
	return d.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).Workdir = dir
	})
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
