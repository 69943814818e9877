// Package worktree backs the `/worktree {list|new|use|rm|prune}` command
// (spec.md §6) with real `git worktree` subcommands against a session's
// bound repository, laid out under worktrees/<repo-slug>/<name>/.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/gitutil"
)

// Entry describes one worktree under a repo's worktree root.
type Entry struct {
	Name   string
	Path   string
	Branch string
	Head   string
	InUse  bool // true when it matches the session's current workdir.
}

// Manager creates, lists, switches, removes, and prunes worktrees for a
// single bound repository (spec §3.1 adaptation note: repurposes the
// teacher's container.Ops shape — small interface, real-exec-backed,
// context+timeout, stderr folded into the wrapped error — for plain git
// worktrees instead of md containers).
type Manager struct {
	Root    string        // worktrees root, e.g. ./.relaybridge/worktrees.
	Timeout time.Duration // per-git-call timeout; zero disables it.
}

// NewManager returns a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{Root: root, Timeout: 30 * time.Second}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.Timeout)
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func slugify(s string) string {
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func repoSlug(repoDir string) string {
	return slugify(filepath.Base(strings.TrimRight(repoDir, string(filepath.Separator))))
}

func (m *Manager) repoRoot(repoDir string) string {
	return filepath.Join(m.Root, repoSlug(repoDir))
}

// List returns every worktree under repoDir's worktree root, marking
// the one matching currentWorkdir as in use.
func (m *Manager) List(ctx context.Context, repoDir, currentWorkdir string) ([]Entry, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	raw, err := gitutil.ListWorktrees(ctx, repoDir)
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}
	root := m.repoRoot(repoDir)
	var entries []Entry
	for _, w := range raw {
		if !strings.HasPrefix(w.Path, root) {
			continue // the primary checkout itself, not a managed worktree.
		}
		entries = append(entries, Entry{
			Name:   filepath.Base(w.Path),
			Path:   w.Path,
			Branch: strings.TrimPrefix(w.Branch, "refs/heads/"),
			Head:   w.Head,
			InUse:  w.Path == currentWorkdir,
		})
	}
	return entries, nil
}

// New creates a worktree named name under repoDir's worktree root, on a
// new branch started from repoDir's current HEAD, and returns its path.
// A non-empty fromRef does not change the starting point; it only names
// the branch "<fromRef>-<name>" instead of "<name>".
func (m *Manager) New(ctx context.Context, repoDir, name, fromRef string) (string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	name = slugify(name)
	if name == "" {
		return "", fmt.Errorf("worktree: name required")
	}
	path := filepath.Join(m.repoRoot(repoDir), name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("worktree: %s already exists", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	branch := name
	if fromRef != "" {
		branch = fromRef + "-" + name
	}
	if err := gitutil.AddWorktree(ctx, repoDir, path, branch); err != nil {
		return "", fmt.Errorf("worktree new: %w", err)
	}
	return path, nil
}

// Use resolves name to its worktree path, for the caller to bind as the
// session's new workdir (spec.md §6: `/worktree use <n>`).
func (m *Manager) Use(ctx context.Context, repoDir, currentWorkdir, name string) (string, error) {
	entries, err := m.List(ctx, repoDir, currentWorkdir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Path, nil
		}
	}
	return "", fmt.Errorf("worktree: %q not found", name)
}

// Remove removes the named worktree. force allows removal despite
// local modifications (spec.md §6: `/worktree rm <n> [--force]`).
func (m *Manager) Remove(ctx context.Context, repoDir, name string, force bool) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	path := filepath.Join(m.repoRoot(repoDir), slugify(name))
	if err := gitutil.RemoveWorktree(ctx, repoDir, path, force); err != nil {
		return fmt.Errorf("worktree rm: %w", err)
	}
	return nil
}

// Prune removes stale worktree administrative files (spec.md §6:
// `/worktree prune`).
func (m *Manager) Prune(ctx context.Context, repoDir string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := gitutil.PruneWorktrees(ctx, repoDir); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}
