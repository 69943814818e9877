package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "config", "user.email", "test@test.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...) //nolint:gosec // test helper with controlled args.
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func TestNewAddsAndListsWorktree(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())

	path, err := m.New(context.Background(), repo, "feature-a", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}

	entries, err := m.List(context.Background(), repo, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "feature-a" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Path != path {
		t.Errorf("entry path = %s, want %s", entries[0].Path, path)
	}
}

func TestNewRejectsDuplicateName(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())
	if _, err := m.New(context.Background(), repo, "dup", ""); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := m.New(context.Background(), repo, "dup", ""); err == nil {
		t.Fatal("expected second New with the same name to fail")
	}
}

func TestUseResolvesPathAndMarksInUse(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())
	path, err := m.New(context.Background(), repo, "feature-b", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := m.Use(context.Background(), repo, "", "feature-b")
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if got != path {
		t.Errorf("Use = %s, want %s", got, path)
	}

	entries, err := m.List(context.Background(), repo, path)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !entries[0].InUse {
		t.Error("entry not marked InUse after matching currentWorkdir")
	}
}

func TestUseUnknownNameErrors(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())
	if _, err := m.Use(context.Background(), repo, "", "nope"); err == nil {
		t.Fatal("expected Use of an unknown worktree to fail")
	}
}

func TestRemoveDeletesWorktree(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())
	path, err := m.New(context.Background(), repo, "feature-c", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Remove(context.Background(), repo, "feature-c", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("worktree dir still present after Remove")
	}
	entries, err := m.List(context.Background(), repo, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after Remove = %+v, want none", entries)
	}
}

func TestPruneSucceedsOnCleanRepo(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(t.TempDir())
	if err := m.Prune(context.Background(), repo); err != nil {
		t.Fatalf("Prune: %v", err)
	}
}
