package gitutil

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
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func TestIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(context.Background(), dir) {
		t.Error("IsRepo = false, want true")
	}
	if IsRepo(context.Background(), t.TempDir()) {
		t.Error("IsRepo = true for non-repo dir, want false")
	}
}

func TestAutoCommitNoChangesReturnsFalse(t *testing.T) {
	dir := initTestRepo(t)
	committed, err := AutoCommit(context.Background(), dir, "nothing to do")
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Error("AutoCommit = true with no staged changes, want false")
	}
}

func TestAutoCommitStagesAndCommits(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("content\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	committed, err := AutoCommit(context.Background(), dir, "t-0001: add new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("AutoCommit = false, want true")
	}

	out, err := run(context.Background(), dir, "log", "-1", "--pretty=%s")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out); got != "t-0001: add new.txt" {
		t.Errorf("commit subject = %q, want %q", got, "t-0001: add new.txt")
	}

	// Second call has nothing new to commit.
	committed, err = AutoCommit(context.Background(), dir, "again")
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Error("AutoCommit = true on unchanged tree, want false")
	}
}

func TestParseDiffNumstat(t *testing.T) {
	stat := ParseDiffNumstat("3\t1\tfoo.go\n-\t-\timg.png\n")
	if len(stat) != 2 {
		t.Fatalf("len(stat) = %d, want 2", len(stat))
	}
	if stat[0] != (FileStat{Path: "foo.go", Added: 3, Deleted: 1}) {
		t.Errorf("stat[0] = %+v", stat[0])
	}
	if !stat[1].Binary || stat[1].Path != "img.png" {
		t.Errorf("stat[1] = %+v, want binary img.png", stat[1])
	}
	if got := ParseDiffNumstat("  \n"); got != nil {
		t.Errorf("ParseDiffNumstat(blank) = %+v, want nil", got)
	}
}

func TestStagedDiffStatSummary(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	stat, err := StagedDiffStat(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := stat.Summary(), "+3 -0 across 1 file(s)"; got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	if got, want := DiffStat(nil).Summary(), "no changes"; got != want {
		t.Errorf("Summary(nil) = %q, want %q", got, want)
	}
}

func TestCurrentBranch(t *testing.T) {
	dir := initTestRepo(t)
	branch, err := CurrentBranch(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if branch == "" {
		t.Error("CurrentBranch = \"\", want a branch name")
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "feature-wt")

	if err := AddWorktree(ctx, dir, wtPath, "feature"); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	entries, err := ListWorktrees(ctx, dir)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Clean(e.Path) == filepath.Clean(wtPath) {
			found = true
		}
	}
	if !found {
		t.Errorf("worktree %q not found in %+v", wtPath, entries)
	}

	if err := RemoveWorktree(ctx, dir, wtPath, false); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if err := PruneWorktrees(ctx, dir); err != nil {
		t.Fatalf("PruneWorktrees: %v", err)
	}
}

func TestPushToUpstream(t *testing.T) {
	ctx := context.Background()
	bare := t.TempDir()
	runGit(t, bare, "init", "--bare")

	dir := initTestRepo(t)
	runGit(t, dir, "remote", "add", "origin", bare)
	branch, err := CurrentBranch(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "push", "-u", "origin", branch)

	if err := os.WriteFile(filepath.Join(dir, "pushed.txt"), []byte("x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := AutoCommit(ctx, dir, "add pushed.txt"); err != nil {
		t.Fatal(err)
	}
	if err := Push(ctx, dir); err != nil {
		t.Fatalf("Push: %v", err)
	}

	clone := t.TempDir()
	runGit(t, "", "clone", bare, clone)
	if _, err := os.Stat(filepath.Join(clone, "pushed.txt")); err != nil {
		t.Errorf("pushed.txt missing from clone after Push: %v", err)
	}
}
