package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSessionLazyCreate(t *testing.T) {
	doc := NewDocument()
	s := doc.Session("dm:123")
	if s.ConvKey != "dm:123" {
		t.Errorf("got ConvKey %q, want dm:123", s.ConvKey)
	}
	s2 := doc.Session("dm:123")
	if s2 != s {
		t.Error("Session should return the same pointer for the same key")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = st.Mutate(func(doc *Document) {
		s := doc.Session("dm:1")
		s.Workdir = "/repo"
		s.Tasks = append(s.Tasks, &Task{ID: s.NextTaskID(), Prompt: "do thing", Status: TaskPending, CreatedAt: time.Now().UTC()})
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	var gotWorkdir string
	var gotTasks int
	reopened.View(func(doc *Document) {
		s := doc.Sessions["dm:1"]
		if s == nil {
			t.Fatal("session dm:1 missing after reload")
		}
		gotWorkdir = s.Workdir
		gotTasks = len(s.Tasks)
	})
	if gotWorkdir != "/repo" {
		t.Errorf("got Workdir %q, want /repo", gotWorkdir)
	}
	if gotTasks != 1 {
		t.Errorf("got %d tasks, want 1", gotTasks)
	}
}

func TestNormalizeDemotesRunningTask(t *testing.T) {
	doc := NewDocument()
	s := doc.Session("dm:1")
	s.Tasks = append(s.Tasks, &Task{ID: "t-0001", Status: TaskRunning})
	s.Run = AgentRun{Status: AgentRunRunning, Provider: "codex"}

	normalize(doc)

	if s.Tasks[0].Status != TaskPending {
		t.Errorf("got status %q, want pending", s.Tasks[0].Status)
	}
	if s.Tasks[0].LastError == "" {
		t.Error("expected interrupted-by-restart error on demoted task")
	}
	if s.Run.Status != AgentRunNone {
		t.Errorf("got run status %q, want none", s.Run.Status)
	}
	if len(doc.PostRestartNotices) != 1 {
		t.Fatalf("got %d notices, want 1", len(doc.PostRestartNotices))
	}
	if doc.PostRestartNotices[0].ConvKey != "dm:1" {
		t.Errorf("got notice convKey %q, want dm:1", doc.PostRestartNotices[0].ConvKey)
	}
}

func TestValidSessionID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"T-new_1.2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../../etc/passwd", false},
		{"has/slash", false},
	}
	for _, c := range cases {
		if got := ValidSessionID(c.id); got != c.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestLoadMissingFileYieldsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	doc, err := loadDocument(filepath.Join(dir, "nope.json"))
	if err != nil {
		t.Fatalf("loadDocument: %v", err)
	}
	if len(doc.Sessions) != 0 {
		t.Errorf("expected empty sessions, got %d", len(doc.Sessions))
	}
}

func TestLoadCorruptFileYieldsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := loadDocument(path)
	if err != nil {
		t.Fatalf("loadDocument: %v", err)
	}
	if len(doc.Sessions) != 0 {
		t.Errorf("expected empty sessions for corrupt file, got %d", len(doc.Sessions))
	}
}
