package runner

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/relaybridge/internal/config"
)

func TestIngestAttachmentsEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	out, err := IngestAttachments(&config.Config{}, dir, nil)
	if err != nil || out != "" {
		t.Fatalf("IngestAttachments(nil) = %q, %v", out, err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("expected no directories created for an empty attachment list")
	}
}

func TestIngestAttachmentsTextInlined(t *testing.T) {
	dir := t.TempDir()
	out, err := IngestAttachments(&config.Config{}, dir, []Attachment{
		{Filename: "notes.txt", Data: []byte("hello world")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[[attachment:notes.txt]]") || !strings.Contains(out, "hello world") {
		t.Errorf("IngestAttachments output = %q", out)
	}
}

func TestIngestAttachmentsBinaryNotInlined(t *testing.T) {
	dir := t.TempDir()
	out, err := IngestAttachments(&config.Config{}, dir, []Attachment{
		{Filename: "blob.bin", Data: []byte{0, 1, 2, 3, 0, 0, 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "binary content, not inlined") {
		t.Errorf("IngestAttachments(binary) = %q, want binary marker", out)
	}
}

func TestIngestAttachmentsSameFilenameAcrossTurnsDoesNotCollide(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	for i := 0; i < 2; i++ {
		if _, err := IngestAttachments(cfg, dir, []Attachment{
			{Filename: "log.txt", Data: []byte{byte('a' + i)}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	var found [][]byte
	attDir := filepath.Join(dir, "attachments")
	turns, err := os.ReadDir(attDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2 distinct per-turn directories", len(turns))
	}
	for _, turn := range turns {
		data, err := os.ReadFile(filepath.Join(attDir, turn.Name(), "log.txt"))
		if err != nil {
			t.Fatal(err)
		}
		found = append(found, data)
	}
	if string(found[0]) == string(found[1]) {
		t.Errorf("both turns' log.txt read back identical content %q, want distinct", found[0])
	}
}

func TestIngestAttachmentsZipExtractsEntries(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("inner.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("zip contents")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := IngestAttachments(&config.Config{}, dir, []Attachment{
		{Filename: "bundle.zip", Data: buf.Bytes()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bundle.zip/inner.txt") || !strings.Contains(out, "zip contents") {
		t.Errorf("IngestAttachments(zip) = %q", out)
	}
}

func TestLooksBinary(t *testing.T) {
	if looksBinary([]byte("plain ascii text\nwith newlines\n")) {
		t.Error("looksBinary(text) = true, want false")
	}
	if !looksBinary([]byte{0, 1, 2, 3}) {
		t.Error("looksBinary(nul-containing) = false, want true")
	}
}

func TestTruncateModeFor(t *testing.T) {
	cases := map[string]string{
		"app.log":    "tail",
		"README.md":  "headtail",
		"change.diff": "headtail",
		"binary.exe": "head",
	}
	for name, want := range cases {
		if got := truncateModeFor(name); got != want {
			t.Errorf("truncateModeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestResolveUploadAllowedAndDenied(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "report.txt"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{WorkdirAllowRoots: []string{workdir}}

	data, name, err := ResolveUpload(workdir, t.TempDir(), cfg, "report.txt")
	if err != nil || string(data) != "data" || name != "report.txt" {
		t.Fatalf("ResolveUpload(allowed) = %q %q %v", data, name, err)
	}

	deniedCfg := &config.Config{}
	if _, _, err := ResolveUpload(workdir, t.TempDir(), deniedCfg, "report.txt"); err == nil {
		t.Error("ResolveUpload with no allow roots = nil error, want denial")
	}
}
