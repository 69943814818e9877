package runner

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/maruel/relaybridge/internal/config"
)

// maxZipEntryBytes bounds any single extracted zip entry (spec §4.M:
// "per-entry size cap").
const maxZipEntryBytes = 2 * 1024 * 1024

// perAttachmentCharBudget bounds how much of one attachment's text is
// appended to the prompt (spec §4.F.3).
const perAttachmentCharBudget = 8000

// extTruncateMode maps a file extension to its truncation heuristic
// (spec §4.F.3: "by filename extension heuristic").
var extTruncateMode = map[string]string{
	".log":  "tail",
	".out":  "tail",
	".err":  "tail",
	".md":   "headtail",
	".txt":  "headtail",
	".diff": "headtail",
	".patch": "headtail",
}

func truncateModeFor(name string) string {
	if m, ok := extTruncateMode[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "head"
}

// IngestAttachments writes each attachment under uploadDir/attachments/,
// rejects binary-looking content by byte sampling, optionally extracts
// .zip archives entry-by-entry, and returns the tagged text block to
// append to the prompt (spec §4.F.3, §4.M).
func IngestAttachments(cfg *config.Config, uploadDir string, atts []Attachment) (string, error) {
	if len(atts) == 0 {
		return "", nil
	}
	dir := filepath.Join(uploadDir, "attachments")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("ingest: create attachment dir: %w", err)
	}

	// Every call to IngestAttachments is one turn's worth of attachments;
	// giving the whole batch one subdirectory means same-named
	// attachments across turns in one conversation never overwrite each
	// other, while attachments from the same turn stay grouped together.
	turnDir := filepath.Join(dir, uuid.NewString())
	if err := os.MkdirAll(turnDir, 0o750); err != nil {
		return "", fmt.Errorf("ingest: create attachment turn dir: %w", err)
	}

	var b strings.Builder
	for _, a := range atts {
		dest := filepath.Join(turnDir, filepath.Base(a.Filename))
		if err := os.WriteFile(dest, a.Data, 0o640); err != nil { //nolint:gosec // filename is basename-sanitized above.
			return "", fmt.Errorf("ingest: write %q: %w", a.Filename, err)
		}

		if strings.EqualFold(filepath.Ext(a.Filename), ".zip") {
			appendZipEntries(&b, a.Filename, a.Data)
			continue
		}

		if looksBinary(a.Data) {
			fmt.Fprintf(&b, "\n[[attachment:%s]]\n(binary content, not inlined)\n[[/attachment]]\n", a.Filename)
			continue
		}
		text := truncate(string(a.Data), truncateModeFor(a.Filename), perAttachmentCharBudget)
		fmt.Fprintf(&b, "\n[[attachment:%s]]\n%s\n[[/attachment]]\n", a.Filename, text)
	}
	return strings.TrimSpace(b.String()), nil
}

// looksBinary implements the byte-sampling gate (spec §4.M: "Binary
// sniffing rejects files with >30% control-byte density").
func looksBinary(data []byte) bool {
	sample := data
	const maxSample = 8192
	if len(sample) > maxSample {
		sample = sample[:maxSample]
	}
	if len(sample) == 0 {
		return false
	}
	control := 0
	for _, c := range sample {
		if c == 0 {
			return true
		}
		if c < 0x09 || (c > 0x0d && c < 0x20) {
			control++
		}
	}
	return float64(control)/float64(len(sample)) > 0.30
}

// appendZipEntries extracts each entry of a zip archive (capped per
// entry) and appends its truncated, binary-gated text.
func appendZipEntries(b *strings.Builder, archiveName string, data []byte) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		fmt.Fprintf(b, "\n[[attachment:%s]]\n(zip could not be read: %v)\n[[/attachment]]\n", archiveName, err)
		return
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		buf, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes+1))
		rc.Close()
		if err != nil {
			continue
		}
		truncatedBySize := len(buf) > maxZipEntryBytes
		if truncatedBySize {
			buf = buf[:maxZipEntryBytes]
		}
		name := archiveName + "/" + f.Name
		if looksBinary(buf) {
			fmt.Fprintf(b, "\n[[attachment:%s]]\n(binary content, not inlined)\n[[/attachment]]\n", name)
			continue
		}
		text := truncate(string(buf), truncateModeFor(f.Name), perAttachmentCharBudget)
		fmt.Fprintf(b, "\n[[attachment:%s]]\n%s\n[[/attachment]]\n", name, text)
	}
}

// ResolveUpload resolves an `[[upload:path]]` marker against workdir,
// then uploadDir, rejecting anything outside the configured allow roots
// (spec §4.F.8: "never outside the allow list").
func ResolveUpload(workdir, uploadDir string, cfg *config.Config, marker string) ([]byte, string, error) {
	candidates := []string{marker}
	if !filepath.IsAbs(marker) {
		candidates = []string{filepath.Join(workdir, marker), filepath.Join(uploadDir, marker)}
	}
	for _, p := range candidates {
		if !cfg.IsWorkdirAllowed(filepath.Dir(p)) && !cfg.IsUploadPathAllowed(p) {
			continue
		}
		data, err := os.ReadFile(p) //nolint:gosec // path validated against allow roots above.
		if err == nil {
			return data, filepath.Base(p), nil
		}
	}
	return nil, "", fmt.Errorf("upload path %q not found under an allowed root", marker)
}
