package job

import (
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/maruel/relaybridge/internal/state"
)

// archiveLog recompresses a finalized job's log once it's past
// minBytes (spec §4.I: logs stop growing once a job is terminal, so
// this runs exactly once, not on every tick). Research jobs get
// brotli's better ratio since they're archived for occasional re-read,
// not streamed; everything else gets gzip. j.LogPath is left pointing
// at the new file, suffixed .gz or .br, and the plain file is removed.
func archiveLog(j *state.Job, minBytes int64) error {
	info, err := os.Stat(j.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("job: stat log: %w", err)
	}
	if info.Size() < minBytes {
		return nil
	}

	ext := ".gz"
	if j.Research != nil {
		ext = ".br"
	}
	dstPath := j.LogPath + ext

	src, err := os.Open(j.LogPath) //nolint:gosec // path is relay-controlled.
	if err != nil {
		return fmt.Errorf("job: open log: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec // path is relay-controlled.
	if err != nil {
		return fmt.Errorf("job: create archive: %w", err)
	}

	var w io.WriteCloser
	if ext == ".gz" {
		w = gzip.NewWriter(dst)
	} else {
		w = brotli.NewWriter(dst)
	}
	if _, copyErr := io.Copy(w, src); copyErr != nil {
		w.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("job: compress log: %w", copyErr)
	}
	if err := w.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("job: finalize archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("job: close archive: %w", err)
	}
	src.Close()
	if err := os.Remove(j.LogPath); err != nil {
		return fmt.Errorf("job: remove plain log: %w", err)
	}
	j.LogPath = dstPath
	return nil
}
