// Package job implements the background job subsystem (spec §4.H/§4.I):
// detached shell jobs spawned in their own process group, persisted to
// disk so they survive relay restarts, and watched by a ticker that
// tails logs, enforces artifact/supervisor gates, and detects stalls.
package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/maruel/relaybridge/internal/state"
)

// StartRequest is the input to Start (spec §4.H:
// "startJob({conversationKey, command, workdir, description})").
type StartRequest struct {
	ConvKey     string
	Command     string
	Workdir     string
	Description string
	Watch       state.WatchConfig
	ChannelID   string
}

// Supervisor allocates job directories and spawns the wrapped-bash
// leader process (spec §4.H).
type Supervisor struct {
	StateDir string // root; jobs live under StateDir/jobs/<convSlug>/<jobId>/.
	Now      func() time.Time
}

// NewSupervisor returns a Supervisor rooted at stateDir.
func NewSupervisor(stateDir string) *Supervisor {
	return &Supervisor{StateDir: stateDir, Now: func() time.Time { return time.Now().UTC() }}
}

// wrapperScript is the inlined bash wrapper (spec §4.H): writes its own
// PID, cds to workdir, redirects both streams to job.log, traps
// SIGTERM/SIGINT to record a signal-derived exit code, then runs the
// user's command as a `bash -lc` child and records its exit code. The wrapper does not enable job
// control (no `set -m`): that would fork the `bash -lc` child into a
// new process group of its own, splitting it off from the group
// `Setpgid: true` already puts the wrapper in at exec time (see Start),
// so Stop's `syscall.Kill(-pid, ...)` would only ever reach the
// wrapper shell and never the command it spawned.
const wrapperScript = `#!/bin/bash
echo $$ > %q
cd %q || exit 97
exec >> %q 2>&1
trap 'echo $((128+15)) > %q; exit 0' TERM
trap 'echo $((128+2)) > %q; exit 0' INT
bash -lc %q
code=$?
echo "$code" > %q
exit "$code"
`

// Start allocates a job directory, writes the wrapper script, and
// spawns it detached (spec §4.H).
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*state.Job, error) {
	now := s.Now()
	id := state.NewJobID(now)
	convSlug := SlugConvKey(req.ConvKey)
	jobDir := filepath.Join(s.StateDir, "jobs", convSlug, id)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return nil, fmt.Errorf("job: create job dir: %w", err)
	}

	logPath := filepath.Join(jobDir, "job.log")
	exitCodePath := filepath.Join(jobDir, "exit_code")
	pidPath := filepath.Join(jobDir, "pid")
	cmdPath := filepath.Join(jobDir, "command.txt")

	if err := os.WriteFile(cmdPath, []byte(req.Command+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("job: write command.txt: %w", err)
	}

	script := fmt.Sprintf(wrapperScript, pidPath, req.Workdir, logPath, exitCodePath, exitCodePath, req.Command, exitCodePath)

	cmd := exec.CommandContext(context.Background(), "bash", "-c", script) //nolint:gosec // script is templated from typed fields, not raw chat text.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("job: spawn: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the parent does not wait on the child; reap it
	// asynchronously so it never becomes a zombie once it exits.
	go func() { _, _ = cmd.Process.Wait() }()

	j := &state.Job{
		ID:          id,
		Command:     req.Command,
		Description: req.Description,
		Workdir:     req.Workdir,
		Status:      state.JobRunning,
		StartedAt:   now,
		PID:         pid,
		JobDir:      jobDir,
		LogPath:     logPath,
		ExitCodePath: exitCodePath,
		PIDPath:     pidPath,
		Watch:       req.Watch,
		ChannelID:   req.ChannelID,
	}
	j.AddLifecycle("running", "spawned", "")
	return j, nil
}

// Stop kills the job's process group with SIGTERM (spec §4.H: "kill the
// process group (negative pid) with SIGTERM; the wrapper's trap writes
// the exit code").
func (s *Supervisor) Stop(j *state.Job) error {
	if j.PID == 0 {
		return fmt.Errorf("job %s: no recorded pid", j.ID)
	}
	if err := syscall.Kill(-j.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("job %s: signal process group: %w", j.ID, err)
	}
	return nil
}

// ReadExitCode reads the job's exit_code file, if present.
func ReadExitCode(j *state.Job) (int, bool, error) {
	data, err := os.ReadFile(j.ExitCodePath) //nolint:gosec // path is relay-controlled, not user input.
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("job %s: parse exit_code: %w", j.ID, err)
	}
	return code, true, nil
}

// TailLog returns up to n lines (and no more than maxBytes) from the
// end of the job's log. Transparently decompresses logs archiveLog
// already recompressed (spec §4.I): those are read rarely and in full
// rather than seeked into, since their size is bounded by what was
// worth archiving in the first place.
func TailLog(j *state.Job, n, maxBytes int) (string, error) {
	switch {
	case strings.HasSuffix(j.LogPath, ".gz"):
		return tailCompressed(j.LogPath, n, maxBytes, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(j.LogPath, ".br"):
		return tailCompressed(j.LogPath, n, maxBytes, func(r io.Reader) (io.Reader, error) {
			return brotli.NewReader(r), nil
		})
	}

	f, err := os.Open(j.LogPath) //nolint:gosec // path is relay-controlled.
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	readFrom := int64(0)
	if maxBytes > 0 && size > int64(maxBytes) {
		readFrom = size - int64(maxBytes)
	}
	if _, err := f.Seek(readFrom, 0); err != nil {
		return "", err
	}
	buf := make([]byte, size-readFrom)
	if _, err := f.Read(buf); err != nil {
		return "", err
	}
	return tailLines(string(buf), n), nil
}

func tailCompressed(path string, n, maxBytes int, newReader func(io.Reader) (io.Reader, error)) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is relay-controlled.
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	r, err := newReader(f)
	if err != nil {
		return "", fmt.Errorf("job: open archived log %s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("job: decompress %s: %w", path, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	return tailLines(string(data), n), nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// SlugConvKey turns a conversation key into a filesystem-safe directory
// name (spec §6 on-disk layout: "<sanitized-conv-key>").
func SlugConvKey(convKey string) string {
	var b strings.Builder
	for _, r := range convKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	return out
}
