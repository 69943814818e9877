// Package codex implements agentproc.Backend by spawning `codex exec`
// (or `codex exec resume <sid>`) as a one-shot child process and
// parsing its --json NDJSON stream (spec §4.C, §6).
package codex

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/relayerr"
)

// Backend implements agentproc.Backend for the Codex CLI.
type Backend struct {
	// BinPath overrides the "codex" executable name, for tests.
	BinPath string
}

var _ agentproc.Backend = (*Backend)(nil)

func (b *Backend) Provider() agentproc.Provider { return agentproc.ProviderCodex }

func (b *Backend) bin() string {
	if b.BinPath != "" {
		return b.BinPath
	}
	return "codex"
}

// buildArgs constructs the `codex exec` argv per the three documented
// shapes (spec §6): resume, fresh, and ephemeral. Re-attaching requires
// --sandbox before the resume keyword; config overrides become
// `-c key=value`.
func buildArgs(prompt string, opts agentproc.Options) []string {
	var args []string
	args = append(args, "exec")

	if opts.SandboxMode != "" {
		args = append(args, "--sandbox", opts.SandboxMode)
	}

	switch {
	case opts.Ephemeral:
		// shared flags + --ephemeral --json <prompt>, no --cd/resume.
	case opts.ResumeSessionID != "":
		args = append(args, "resume", opts.ResumeSessionID)
	default:
		if opts.Workdir != "" {
			args = append(args, "--cd", opts.Workdir)
		}
	}

	if opts.SkipGitRepoCheck {
		args = append(args, "--skip-git-repo-check")
	}
	for k, v := range opts.ConfigOverrides {
		args = append(args, "-c", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Ephemeral {
		args = append(args, "--ephemeral")
	}
	args = append(args, "--json", prompt)
	return args
}

// childEnv strips CLAUDECODE* variables (spec §4.C: "prevents nested CLI
// sessions from inheriting wrong credentials") and appends ExtraEnv.
func childEnv(extra []string) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if strings.HasPrefix(kv, "CLAUDECODE") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, extra...)
}

// Run spawns `codex exec`, tees stdout through onEvent, and returns the
// text of the last agent message as the final text (spec §4.C).
func (b *Backend) Run(ctx context.Context, prompt string, opts agentproc.Options, onEvent func(agentproc.Event)) (agentproc.Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := buildArgs(prompt, opts)
	cmd := exec.CommandContext(runCtx, b.bin(), args...) //nolint:gosec // argv built from typed Options, not raw user text.
	cmd.Env = childEnv(opts.ExtraEnv)
	if !opts.Ephemeral && opts.ResumeSessionID == "" && opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return agentproc.Result{}, fmt.Errorf("codex: stdout pipe: %w", err)
	}
	stderr := agentproc.NewStderrCollector(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return agentproc.Result{}, fmt.Errorf("codex: start: %w", err)
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	var (
		sessionID    string
		lastAssistant string
		sawAnyEvent  bool
		sawError     string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, parseErr := ParseLine(line)
		if parseErr != nil {
			onEvent(agentproc.Event{Kind: agentproc.KindRaw, Raw: append([]byte(nil), line...)})
			continue
		}
		sawAnyEvent = true
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		if ev.Kind == "assistant_text" && ev.Text != "" {
			lastAssistant = ev.Text
		}
		if ev.Kind == "error" || ev.Kind == "turn_failed" {
			sawError = ev.Text
		}
		onEvent(ev)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(waitErr)
	tail := stderr.Tail()

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		killProcessGroup(cmd)
		return agentproc.Result{}, relayerr.New(relayerr.KindTimeout, "codex: timed out").WithDetail("tail", tail)
	}

	if waitErr != nil {
		if agentproc.IsStaleSession(agentproc.ProviderCodex, tail) || agentproc.IsStaleSession(agentproc.ProviderCodex, sawError) {
			return agentproc.Result{}, relayerr.New(relayerr.KindStaleSession, "codex: session could not be resumed").WithDetail("sessionId", opts.ResumeSessionID)
		}
		if agentproc.IsCodexTransient(exitCode, sawAnyEvent, tail) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTransient, "codex: transient runtime error").WithDetail("tail", tail).WithDetail("exitCode", exitCode)
		}
		msg := fmt.Sprintf("codex exec exited %d", exitCode)
		if tail != "" {
			msg = fmt.Sprintf("codex exec exited %d: %s", exitCode, tail)
		}
		return agentproc.Result{}, relayerr.Wrap(relayerr.KindTransport, msg, waitErr)
	}
	if scanErr != nil {
		return agentproc.Result{}, fmt.Errorf("codex: reading stdout: %w", scanErr)
	}

	return agentproc.Result{
		SessionID: sessionID,
		Text:      lastAssistant,
	}, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup implements the timeout escalation (spec §4.C):
// SIGTERM the leader, SIGKILL after 5s if still alive.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
