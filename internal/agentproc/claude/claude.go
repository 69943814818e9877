// Package claude implements agentproc.Backend by spawning
// `claude -p --output-format stream-json --verbose` as a one-shot
// child process (spec §4.C, §6).
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

// peekModel extracts the model name from a system/init line, if line is
// one; any other shape returns "" with no error.
func peekModel(line []byte) (string, error) {
	var probe struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Model   string `json:"model"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", err
	}
	if probe.Type == TypeSystem && probe.Subtype == "init" {
		return probe.Model, nil
	}
	return "", nil
}

// Backend implements agentproc.Backend for the Claude Code CLI.
type Backend struct {
	BinPath string
}

var _ agentproc.Backend = (*Backend)(nil)

func (b *Backend) Provider() agentproc.Provider { return agentproc.ProviderClaude }

func (b *Backend) bin() string {
	if b.BinPath != "" {
		return b.BinPath
	}
	return "claude"
}

// buildArgs constructs argv per spec §6: stream-json plus --verbose to
// receive tool-use/result and thinking events; allowed tools are one
// comma-joined token; the prompt follows "--" so it can't be absorbed
// by a preceding variadic flag.
func buildArgs(prompt string, opts agentproc.Options) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if !opts.Ephemeral && opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = append(args, "--", prompt)
	return args
}

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

// Run spawns the claude CLI, tees stdout through onEvent, and
// reconciles the final text against the last assistant message (spec
// §4.C divergence rule).
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
	if opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return agentproc.Result{}, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr := agentproc.NewStderrCollector(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return agentproc.Result{}, fmt.Errorf("claude: start: %w", err)
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	var (
		sessionID      string
		lastAssistant  string
		finalResult    string
		haveFinalResult bool
		sawNonInit     bool
		onlyInit       = true
		model          string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		events, parseErr := ParseLine(line)
		if parseErr != nil {
			onEvent(agentproc.Event{Kind: agentproc.KindRaw, Raw: append([]byte(nil), line...)})
			continue
		}
		for _, ev := range events {
			if ev.Kind != "thread_started" && ev.Kind != agentproc.KindRaw {
				onlyInit = false
				sawNonInit = true
			}
			if ev.SessionID != "" {
				sessionID = ev.SessionID
			}
			if ev.Kind == "assistant_text" && ev.Text != "" {
				lastAssistant = ev.Text
			}
			if ev.Kind == "turn_completed" {
				finalResult = ev.Text
				haveFinalResult = true
			}
			onEvent(ev)
		}
		if rec, err := peekModel(line); err == nil && rec != "" {
			model = rec
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(waitErr)
	tail := stderr.Tail()

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		killProcessGroup(cmd)
		return agentproc.Result{}, relayerr.New(relayerr.KindTimeout, "claude: timed out").WithDetail("tail", tail)
	}

	if waitErr != nil {
		if agentproc.IsStaleSession(agentproc.ProviderClaude, tail) {
			return agentproc.Result{}, relayerr.New(relayerr.KindStaleSession, "claude: session could not be resumed").WithDetail("sessionId", opts.ResumeSessionID)
		}
		if agentproc.IsClaudeQuotaExhausted(tail) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTransient, "claude: heavy model quota exhausted").
				WithDetail("model", opts.Model).WithDetail("quotaExhausted", true)
		}
		if agentproc.IsClaudeInitExitTransient(exitCode, onlyInit && !sawNonInit) {
			return agentproc.Result{}, relayerr.New(relayerr.KindTransient, "claude: bogus init-only exit")
		}
		msg := fmt.Sprintf("claude exited %d", exitCode)
		if tail != "" {
			msg = fmt.Sprintf("claude exited %d: %s", exitCode, tail)
		}
		return agentproc.Result{}, relayerr.Wrap(relayerr.KindTransport, msg, waitErr)
	}
	if scanErr != nil {
		return agentproc.Result{}, fmt.Errorf("claude: reading stdout: %w", scanErr)
	}

	text, diverged := reconcile(finalResult, haveFinalResult, lastAssistant)
	return agentproc.Result{SessionID: sessionID, Text: text, Model: model, TextDiverged: diverged}, nil
}

// reconcile implements spec §4.C: "if the parsed final-result text and
// the last-assistant text both exist and diverge, prefer the longer,
// and emit a divergence telemetry record."
func reconcile(finalResult string, haveFinal bool, lastAssistant string) (text string, diverged bool) {
	if !haveFinal {
		return lastAssistant, false
	}
	if lastAssistant == "" {
		return finalResult, false
	}
	if finalResult == lastAssistant {
		return finalResult, false
	}
	if len(lastAssistant) > len(finalResult) {
		return lastAssistant, true
	}
	return finalResult, true
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
