// Package runner implements the agent runner (spec §4.F): the per-request
// orchestration that posts a status message, ingests attachments, applies
// context bootstrap, invokes the child-process supervisor through the
// per-conversation queue's retry ladder, extracts relay actions and upload
// markers from the reply, and persists the resulting session state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/pcqueue"
	"github.com/maruel/relaybridge/internal/progress"
	"github.com/maruel/relaybridge/internal/relayerr"
	"github.com/maruel/relaybridge/internal/state"
)

// ChatClient is the narrow chat-transport surface the runner needs; a
// real adapter wraps discordgo (internal/chat), tests use a fake.
type ChatClient interface {
	PostMessage(ctx context.Context, channelID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, text string) error
	SendFile(ctx context.Context, channelID, filename string, data []byte) error
}

// ActionDispatcher hands extracted relay-action blocks off to 4.K;
// nil-safe so runner works standalone before that package is wired.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, convKey, channelID string, rawBlocks []string) []string // returns human-readable summaries/errors.
}

// Attachment is a Discord-supplied file already downloaded by the thin
// ingest collaborator (spec §4.M); the runner only truncates/appends it.
type Attachment struct {
	Filename string
	Data     []byte
}

// Request is one user turn to run through the agent.
type Request struct {
	ConvKey   string
	ChannelID string
	Prompt    string

	Provider    agentproc.Provider
	Model       string
	SandboxMode string

	Attachments []Attachment

	// UploadDir is where ingested attachment bytes are written (spec
	// §4.F.3); Workdir is the agent's cwd.
	UploadDir string
	Workdir   string
}

// RunTracker records the active child's process-group leader pid and
// its live progress snapshot ring for a conversation, so the
// priority-question interrupt (spec §4.J) can find the pid to
// SIGSTOP/SIGCONT and read recent progress as snapshot context, without
// the runner and interrupt packages needing to know about each other's
// internals; implemented by internal/interrupt.Registry.
type RunTracker interface {
	SetActive(convKey string, pid int, ring *progress.SnapshotRing)
	Clear(convKey string)
}

// Runner wires together the components an agent turn needs.
type Runner struct {
	Cfg     *config.Config
	Store   *state.Store
	Queue   *pcqueue.Queue
	Chat    ChatClient
	Backend func(agentproc.Provider) agentproc.Backend // resolves a Backend per provider.
	Actions ActionDispatcher                           // may be nil.
	Tracker RunTracker                                 // may be nil.

	BootstrapVersion int // current target version for context injection.

	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// sessionSnapshot is the subset of Session state runOnce needs, copied
// out from under the Store's lock so it can be used across the
// (possibly long-running) backend invocation.
type sessionSnapshot struct {
	sessionID    string
	bootstrapVer int
	workdir      string
}

// Run executes spec §4.F steps 1-10 for one request. It returns the
// cleaned final reply text (after relay-action/upload markers are
// stripped but before chat chunking) so callers like the task runner
// (§4.G) can interpret out-of-band markers the chat reply still
// carries, such as [[task:done]]/[[task:blocked]].
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	var snap sessionSnapshot
	_ = r.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(req.ConvKey)
		if sess.Workdir == "" {
			sess.Workdir = req.Workdir
		}
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = r.now()
		}
		snap = sessionSnapshot{sessionID: sess.SessionID, bootstrapVer: sess.BootstrapVer, workdir: sess.Workdir}
	})

	// Step 1: post the "Running..." message and set AgentRun=queued.
	statusMsg, err := r.Chat.PostMessage(ctx, req.ChannelID, renderRunningStatus(req.Provider, "queued"))
	if err != nil {
		return "", fmt.Errorf("runner: post status message: %w", err)
	}
	queuedAt := r.now()
	_ = r.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(req.ConvKey)
		sess.Run = state.AgentRun{
			Status:           state.AgentRunQueued,
			Provider:         string(req.Provider),
			QueuedAt:         queuedAt,
			PendingMessageID: statusMsg,
			ChannelID:        req.ChannelID,
		}
	})
	r.Queue.SetRunState(req.ConvKey, string(state.AgentRunQueued))

	editor := &statusEditor{chat: r.Chat, channelID: req.ChannelID, messageID: statusMsg}
	ring := progress.NewSnapshotRing(r.Cfg.ProgressMaxLines * 3)
	rep := progress.New(editor, progress.Options{
		MinEditInterval: r.Cfg.MinEditInterval,
		HeartbeatEvery:  r.Cfg.HeartbeatInterval,
		EditTimeout:     r.Cfg.EditTimeout,
		StallWarnAfter:  r.Cfg.StallWarnAfter,
		MaxVisibleLines: r.Cfg.ProgressMaxLines,
	}, ring.OnNote)

	// Step 2: enqueue on the PCQ.
	epoch := r.Queue.CurrentEpoch(req.ConvKey)
	type outcome struct {
		reply *reply
		err   error
	}
	outCh := make(chan outcome, 1)
	done := r.Queue.Submit(ctx, req.ConvKey, epoch, func(taskCtx context.Context) {
		_ = r.Store.Mutate(func(doc *state.Document) {
			sess := doc.Session(req.ConvKey)
			sess.Run.Status = state.AgentRunRunning
			sess.Run.StartedAt = r.now()
		})
		r.Queue.SetRunState(req.ConvKey, string(state.AgentRunRunning))
		res, err := r.runOnce(taskCtx, req, snap, rep, ring)
		outCh <- outcome{reply: res, err: err}
	}, func() {
		outCh <- outcome{err: relayerr.New(relayerr.KindTransient, "preempted before running")}
	})
	<-done
	// Stop the reporter before writing the final reply so its background
	// loop can't race a late progress edit over the final content.
	rep.Stop()

	var out outcome
	select {
	case out = <-outCh:
	default:
	}

	var finalText string
	if out.err != nil {
		r.postError(ctx, req, editor, out.err, r.now().Sub(queuedAt))
	} else if out.reply != nil {
		finalText = strings.Join(out.reply.chunks, "\n")
		r.postReply(ctx, req, snap.workdir, editor, out.reply)
	}

	r.Queue.SetRunState(req.ConvKey, "")
	_ = r.Store.Mutate(func(doc *state.Document) {
		doc.Session(req.ConvKey).Run = state.AgentRun{}
	})
	return finalText, out.err
}

// reply is the assembled, already-extracted final output of one agent
// invocation, ready for chunked posting (spec §4.F.8).
type reply struct {
	chunks      []string
	uploadPaths []string
}

// postReply performs step 8: edits the status message with the first
// chunk, posts any remaining chunks as new messages, and resolves +
// sends upload markers as file attachments.
func (r *Runner) postReply(ctx context.Context, req Request, workdir string, editor *statusEditor, rep *reply) {
	if err := editor.EditStatus(ctx, rep.chunks[0]); err != nil {
		slog.Warn("runner: final status edit failed", "conv", req.ConvKey, "err", err)
	}
	for _, c := range rep.chunks[1:] {
		_, _ = r.Chat.PostMessage(ctx, req.ChannelID, c)
	}
	for _, p := range rep.uploadPaths {
		data, name, rerr := ResolveUpload(workdir, req.UploadDir, r.Cfg, p)
		if rerr != nil {
			slog.Warn("runner: upload rejected", "path", p, "err", rerr)
			continue
		}
		if err := r.Chat.SendFile(ctx, req.ChannelID, name, data); err != nil {
			slog.Warn("runner: send upload failed", "path", p, "err", err)
		}
	}
}

// postError performs step 9: edits the status message with a chunked,
// code-fenced error body (spec §7: "always a chunked, code-fenced error
// body"), then, if StatusSummaryEnabled, posts a trailing "Run status:
// failed (duration…, error…)" summary line (spec §4.F.9).
func (r *Runner) postError(ctx context.Context, req Request, editor *statusEditor, err error, dur time.Duration) {
	msg := err.Error()
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		msg = relayErr.Message
	}
	chunks := chunkForChatFenced(msg)
	if len(chunks) == 0 {
		chunks = []string{fencedCodeBlock("(no error detail)")}
	}
	if ferr := editor.EditStatus(ctx, chunks[0]); ferr != nil {
		slog.Warn("runner: final status edit failed", "conv", req.ConvKey, "err", ferr)
	}
	for _, c := range chunks[1:] {
		_, _ = r.Chat.PostMessage(ctx, req.ChannelID, c)
	}

	if !r.Cfg.StatusSummaryEnabled {
		return
	}
	kind, ok := relayerr.KindOf(err)
	if !ok {
		kind = relayerr.KindTransport
	}
	summary := fmt.Sprintf("Run status: failed (duration %s, error %s)", dur.Round(time.Second), kind)
	if _, serr := r.Chat.PostMessage(ctx, req.ChannelID, summary); serr != nil {
		slog.Warn("runner: status summary post failed", "conv", req.ConvKey, "err", serr)
	}
}

// runOnce performs steps 3-7 for one (possibly retried) invocation and
// assembles the final reply; postReply (under Run) delivers it once the
// progress reporter has stopped.
func (r *Runner) runOnce(ctx context.Context, req Request, snap sessionSnapshot, rep *progress.Reporter, ring *progress.SnapshotRing) (*reply, error) {
	prompt := req.Prompt

	// Step 3: attachment ingest.
	if len(req.Attachments) > 0 {
		appended, err := IngestAttachments(r.Cfg, req.UploadDir, req.Attachments)
		if err != nil {
			rep.Note(fmt.Sprintf("attachment ingest error: %v", err), true, false)
		} else if appended != "" {
			prompt = prompt + "\n\n" + appended
		}
	}

	// Step 4: context bootstrap.
	bumpBootstrap := false
	if snap.bootstrapVer < r.BootstrapVersion {
		block := BuildBootstrapBlock(r.Cfg)
		prompt = block + "\n\n" + prompt
		bumpBootstrap = true
	}

	backend := r.Backend(req.Provider)
	opts := agentproc.Options{
		Workdir:         snap.workdir,
		ResumeSessionID: snap.sessionID,
		Model:           req.Model,
		SandboxMode:     req.SandboxMode,
		Timeout:         r.Cfg.AgentTimeout,
	}
	if r.Tracker != nil {
		opts.OnStart = func(pid int) { r.Tracker.SetActive(req.ConvKey, pid, ring) }
		defer r.Tracker.Clear(req.ConvKey)
	}

	onEvent := func(ev agentproc.Event) {
		note := agentproc.Note(ev, r.Cfg.DebugUnredactedCommands)
		if note == "" {
			return
		}
		rep.Note(note, false, false)
	}

	result, err := r.invokeWithRetries(ctx, backend, prompt, opts, onEvent)
	if err != nil {
		var relayErr *relayerr.Error
		if errors.As(err, &relayErr) {
			rep.Note(fmt.Sprintf("error: %s", relayErr.Message), true, true)
		}
		return nil, err
	}

	// Step 6: persist session id / bootstrap version.
	ring.SetRunMeta(string(backend.Provider()), result.Model)
	_ = r.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(req.ConvKey)
		sess.SessionID = result.SessionID
		if bumpBootstrap {
			sess.BootstrapVer = r.BootstrapVersion
		}
	})

	// Step 7: extract relay actions + upload markers.
	cleaned, rawActions, uploadPaths := Extract(result.Text, r.Cfg.RelayActionsMaxPerMsg)
	if r.Actions != nil && len(rawActions) > 0 {
		summaries := r.Actions.Dispatch(ctx, req.ConvKey, req.ChannelID, rawActions)
		for _, s := range summaries {
			rep.Note(s, true, false)
		}
	}

	chunks := ChunkForChat(cleaned)
	if len(chunks) == 0 {
		chunks = []string{"(no output)"}
	}
	return &reply{chunks: chunks, uploadPaths: uploadPaths}, nil
}

// invokeWithRetries runs backend.Run and applies the spec §4.F.5 retry
// ladder in order: stale-session, claude-init-transient,
// claude-quota-fallback, codex-transient (up to N).
func (r *Runner) invokeWithRetries(ctx context.Context, backend agentproc.Backend, prompt string, opts agentproc.Options, onEvent func(agentproc.Event)) (agentproc.Result, error) {
	result, err := backend.Run(ctx, prompt, opts, onEvent)
	if err == nil {
		return result, nil
	}

	kind, _ := relayerr.KindOf(err)
	switch kind {
	case relayerr.KindStaleSession:
		retryOpts := opts
		retryOpts.ResumeSessionID = ""
		retryPrompt := "Note: the previous session could not be resumed; starting fresh.\n\n" + prompt
		return backend.Run(ctx, retryPrompt, retryOpts, onEvent)

	case relayerr.KindTransient:
		if backend.Provider() == agentproc.ProviderClaude {
			// claude transient init exit or quota exhaustion: retry once,
			// with a fallback model if this was specifically a quota error.
			retryOpts := opts
			if quotaRetryNeeded(err) {
				retryOpts.Model = r.Cfg.ClaudeLightModel
			}
			return backend.Run(ctx, prompt, retryOpts, onEvent)
		}
		// codex transient: retry up to N times.
		var lastErr error = err
		for attempt := 0; attempt < r.Cfg.CodexTransientRetryMax; attempt++ {
			result, lastErr = backend.Run(ctx, prompt, opts, onEvent)
			if lastErr == nil {
				return result, nil
			}
			if k, _ := relayerr.KindOf(lastErr); k != relayerr.KindTransient {
				break
			}
		}
		return result, lastErr
	}
	return result, err
}

func quotaRetryNeeded(err error) bool {
	var e *relayerr.Error
	if !errors.As(err, &e) {
		return false
	}
	v, ok := e.Details["quotaExhausted"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func renderRunningStatus(provider agentproc.Provider, phase string) string {
	return fmt.Sprintf("Running %s... (%s)", provider, phase)
}

// statusEditor adapts ChatClient to progress.Editor for one status
// message.
type statusEditor struct {
	chat      ChatClient
	channelID string
	messageID string
}

func (s *statusEditor) EditStatus(ctx context.Context, text string) error {
	return s.chat.EditMessage(ctx, s.channelID, s.messageID, text)
}

func (s *statusEditor) PostMilestone(ctx context.Context, text string) error {
	_, err := s.chat.PostMessage(ctx, s.channelID, text)
	return err
}
