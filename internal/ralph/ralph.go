// Package ralph implements the task runner (spec §4.G), known in the
// source material as the "Ralph loop": it pops pending tasks for a
// session, wraps each one with marker instructions, drives it through
// the agent runner (internal/runner, spec §4.F), and interprets the
// resulting `[[task:done]]`/`[[task:blocked]]` markers to decide
// whether to continue, stop, or fail.
package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/gitutil"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
)

// AgentRunner is the narrow surface the loop needs from internal/runner
// (an interface so tests can script replies without a real backend).
type AgentRunner interface {
	Run(ctx context.Context, req runner.Request) (string, error)
}

// Loop drives the per-session task queue.
type Loop struct {
	Cfg   *config.Config
	Store *state.Store
	Agent AgentRunner

	// OnExit is invoked once the loop stops running, with a short
	// human-readable summary (spec §4.G: "optionally post a summary").
	// May be nil.
	OnExit func(ctx context.Context, convKey, summary string)

	// OnHandoff is invoked after each completed task when the session's
	// auto-handoff toggle is set (spec §4.G). May be nil.
	OnHandoff func(ctx context.Context, convKey string)

	Now func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// AddTask appends a pending task to convKey's queue, enforcing the
// configured pending-task cap (spec §4.A TasksMaxPending).
func (l *Loop) AddTask(convKey, description, prompt string) (*state.Task, error) {
	var task *state.Task
	err := l.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		pending := 0
		for _, t := range sess.Tasks {
			if t.Status == state.TaskPending {
				pending++
			}
		}
		if l.Cfg.TasksMaxPending > 0 && pending >= l.Cfg.TasksMaxPending {
			return
		}
		sess.NextTaskSeq++
		task = &state.Task{
			ID:          fmt.Sprintf("t-%04d", sess.NextTaskSeq),
			Description: description,
			Prompt:      prompt,
			Status:      state.TaskPending,
			CreatedAt:   l.now(),
		}
		sess.Tasks = append(sess.Tasks, task)
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("ralph: pending task cap (%d) reached for %s", l.Cfg.TasksMaxPending, convKey)
	}
	return task, nil
}

// Start begins the loop for convKey if it is not already running. base
// supplies the fixed per-turn fields (channel, provider, workdir, ...);
// only Prompt is overwritten per task. The loop runs detached from ctx
// so a caller's request-scoped context doesn't cut the queue short:
// canceling ctx never stops it; only Stop, an empty queue, a blocked
// task, or a failure with TaskStopOnError set ends the loop.
func (l *Loop) Start(ctx context.Context, convKey string, base runner.Request) error {
	var alreadyRunning bool
	_ = l.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		if sess.TaskLoop.Running {
			alreadyRunning = true
			return
		}
		sess.TaskLoop = state.TaskLoop{Running: true}
	})
	if alreadyRunning {
		return fmt.Errorf("ralph: task loop already running for %s", convKey)
	}

	go l.drive(context.WithoutCancel(ctx), convKey, base)
	return nil
}

// Stop requests the loop for convKey to halt after its current task.
func (l *Loop) Stop(convKey string) {
	_ = l.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).TaskLoop.StopRequested = true
	})
}

func (l *Loop) drive(ctx context.Context, convKey string, base runner.Request) {
	done, failed, blockedOn := 0, 0, ""
	for {
		// claimNext returns nil whenever a stop was already requested, so
		// reaching here means the loop is clear to run this task.
		task := l.claimNext(convKey)
		if task == nil {
			break
		}

		req := base
		req.ConvKey = convKey
		req.Prompt = wrapTaskPrompt(task)

		slog.Info("ralph: running task", "conv", convKey, "task", task.ID)
		text, err := l.Agent.Run(ctx, req)
		if err != nil {
			failed++
			status := state.TaskFailed
			if l.stopWasRequested(convKey) {
				status = state.TaskCanceled
			}
			l.markTask(convKey, task.ID, status, "", err.Error())
			if l.Cfg.TaskStopOnError {
				break
			}
			continue
		}

		cleaned, result := interpret(text)
		l.markTask(convKey, task.ID, state.TaskDone, strings.TrimSpace(cleaned), "")
		done++

		if l.Cfg.TaskAutoCommit && req.Workdir != "" && gitutil.IsRepo(ctx, req.Workdir) {
			subject := commitSubject(l.Cfg.TaskCommitPrefix, task)
			if _, cerr := gitutil.AutoCommit(ctx, req.Workdir, subject); cerr != nil {
				slog.Warn("ralph: auto-commit failed", "conv", convKey, "task", task.ID, "err", cerr)
			}
		}

		if result == outcomeBlocked {
			l.markTask(convKey, task.ID, state.TaskBlocked, strings.TrimSpace(cleaned), "")
			blockedOn = task.ID
			break
		}

		if l.Cfg.TaskAutoHandoff && l.OnHandoff != nil {
			l.OnHandoff(ctx, convKey)
		}
	}

	_ = l.Store.Mutate(func(doc *state.Document) {
		doc.Session(convKey).TaskLoop = state.TaskLoop{}
	})

	if l.OnExit != nil {
		l.OnExit(ctx, convKey, summarize(done, failed, blockedOn))
	}
}

// claimNext promotes the first pending task to running, or returns nil
// if a stop was requested or no pending task remains.
func (l *Loop) claimNext(convKey string) *state.Task {
	var claimed *state.Task
	_ = l.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		if sess.TaskLoop.StopRequested {
			return
		}
		for _, t := range sess.Tasks {
			if t.Status == state.TaskPending {
				t.Status = state.TaskRunning
				t.StartedAt = l.now()
				t.Attempts++
				sess.TaskLoop.CurrentTaskID = t.ID
				claimed = t
				return
			}
		}
	})
	return claimed
}

func (l *Loop) stopWasRequested(convKey string) bool {
	var stop bool
	l.Store.View(func(doc *state.Document) {
		if sess, ok := doc.Sessions[convKey]; ok {
			stop = sess.TaskLoop.StopRequested
		}
	})
	return stop
}

func (l *Loop) markTask(convKey, taskID string, status state.TaskStatus, result, lastErr string) {
	_ = l.Store.Mutate(func(doc *state.Document) {
		sess := doc.Session(convKey)
		for _, t := range sess.Tasks {
			if t.ID != taskID {
				continue
			}
			t.Status = status
			t.FinishedAt = l.now()
			t.LastResult = result
			t.LastError = lastErr
			return
		}
	})
}

// wrapTaskPrompt builds the instructed prompt (spec §4.G).
func wrapTaskPrompt(t *state.Task) string {
	return fmt.Sprintf("[TASK %s]\n%s\n\nWhen finished: summarize, use [[task:blocked]] if blocked, else [[task:done]]", t.ID, t.Prompt)
}

// commitSubject derives the auto-commit subject from the task id,
// description, and configured prefix (spec §4.G).
func commitSubject(prefix string, t *state.Task) string {
	desc := t.Description
	if desc == "" {
		desc = t.ID
	}
	if prefix == "" {
		return fmt.Sprintf("%s: %s", t.ID, desc)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, t.ID, desc)
}

func summarize(done, failed int, blockedOn string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ralph loop finished: %d done, %d failed", done, failed)
	if blockedOn != "" {
		fmt.Fprintf(&b, ", blocked on %s", blockedOn)
	}
	return b.String()
}
