// Command relay is the process entry point: it loads configuration,
// opens the state store, wires every internal/* collaborator together,
// and connects to Discord (spec.md §1, §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maruel/relaybridge/internal/agentproc"
	"github.com/maruel/relaybridge/internal/agentproc/claude"
	"github.com/maruel/relaybridge/internal/agentproc/codex"
	"github.com/maruel/relaybridge/internal/chat"
	"github.com/maruel/relaybridge/internal/command"
	"github.com/maruel/relaybridge/internal/config"
	"github.com/maruel/relaybridge/internal/interrupt"
	"github.com/maruel/relaybridge/internal/job"
	"github.com/maruel/relaybridge/internal/pcqueue"
	"github.com/maruel/relaybridge/internal/ralph"
	"github.com/maruel/relaybridge/internal/relayaction"
	"github.com/maruel/relaybridge/internal/research"
	"github.com/maruel/relaybridge/internal/runner"
	"github.com/maruel/relaybridge/internal/state"
	"github.com/maruel/relaybridge/internal/worktree"
)

// version is stamped at release build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var stateDir, policyPath, logLevel, discordToken string
	root := &cobra.Command{
		Use:   "relay",
		Short: "Bridges Discord conversations to codex/claude coding-agent CLIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), stateDir, policyPath, logLevel, discordToken)
		},
	}
	root.PersistentFlags().StringVar(&stateDir, "state-dir", "./.relaybridge", "directory for persisted state, jobs, and plans")
	root.PersistentFlags().StringVar(&policyPath, "config", "", "optional YAML policy overlay path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&discordToken, "discord-token", "", "Discord bot token (falls back to $DISCORD_BOT_TOKEN)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	})
	return root
}

// setupLogging installs a tint handler when stderr is a terminal,
// piped through go-colorable for Windows consoles, and a plain JSON
// handler otherwise — the teacher's own logging bootstrap convention.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func run(parent context.Context, stateDir, policyPath, logLevel, discordToken string) error {
	if err := setupLogging(logLevel); err != nil {
		return err
	}
	cfg, err := config.Load(policyPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if discordToken != "" {
		cfg.DiscordToken = discordToken
	}
	if cfg.DiscordToken == "" {
		return fmt.Errorf("no Discord bot token: pass --discord-token or set DISCORD_BOT_TOKEN")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(filepath.Join(cfg.StateDir, "state.json"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	transport, err := chat.New(cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("chat transport: %w", err)
	}

	backends := map[agentproc.Provider]agentproc.Backend{
		agentproc.ProviderCodex:  &codex.Backend{},
		agentproc.ProviderClaude: &claude.Backend{},
	}
	backendFor := func(p agentproc.Provider) agentproc.Backend { return backends[p] }

	queue := pcqueue.New()
	registry := interrupt.NewRegistry()
	jobs := job.NewSupervisor(cfg.StateDir)

	// baseRequest builds the per-conversation defaults every entry point
	// (plain chat turn, /go, /task, research step) starts from. Resume
	// is the runner's own concern — it reads the session's SessionID
	// from the store itself inside Run — so only Workdir is read here.
	baseRequest := func(convKey string) runner.Request {
		var workdir string
		store.View(func(doc *state.Document) {
			if s, ok := doc.Sessions[convKey]; ok {
				workdir = s.Workdir
			}
		})
		provider := agentproc.Provider(cfg.DefaultProvider)
		return runner.Request{
			ConvKey:   convKey,
			Provider:  provider,
			Model:     chooseModel(cfg, provider, ""),
			Workdir:   workdir,
			UploadDir: filepath.Join(cfg.StateDir, "uploads", job.SlugConvKey(convKey)),
		}
	}

	agentRunner := &runner.Runner{
		Cfg:     cfg,
		Store:   store,
		Queue:   queue,
		Chat:    transport,
		Backend: backendFor,
		Tracker: registry,
	}

	ralphLoop := &ralph.Loop{Cfg: cfg, Store: store, Agent: agentRunner}
	actions := &relayaction.Dispatcher{Cfg: cfg, Store: store, Jobs: jobs, Tasks: ralphLoop, BaseRequest: baseRequest}
	agentRunner.Actions = actions

	researchMgr := &research.Manager{Cfg: cfg, Store: store, Agent: agentRunner, Jobs: jobs, Actions: actions}

	spawnWatcher := func(j *state.Job) {
		w := job.NewWatcher(job.WatcherConfig{
			StartupHeartbeatSec: cfg.StartupHeartbeatSec,
			HeartbeatEverySec:   cfg.HeartbeatEverySec,
			StaleCPUPercent:     cfg.StaleCPUPercent,
			StaleGPUPercent:     cfg.StaleGPUPercent,
			StaleMinutes:        cfg.StaleMinutes,
			AlertEveryMinutes:   cfg.AlertEveryMinutes,
			WorkdirAllowRoots:   cfg.WorkdirAllowRoots,
			ArchiveLogMinBytes:  cfg.JobLogArchiveMinBytes,
		}, transport, job.Callbacks{
			OnThenTask: func(j *state.Job) {
				convKey := findConvKeyForJob(store, j.ID)
				if convKey == "" || j.Watch.ThenTask == "" {
					return
				}
				if _, err := ralphLoop.AddTask(convKey, j.Watch.ThenTaskDescription, j.Watch.ThenTask); err != nil {
					slog.Warn("relay: thenTask enqueue failed", "job", j.ID, "err", err)
				}
			},
			OnResearchFinalize: researchMgr.OnJobFinalize,
		})
		go w.Run(ctx, j)
	}
	actions.SpawnWatcher = spawnWatcher
	researchMgr.SpawnWatcher = spawnWatcher
	researchMgr.Retick = func(convKey string) { /* the tick loop's own cooldown already re-checks every interval */ }

	wt := worktree.NewManager(cfg.WorktreesRoot)

	ih := &interrupt.Handler{
		Cfg:      cfg,
		Store:    store,
		Registry: registry,
		Backend:  backendFor,
		Chat:     transport,
	}

	dispatcher := &command.Dispatcher{
		Cfg:          cfg,
		Store:        store,
		Chat:         transport,
		Ralph:        ralphLoop,
		Jobs:         jobs,
		Actions:      actions,
		Research:     researchMgr,
		Interrupt:    ih,
		Worktrees:    wt,
		SpawnWatcher: spawnWatcher,
		BaseRequest:  baseRequest,
	}

	router := &chat.Router{
		Session: transport.Session,
		Dispatch: func(ctx context.Context, convKey, channelID, authorID, text string) {
			handleMessage(ctx, cfg, dispatcher, agentRunner, baseRequest, transport, convKey, channelID, text)
		},
	}
	router.Install()

	if err := transport.Open(); err != nil {
		return fmt.Errorf("open Discord session: %w", err)
	}
	defer transport.Close()

	go researchMgr.TickLoop(ctx)

	slog.Info("relay: ready", "state_dir", cfg.StateDir, "version", version)
	<-ctx.Done()
	slog.Info("relay: shutting down")
	return nil
}

// handleMessage routes one non-bot Discord message: `/`-prefixed text
// goes through the command dispatcher, everything else is a plain
// agent turn submitted through the per-conversation queue.
func handleMessage(ctx context.Context, cfg *config.Config, d *command.Dispatcher, r *runner.Runner, baseRequest func(string) runner.Request, chatClient runner.ChatClient, convKey, channelID, text string) {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		reply, err := d.Dispatch(ctx, convKey, channelID, text)
		if err != nil {
			reply = "error: " + err.Error()
		}
		if reply == "" {
			return
		}
		if _, err := chatClient.PostMessage(ctx, channelID, reply); err != nil {
			slog.Warn("relay: posting command reply failed", "conv", convKey, "err", err)
		}
		return
	}

	req := baseRequest(convKey)
	req.ChannelID = channelID
	req.Prompt = text
	req.Model = chooseModel(cfg, req.Provider, text)
	if _, err := r.Run(ctx, req); err != nil {
		slog.Warn("relay: agent turn failed", "conv", convKey, "err", err)
	}
}

// chooseModel implements the teacher's heavy/light Claude routing
// heuristic (long prompts or prompts naming a heavy-weight keyword get
// the heavy model); codex has no such split, so it returns "" and lets
// the CLI pick its own default.
func chooseModel(cfg *config.Config, provider agentproc.Provider, prompt string) string {
	if cfg == nil || provider != agentproc.ProviderClaude {
		return ""
	}
	heavy := len(prompt) >= cfg.HeavyPromptLenThresh
	if !heavy {
		lower := strings.ToLower(prompt)
		for _, kw := range cfg.HeavyKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				heavy = true
				break
			}
		}
	}
	if heavy {
		return cfg.ClaudeHeavyModel
	}
	return cfg.ClaudeLightModel
}

func findConvKeyForJob(store *state.Store, jobID string) string {
	var convKey string
	store.View(func(doc *state.Document) {
		for key, sess := range doc.Sessions {
			for _, j := range sess.Jobs {
				if j.ID == jobID {
					convKey = key
					return
				}
			}
		}
	})
	return convKey
}
