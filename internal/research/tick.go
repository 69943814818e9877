package research

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/relaybridge/internal/state"
)

// tickCooldown debounces Retick-triggered re-attempts so a flurry of
// job finalizes can't submit more than one step per project within this
// window (spec §4.L: "skip those on cool-down (per-conversation
// lastTickMs)").
const tickCooldown = 30 * time.Second

// maxConcurrentTicks bounds how many manager steps run at once across
// sessions in a single tick pass.
const maxConcurrentTicks = 4

// TickLoop runs the auto-tick loop until ctx is canceled (spec §4.L:
// "Auto-tick loop: at a fixed interval, iterate over all sessions with
// research.enabled && autoRun && status=running && no active job").
func (m *Manager) TickLoop(ctx context.Context) {
	for {
		wait := m.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		m.tickOnce(ctx)
	}
}

// nextInterval resolves the wait duration until the next tick, either
// from the fixed interval or, if configured, the next cron match.
func (m *Manager) nextInterval() time.Duration {
	if m.Cfg.ResearchTickCron == "" {
		return m.Cfg.ResearchTickInterval
	}
	now := m.now()
	next, err := gronx.NextTickAfter(m.Cfg.ResearchTickCron, now, false)
	if err != nil {
		slog.Warn("research: invalid tick cron, falling back to interval", "cron", m.Cfg.ResearchTickCron, "err", err)
		return m.Cfg.ResearchTickInterval
	}
	d := next.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d
}

// tickOnce submits one manager step for every eligible, not-on-cooldown
// session, fanned out with bounded concurrency (spec_full's domain-stack
// note: errgroup for "research auto-tick loop iterating bound
// sessions").
func (m *Manager) tickOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTicks)
	for _, convKey := range m.eligibleConvKeys() {
		convKey := convKey
		g.Go(func() error {
			if _, err := m.Step(gctx, convKey); err != nil {
				slog.Info("research: auto-tick step skipped", "conv", convKey, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// eligibleConvKeys returns convKeys bound to a project with
// research.enabled && autoRun && status=running && no active job, and
// not on cool-down.
func (m *Manager) eligibleConvKeys() []string {
	var bindings map[string]state.ResearchBinding
	m.Store.View(func(doc *state.Document) {
		bindings = make(map[string]state.ResearchBinding, len(doc.Sessions))
		for key, sess := range doc.Sessions {
			if sess.Research.Enabled {
				bindings[key] = sess.Research
			}
		}
	})

	now := m.now()
	var eligible []string
	for convKey, binding := range bindings {
		ps, err := loadProjectState(binding.ProjectRoot)
		if err != nil {
			continue
		}
		if !ps.AutoRun || ps.Status != StatusRunning {
			continue
		}
		if !ps.LastTickAt.IsZero() && now.Sub(ps.LastTickAt) < tickCooldown {
			continue
		}
		if m.hasActiveResearchJob(convKey) {
			continue
		}
		ps.LastTickAt = now
		_ = saveProjectState(ps.ProjectRoot, ps)
		eligible = append(eligible, convKey)
	}
	return eligible
}
