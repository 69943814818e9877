// Package progress owns a run's single "status message" in chat and the
// bounded "interrupt snapshot" buffer /ask reads from (spec §4.D). The
// two concerns are deliberately separate types (spec §9 Open Question)
// sharing only a notify hook: Reporter drives throttled edits of one
// status message, SnapshotRing accumulates a rolling window of cleaned
// lines for the priority-question interrupt to read without blocking
// the run.
package progress

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Editor is the chat-side operation a Reporter drives; callers supply an
// adapter over their ChatTransport.
type Editor interface {
	// EditStatus replaces the status message's content. ctx is bounded by
	// the Reporter's editTimeout so a stuck transport cannot wedge the run.
	EditStatus(ctx context.Context, text string) error

	// PostMilestone posts a new, separate chat message (not an edit).
	PostMilestone(ctx context.Context, text string) error
}

// Options configures a Reporter (spec §3 Config entity: minEditMs,
// heartbeatMs, editTimeoutMs, stallWarnMs, progressMaxLines).
type Options struct {
	MinEditInterval time.Duration
	HeartbeatEvery  time.Duration
	EditTimeout     time.Duration
	StallWarnAfter  time.Duration
	MaxVisibleLines int
}

// Note is one recorded progress line.
type Note struct {
	Text      string
	At        time.Time
	Synthetic bool
	Persist   bool
}

// Reporter owns exactly one status message for one agent run (spec
// §4.D).
type Reporter struct {
	editor Editor
	opts   Options

	onNote func(Note) // forwarded to a SnapshotRing, if any.

	mu           sync.Mutex
	ring         []Note // bounded to ~3x MaxVisibleLines.
	lastEditAt   time.Time
	lastNoteAt   time.Time
	lastNonSynth time.Time
	dirty        bool
	stopped      bool

	milestones *milestoneThrottle

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Reporter that edits status messages through editor.
// onNote, if non-nil, is called for every recorded note (used to feed a
// SnapshotRing).
func New(editor Editor, opts Options, onNote func(Note)) *Reporter {
	if opts.MinEditInterval <= 0 {
		opts.MinEditInterval = 2 * time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.EditTimeout <= 0 {
		opts.EditTimeout = 10 * time.Second
	}
	if opts.MaxVisibleLines <= 0 {
		opts.MaxVisibleLines = 12
	}
	r := &Reporter{
		editor:     editor,
		opts:       opts,
		onNote:     onNote,
		milestones: newMilestoneThrottle(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Note records a progress line. Never blocks the caller beyond a mutex
// acquisition: actual chat I/O happens on the Reporter's own goroutine.
func (r *Reporter) Note(text string, synthetic, persist bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	n := Note{Text: text, At: time.Now(), Synthetic: synthetic, Persist: persist}

	r.mu.Lock()
	r.ring = append(r.ring, n)
	if max := r.opts.MaxVisibleLines * 3; len(r.ring) > max {
		r.ring = r.ring[len(r.ring)-max:]
	}
	r.lastNoteAt = n.At
	if !synthetic {
		r.lastNonSynth = n.At
	}
	r.dirty = true
	r.mu.Unlock()

	if r.onNote != nil {
		r.onNote(n)
	}
	if persist && r.milestones.allow(text, n.At) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.EditTimeout)
			defer cancel()
			_ = r.editor.PostMilestone(ctx, text)
		}()
	}
}

// Stop flushes any pending edit and shuts the Reporter down. Safe to
// call more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
	<-r.doneCh
}

// loop drives throttled edits, forced heartbeats, and stall detection
// (spec §4.D).
func (r *Reporter) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(tickInterval(r.opts))
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			r.flush(true)
			return
		case <-ticker.C:
			r.maybeStallWarn()
			r.maybeEdit(false)
		}
	}
}

func tickInterval(opts Options) time.Duration {
	d := opts.MinEditInterval / 2
	if h := opts.HeartbeatEvery / 2; h > 0 && h < d {
		d = h
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (r *Reporter) maybeStallWarn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.StallWarnAfter <= 0 || r.lastNonSynth.IsZero() {
		return
	}
	if time.Since(r.lastNonSynth) < r.opts.StallWarnAfter {
		return
	}
	// Avoid repeated synthetic spam: only emit once per stall window by
	// bumping lastNonSynth forward without marking it "real".
	r.lastNonSynth = time.Now()
	mins := int(r.opts.StallWarnAfter / time.Minute)
	if mins < 1 {
		mins = 1
	}
	text := "no new agent events for " + itoaMinutes(mins) + "m"
	r.ring = append(r.ring, Note{Text: text, At: time.Now(), Synthetic: true})
	r.dirty = true
}

func (r *Reporter) maybeEdit(force bool) {
	r.mu.Lock()
	due := force ||
		(r.dirty && time.Since(r.lastEditAt) >= r.opts.MinEditInterval) ||
		time.Since(r.lastEditAt) >= r.opts.HeartbeatEvery
	if !due {
		r.mu.Unlock()
		return
	}
	text := r.renderLocked()
	r.dirty = false
	r.lastEditAt = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.EditTimeout)
	defer cancel()
	_ = r.editor.EditStatus(ctx, text) // spec §7 TransportError: logged elsewhere, never fails the run.
}

func (r *Reporter) flush(force bool) {
	r.maybeEdit(force)
}

// renderLocked renders the visible tail of the ring as the status
// message body. Caller must hold r.mu.
func (r *Reporter) renderLocked() string {
	lines := r.ring
	if max := r.opts.MaxVisibleLines; len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	parts := make([]string, 0, len(lines))
	for _, n := range lines {
		parts = append(parts, n.Text)
	}
	return strings.Join(parts, "\n")
}

func itoaMinutes(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
