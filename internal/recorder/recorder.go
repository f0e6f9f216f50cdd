// Package recorder turns raw page events into an ordered workflow step
// list. Ordering is the hard invariant here: events may arrive from the
// event stream and the navigation watcher concurrently, but the recorded
// steps always carry unique, strictly increasing orders.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"overlay/internal/dom"
	"overlay/internal/logging"
	"overlay/internal/workflow"
)

// EventKind classifies a raw page event.
type EventKind string

const (
	EventClick EventKind = "click"
	// EventInput fires per keystroke. The recorder ignores it; the replay
	// detector debounces it into a commit.
	EventInput        EventKind = "input"
	EventInputCommit  EventKind = "input_commit"
	EventSelectChange EventKind = "select_change"
	EventSubmit       EventKind = "submit"
	EventNavigate     EventKind = "navigate"
)

// RawEvent is one observation from the instrumented page or the navigation
// watcher. Descriptor is captured at event time inside the page, before
// any navigation can tear the element away.
type RawEvent struct {
	Kind EventKind
	// Ref is the live-document tag the instrumented page stamped on the
	// event target, comparable against healer-resolved node refs.
	Ref        string
	Descriptor *dom.ElementDescriptor
	Value      string
	URL        string
	At         time.Time
	// FromOverlay marks events originating in our own UI layer. The
	// recorder must never record its own controls.
	FromOverlay bool
}

// ScreenshotFunc captures a screenshot for a step. Called on its own
// goroutine; a slow capture must not delay or reorder recording.
type ScreenshotFunc func(ctx context.Context, stepOrder int)

// Recorder accumulates steps for one recording session.
type Recorder struct {
	workflowID string
	foldWindow time.Duration
	screenshot ScreenshotFunc

	// shotGroup bounds in-flight screenshot captures and lets the caller
	// wait for stragglers before saving the workflow.
	shotGroup errgroup.Group

	mu    sync.Mutex
	seq   Sequencer
	steps []workflow.Step
	// lastActionAt is when the most recent element-targeting step was
	// recorded; navigations inside the fold window after it are its
	// consequence, not a user action.
	lastActionAt time.Time
	lastURL      string
}

// New creates a recorder for a new workflow recording session.
func New(workflowID string, foldWindow time.Duration, screenshot ScreenshotFunc) *Recorder {
	if foldWindow <= 0 {
		foldWindow = 1500 * time.Millisecond
	}
	r := &Recorder{
		workflowID: workflowID,
		foldWindow: foldWindow,
		screenshot: screenshot,
	}
	r.shotGroup.SetLimit(2)
	return r
}

// HandleEvent classifies and records one raw event. Safe for concurrent use.
func (r *Recorder) HandleEvent(ctx context.Context, ev RawEvent) {
	if ev.FromOverlay {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	switch ev.Kind {
	case EventClick, EventInputCommit, EventSelectChange, EventSubmit:
		r.recordAction(ctx, ev)
	case EventNavigate:
		r.recordNavigate(ctx, ev)
	case EventInput:
		// Keystrokes are noise; the page signals the commit.
	default:
		logging.RecorderDebug("ignoring unknown event kind %q", ev.Kind)
	}
}

func actionForKind(kind EventKind) workflow.ActionType {
	switch kind {
	case EventClick:
		return workflow.ActionClick
	case EventInputCommit:
		return workflow.ActionInputCommit
	case EventSelectChange:
		return workflow.ActionSelectChange
	case EventSubmit:
		return workflow.ActionSubmit
	default:
		return workflow.ActionNavigate
	}
}

func (r *Recorder) recordAction(ctx context.Context, ev RawEvent) {
	if ev.Descriptor == nil || !ev.Descriptor.Replayable() {
		logging.RecorderDebug("dropping %s event without a replayable descriptor", ev.Kind)
		return
	}
	action := actionForKind(ev.Kind)

	r.mu.Lock()

	// Re-typing into the same field updates the recorded value in place;
	// the user correcting a typo is one step, not three.
	if action == workflow.ActionInputCommit {
		if last := r.lastStepLocked(); last != nil &&
			last.Action == workflow.ActionInputCommit &&
			last.Descriptor != nil &&
			last.Descriptor.Selectors.Primary == ev.Descriptor.Selectors.Primary {
			last.Value = ev.Value
			last.Descriptor = ev.Descriptor
			r.lastActionAt = ev.At
			r.mu.Unlock()
			logging.RecorderDebug("updated input value for step %d", last.Order)
			return
		}
	}

	order := r.seq.Next()
	step := workflow.Step{
		ID:         uuid.NewString(),
		WorkflowID: r.workflowID,
		Order:      order,
		Action:     action,
		Descriptor: ev.Descriptor,
		Value:      ev.Value,
		URL:        ev.Descriptor.Page.URL,
		CreatedAt:  ev.At,
	}
	r.steps = append(r.steps, step)
	r.lastActionAt = ev.At
	r.mu.Unlock()

	logging.Recorder("recorded step %d: %s on <%s> %q",
		order, action, ev.Descriptor.Meta.Tag, ev.Descriptor.Meta.Text)

	r.captureShot(ctx, order)
}

// captureShot runs the screenshot hook off the recording path. When both
// capture slots are busy the shot is skipped rather than queued; recording
// latency wins over shot completeness.
func (r *Recorder) captureShot(ctx context.Context, order int) {
	if r.screenshot == nil {
		return
	}
	if !r.shotGroup.TryGo(func() error {
		r.screenshot(ctx, order)
		return nil
	}) {
		logging.RecorderDebug("skipped screenshot for step %d, captures saturated", order)
	}
}

// Wait blocks until in-flight screenshot captures finish. Call before
// saving the workflow.
func (r *Recorder) Wait() {
	_ = r.shotGroup.Wait()
}

func (r *Recorder) recordNavigate(ctx context.Context, ev RawEvent) {
	r.mu.Lock()

	if !r.shouldRecordNavigateLocked(ev) {
		// Consequence of the prior step; remember where it landed.
		r.lastURL = ev.URL
		r.mu.Unlock()
		logging.RecorderDebug("folded navigation to %s into previous step", ev.URL)
		return
	}

	order := r.seq.Next()
	step := workflow.Step{
		ID:         uuid.NewString(),
		WorkflowID: r.workflowID,
		Order:      order,
		Action:     workflow.ActionNavigate,
		URL:        ev.URL,
		CreatedAt:  ev.At,
	}
	r.steps = append(r.steps, step)
	r.lastURL = ev.URL
	r.mu.Unlock()

	logging.Recorder("recorded step %d: navigate to %s", order, ev.URL)

	r.captureShot(ctx, order)
}

// shouldRecordNavigateLocked decides whether a navigation is a deliberate
// user action (address bar, bookmark) or fallout from the last click/submit.
func (r *Recorder) shouldRecordNavigateLocked(ev RawEvent) bool {
	if r.lastURL != "" && dom.URLPattern(ev.URL) == dom.URLPattern(r.lastURL) {
		// Same logical page (SPA history churn, fragment-ish rewrites).
		return false
	}
	if !r.lastActionAt.IsZero() && ev.At.Sub(r.lastActionAt) <= r.foldWindow {
		return false
	}
	return true
}

func (r *Recorder) lastStepLocked() *workflow.Step {
	if len(r.steps) == 0 {
		return nil
	}
	return &r.steps[len(r.steps)-1]
}

// Steps returns a copy of the recorded steps so far, in order.
func (r *Recorder) Steps() []workflow.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Count returns how many steps have been recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}
