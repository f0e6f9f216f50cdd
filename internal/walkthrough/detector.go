package walkthrough

import (
	"sync"
	"time"

	"overlay/internal/dom"
	"overlay/internal/logging"
	"overlay/internal/recorder"
	"overlay/internal/workflow"
)

// DetectedAction is one user action, classified and (for input) committed.
type DetectedAction struct {
	Action workflow.ActionType
	// Ref identifies the event target in the live document, when the
	// instrumented page tagged it.
	Ref        string
	Descriptor *dom.ElementDescriptor
	Value      string
	At         time.Time
}

// Detector turns the raw page event stream into DetectedActions. Events
// from the overlay's own UI are filtered out; keystrokes are debounced
// into a single input commit so the walkthrough never advances mid-typing.
type Detector struct {
	debounce time.Duration
	emit     func(DetectedAction)

	mu      sync.Mutex
	pending *recorder.RawEvent
	timer   *time.Timer
	closed  bool
}

// NewDetector creates a detector delivering actions to emit. A zero
// debounce uses 400ms.
func NewDetector(debounce time.Duration, emit func(DetectedAction)) *Detector {
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	return &Detector{debounce: debounce, emit: emit}
}

// Handle consumes one raw event. Safe for concurrent use.
func (d *Detector) Handle(ev recorder.RawEvent) {
	if ev.FromOverlay {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	switch ev.Kind {
	case recorder.EventInput:
		// Restart the quiet-period timer on every keystroke.
		d.pending = &ev
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(d.debounce, d.flushPending)
		d.mu.Unlock()
		return

	case recorder.EventInputCommit:
		// Explicit commit (blur/Enter) flushes immediately.
		d.cancelTimerLocked()
		d.pending = nil
		d.mu.Unlock()
		d.emit(DetectedAction{
			Action:     workflow.ActionInputCommit,
			Ref:        refOf(ev),
			Descriptor: ev.Descriptor,
			Value:      ev.Value,
			At:         ev.At,
		})
		return

	case recorder.EventClick, recorder.EventSelectChange, recorder.EventSubmit:
		// A click or change while input is pending commits the input first.
		var flush *recorder.RawEvent
		if d.pending != nil {
			flush = d.pending
			d.pending = nil
			d.cancelTimerLocked()
		}
		d.mu.Unlock()
		if flush != nil {
			d.emitInput(*flush)
		}
		act := workflow.ActionClick
		switch ev.Kind {
		case recorder.EventSelectChange:
			act = workflow.ActionSelectChange
		case recorder.EventSubmit:
			act = workflow.ActionSubmit
		}
		d.emit(DetectedAction{
			Action:     act,
			Ref:        refOf(ev),
			Descriptor: ev.Descriptor,
			Value:      ev.Value,
			At:         ev.At,
		})
		return

	default:
		d.mu.Unlock()
	}
}

func (d *Detector) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Detector) flushPending() {
	d.mu.Lock()
	if d.closed || d.pending == nil {
		d.mu.Unlock()
		return
	}
	ev := *d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	d.emitInput(ev)
}

func (d *Detector) emitInput(ev recorder.RawEvent) {
	logging.WalkthroughDebug("input committed after quiet period: %q", ev.Value)
	d.emit(DetectedAction{
		Action:     workflow.ActionInputCommit,
		Ref:        refOf(ev),
		Descriptor: ev.Descriptor,
		Value:      ev.Value,
		At:         ev.At,
	})
}

// Close stops the detector synchronously: once it returns, no further
// actions will be emitted, including from an armed debounce timer.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	d.cancelTimerLocked()
	d.pending = nil
	d.mu.Unlock()
}

func refOf(ev recorder.RawEvent) string {
	return ev.Ref
}
