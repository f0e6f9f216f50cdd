package browser

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"overlay/internal/dom"
	"overlay/internal/logging"
	"overlay/internal/recorder"
)

// EventHandler consumes the raw page event stream.
type EventHandler func(ev recorder.RawEvent)

// ReadyHandler fires once per navigation when the new document has loaded
// and been re-instrumented.
type ReadyHandler func()

// EventStream installs capture hooks in the page and drains the buffer on
// a ticker, feeding the recorder or the walkthrough detector. Navigations
// are watched via CDP and the hooks re-installed on each new document.
type EventStream struct {
	session *Session
	poll    time.Duration
	handler EventHandler
	onNav   EventHandler
	onReady ReadyHandler

	mu      sync.Mutex
	stopFns []func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewEventStream wires handler to the session's page events. onNav (may
// be nil) receives navigate events; onReady (may be nil) fires after each
// new document is instrumented.
func NewEventStream(s *Session, poll time.Duration, handler EventHandler, onNav EventHandler, onReady ReadyHandler) *EventStream {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &EventStream{
		session: s,
		poll:    poll,
		handler: handler,
		onNav:   onNav,
		onReady: onReady,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start instruments the page and begins draining. Returns after the hooks
// are installed; the drain loop runs until Stop or ctx cancellation.
func (es *EventStream) Start(ctx context.Context) error {
	es.mu.Lock()
	if es.running {
		es.mu.Unlock()
		return nil
	}
	es.running = true
	es.mu.Unlock()

	page := es.session.Page()
	if page == nil {
		es.abortStart()
		return errNoPage
	}

	if err := es.install(ctx, page); err != nil {
		es.abortStart()
		return err
	}

	// CDP navigation watcher. rod's EachEvent returns a wait func that
	// unblocks when the page context ends.
	navCtx, cancelNav := context.WithCancel(ctx)
	waitNav := page.Context(navCtx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame.ParentID != "" {
			return // iframe churn is not a navigation
		}
		logging.BrowserDebug("navigated to %s", ev.Frame.URL)
		if es.onNav != nil {
			es.onNav(recorder.RawEvent{
				Kind: recorder.EventNavigate,
				URL:  ev.Frame.URL,
				At:   time.Now(),
			})
		}
		// Re-instrument the fresh document, then signal readiness.
		go es.reinstall(ctx, page)
	})
	go waitNav()
	es.addStop(cancelNav)

	go es.drainLoop(ctx, page)
	return nil
}

// abortStart unwinds a failed Start so Stop stays a no-op.
func (es *EventStream) abortStart() {
	es.mu.Lock()
	es.running = false
	es.mu.Unlock()
}

func (es *EventStream) addStop(fn func()) {
	es.mu.Lock()
	es.stopFns = append(es.stopFns, fn)
	es.mu.Unlock()
}

func (es *EventStream) install(ctx context.Context, page *rod.Page) error {
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           dom.CaptureScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	logging.BrowserDebug("capture hooks installed")
	return nil
}

func (es *EventStream) reinstall(ctx context.Context, page *rod.Page) {
	if err := page.Context(ctx).Timeout(10 * time.Second).WaitLoad(); err != nil {
		logging.BrowserDebug("post-navigation load wait: %v", err)
	}
	// Let SPA re-renders settle before hooks go in and readiness fires;
	// resolving against a half-painted document wastes a heal.
	es.session.WaitStable(ctx, 2*time.Second)
	if err := es.install(ctx, page); err != nil {
		logging.BrowserWarn("failed to re-instrument after navigation: %v", err)
		return
	}
	if es.onReady != nil {
		es.onReady()
	}
}

func (es *EventStream) drainLoop(ctx context.Context, page *rod.Page) {
	defer close(es.doneCh)
	ticker := time.NewTicker(es.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-es.stopCh:
			return
		case <-ticker.C:
			es.drain(ctx, page)
		}
	}
}

func (es *EventStream) drain(ctx context.Context, page *rod.Page) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           dom.DrainScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return
	}
	for _, ce := range dom.DecodeCapturedEvents(raw) {
		es.handler(toRawEvent(ce))
	}
}

func toRawEvent(ce dom.CapturedEvent) recorder.RawEvent {
	ev := recorder.RawEvent{
		Kind:        recorder.EventKind(ce.Kind),
		Ref:         ce.Ref,
		Value:       ce.Value,
		URL:         ce.URL,
		FromOverlay: ce.FromOverlay,
	}
	if ce.TS > 0 {
		ev.At = time.UnixMilli(int64(ce.TS))
	}
	if len(ce.Descriptor) > 0 {
		d := dom.DecodeDescriptor(ce.Descriptor)
		if d.Replayable() || d.Meta.Tag != "" {
			ev.Descriptor = &d
		}
	}
	return ev
}

// Stop tears the stream down synchronously: when it returns, the CDP
// subscription is cancelled and the drain loop has exited, so no further
// events will be delivered.
func (es *EventStream) Stop() {
	es.mu.Lock()
	if !es.running {
		es.mu.Unlock()
		return
	}
	es.running = false
	fns := es.stopFns
	es.stopFns = nil
	es.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	close(es.stopCh)
	<-es.doneCh
	logging.BrowserDebug("event stream stopped")
}
