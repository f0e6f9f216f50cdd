package walkthrough

import (
	"context"
	"fmt"
	"sync"

	"overlay/internal/dom"
	"overlay/internal/healer"
	"overlay/internal/logging"
	"overlay/internal/store"
	"overlay/internal/workflow"
)

// Healer resolves a step's target on the live document.
type Healer interface {
	Heal(ctx context.Context, step workflow.Step, opts healer.Options) healer.Result
}

// RunLog persists per-step resolution outcomes. *store.LocalStore
// satisfies it; a nil RunLog disables history.
type RunLog interface {
	RecordRunStep(rs store.RunStep) error
	FinishRun(runID, status string) error
}

// Deps wires the controller to its collaborators.
type Deps struct {
	Healer   Healer
	Doc      dom.Document
	HealOpts healer.Options

	// Navigate drives the browser for navigate steps. Nil means guidance
	// only: the controller waits for the user to navigate themselves.
	Navigate func(ctx context.Context, url string) error
	// CurrentURL reports the document's present location.
	CurrentURL func(ctx context.Context) (string, error)

	// Detach releases every page subscription feeding this controller
	// (detector, navigation watcher). Called synchronously during Exit,
	// before any state change, so the stop click itself can never be
	// validated as a workflow action.
	Detach func()

	RunLog RunLog
	RunID  string
}

// Controller is the walkthrough state machine. All transitions happen on
// one internal goroutine; inputs arrive over channels, mirroring a
// single-threaded event loop.
type Controller struct {
	deps Deps
	wf   *workflow.Workflow

	events  chan StateEvent
	actions chan DetectedAction
	navs    chan string
	ready   chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.Mutex
	state    State
	order    int
	resolved *dom.Node
	started  bool
	stopped  bool
}

// NewController builds a controller for one walkthrough of wf.
func NewController(wf *workflow.Workflow, deps Deps) (*Controller, error) {
	if wf == nil || len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	if deps.Healer == nil {
		return nil, fmt.Errorf("healer is required")
	}
	return &Controller{
		deps:    deps,
		wf:      wf,
		events:  make(chan StateEvent, 64),
		actions: make(chan DetectedAction, 8),
		navs:    make(chan string, 4),
		ready:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		state:   StateIdle,
	}, nil
}

// Start begins the walkthrough at the first step.
func (c *Controller) Start(ctx context.Context) error {
	return c.startAt(ctx, c.wf.FirstOrder())
}

// Resume re-enters a walkthrough on a fresh document at the step the
// token names.
func (c *Controller) Resume(ctx context.Context, token ResumeToken) error {
	if token.WorkflowID != c.wf.ID {
		return fmt.Errorf("token is for workflow %s, controller holds %s", token.WorkflowID, c.wf.ID)
	}
	if c.wf.StepAt(token.StepOrder) == nil {
		return fmt.Errorf("workflow %s has no step %d", c.wf.ID, token.StepOrder)
	}
	return c.startAt(ctx, token.StepOrder)
}

func (c *Controller) startAt(ctx context.Context, order int) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("walkthrough already started")
	}
	c.started = true
	c.order = order
	c.mu.Unlock()

	logging.Walkthrough("starting walkthrough of %q at step %d", c.wf.Name, order)
	go c.loop(ctx, order)
	return nil
}

// Events is the renderer's subscription. Closed when the loop ends.
func (c *Controller) Events() <-chan StateEvent {
	return c.events
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token captures the current position for navigation restore.
func (c *Controller) Token() ResumeToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ResumeToken{WorkflowID: c.wf.ID, StepOrder: c.order}
}

// OnAction feeds a detected user action. Safe from any goroutine; actions
// arriving outside AwaitingAction are discarded.
func (c *Controller) OnAction(a DetectedAction) {
	select {
	case c.actions <- a:
	default:
		logging.WalkthroughDebug("action dropped, controller busy")
	}
}

// OnNavigation signals a document location change.
func (c *Controller) OnNavigation(url string) {
	select {
	case c.navs <- url:
	default:
	}
}

// OnDocumentReady signals that the new document finished loading.
func (c *Controller) OnDocumentReady() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Exit tears the walkthrough down. Subscriptions are released
// synchronously before the state changes and before this returns; on
// return the loop has fully stopped.
func (c *Controller) Exit() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if c.deps.Detach != nil {
		c.deps.Detach()
	}
	close(c.stopCh)
	if started {
		<-c.doneCh
	}

	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if c.deps.RunLog != nil && c.deps.RunID != "" && c.State() != StateCompleted && c.State() != StateFailed {
		if err := c.deps.RunLog.FinishRun(c.deps.RunID, store.RunStatusAbandoned); err != nil {
			logging.WalkthroughDebug("failed to close run record: %v", err)
		}
	}
	logging.Walkthrough("walkthrough of %q exited", c.wf.Name)
}

func (c *Controller) loop(ctx context.Context, startOrder int) {
	defer close(c.doneCh)
	defer close(c.events)

	c.resolve(ctx, startOrder)

	for {
		if c.State().Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case a := <-c.actions:
			c.handleAction(ctx, a)
		case <-c.navs:
			c.enterNavigationPending()
		case <-c.ready:
			if c.State() == StateNavigationPending {
				// Same step: navigation never advances the pointer.
				c.resolve(ctx, c.currentOrder())
			}
		}
	}
}

func (c *Controller) currentOrder() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

func (c *Controller) setState(s State, resolved *dom.Node) {
	c.mu.Lock()
	c.state = s
	c.resolved = resolved
	c.mu.Unlock()
}

func (c *Controller) emit(ev StateEvent) {
	select {
	case c.events <- ev:
	default:
		logging.WalkthroughDebug("renderer lagging, state event dropped: %s", ev.State)
	}
}

func (c *Controller) enterNavigationPending() {
	if c.State().Terminal() {
		return
	}
	step := c.wf.StepAt(c.currentOrder())
	c.setState(StateNavigationPending, nil)
	c.emit(StateEvent{State: StateNavigationPending, Step: step})
	logging.WalkthroughDebug("navigation observed at step %d, suspending", c.currentOrder())
}

// navigationPending drains a queued location change, so a heal that died
// because the page unloaded under it is retried instead of failing the
// walkthrough.
func (c *Controller) navigationPending() bool {
	select {
	case <-c.navs:
		return true
	default:
		return false
	}
}

func (c *Controller) resolve(ctx context.Context, order int) {
	step := c.wf.StepAt(order)
	if step == nil {
		c.fail(nil, "step vanished from workflow")
		return
	}

	c.mu.Lock()
	c.order = order
	c.state = StateResolving
	c.resolved = nil
	c.mu.Unlock()
	c.emit(StateEvent{State: StateResolving, Step: step})

	if step.Action == workflow.ActionNavigate {
		c.resolveNavigate(ctx, step)
		return
	}

	res := c.deps.Healer.Heal(ctx, *step, c.deps.HealOpts)
	failReason := ""
	if !res.Success {
		failReason = "all tiers exhausted"
	}
	c.recordOutcome(step.Order, res, failReason)

	if !res.Success {
		if c.navigationPending() {
			c.enterNavigationPending()
			return
		}
		c.fail(step, "healing exhausted all tiers")
		return
	}

	rect := c.freshRect(ctx, res.Element)
	c.setState(StateAwaitingAction, res.Element)
	c.emit(StateEvent{
		State:      StateAwaitingAction,
		Step:       step,
		TargetRect: rect,
		Resolution: res.Resolution,
	})
	logging.Walkthrough("step %d resolved (%s), awaiting user action", step.Order, res.Resolution)
}

// resolveNavigate treats a navigate step as satisfied once the document
// is at the recorded URL; otherwise it drives (or waits for) the jump.
func (c *Controller) resolveNavigate(ctx context.Context, step *workflow.Step) {
	if c.deps.CurrentURL != nil {
		if cur, err := c.deps.CurrentURL(ctx); err == nil &&
			dom.URLPattern(cur) == dom.URLPattern(step.URL) {
			c.recordOutcome(step.Order, healer.Result{
				Resolution: healer.ResolutionExact, Success: true, Score: 1,
			}, "")
			c.advance(ctx, step)
			return
		}
	}

	c.setState(StateNavigationPending, nil)
	c.emit(StateEvent{State: StateNavigationPending, Step: step})

	if c.deps.Navigate != nil {
		go func() {
			if err := c.deps.Navigate(ctx, step.URL); err != nil {
				logging.Get(logging.CategoryWalkthrough).Warn("navigation to %s failed: %v", step.URL, err)
			}
		}()
	}
	// OnDocumentReady re-enters Resolving for this same step, which then
	// sees the URL in place and advances.
}

func (c *Controller) handleAction(ctx context.Context, a DetectedAction) {
	if c.State() != StateAwaitingAction {
		logging.WalkthroughDebug("stray %s action ignored in state %s", a.Action, c.State())
		return
	}
	step := c.wf.StepAt(c.currentOrder())
	if step == nil {
		return
	}

	c.mu.Lock()
	resolved := c.resolved
	c.state = StateValidating
	c.mu.Unlock()
	c.emit(StateEvent{State: StateValidating, Step: step})

	ok, reason := Validate(*step, resolved, a)
	if !ok {
		// Back to waiting; the step is not consumed.
		c.setState(StateAwaitingAction, resolved)
		c.emit(StateEvent{
			State:      StateAwaitingAction,
			Step:       step,
			TargetRect: c.freshRect(ctx, resolved),
			Reason:     reason,
		})
		logging.WalkthroughDebug("step %d action rejected: %s", step.Order, reason)
		return
	}

	c.advance(ctx, step)
}

func (c *Controller) advance(ctx context.Context, step *workflow.Step) {
	c.setState(StateAdvancing, nil)
	c.emit(StateEvent{State: StateAdvancing, Step: step})

	next := c.wf.NextOrder(step.Order)
	if next == 0 {
		c.setState(StateCompleted, nil)
		c.emit(StateEvent{State: StateCompleted})
		if c.deps.RunLog != nil && c.deps.RunID != "" {
			if err := c.deps.RunLog.FinishRun(c.deps.RunID, store.RunStatusCompleted); err != nil {
				logging.WalkthroughDebug("failed to finish run: %v", err)
			}
		}
		logging.Walkthrough("walkthrough of %q completed", c.wf.Name)
		return
	}
	// Elements are never carried across steps; the next step re-resolves.
	c.resolve(ctx, next)
}

func (c *Controller) fail(step *workflow.Step, reason string) {
	c.setState(StateFailed, nil)
	c.emit(StateEvent{State: StateFailed, Step: step, Resolution: healer.ResolutionFailed})
	if c.deps.RunLog != nil && c.deps.RunID != "" {
		if err := c.deps.RunLog.FinishRun(c.deps.RunID, store.RunStatusFailed); err != nil {
			logging.WalkthroughDebug("failed to finish run: %v", err)
		}
	}
	order := 0
	if step != nil {
		order = step.Order
	}
	logging.Walkthrough("walkthrough of %q failed at step %d: %s", c.wf.Name, order, reason)
}

// freshRect re-reads the element's position; the page may have reflowed
// since resolution.
func (c *Controller) freshRect(ctx context.Context, node *dom.Node) *dom.Rect {
	if node == nil {
		return nil
	}
	if c.deps.Doc != nil && node.Ref != "" {
		if r, ok := c.deps.Doc.Rect(ctx, node.Ref); ok {
			return &r
		}
	}
	if node.Bounds.W > 0 && node.Bounds.H > 0 {
		r := node.Bounds
		return &r
	}
	return nil
}

func (c *Controller) recordOutcome(order int, res healer.Result, reason string) {
	if c.deps.RunLog == nil || c.deps.RunID == "" {
		return
	}
	rs := store.RunStep{
		RunID:        c.deps.RunID,
		StepOrder:    order,
		Resolution:   string(res.Resolution),
		Score:        res.Score,
		AIConfidence: res.AIConfidence,
		DurationMs:   res.Duration.Milliseconds(),
		Reason:       reason,
	}
	if err := c.deps.RunLog.RecordRunStep(rs); err != nil {
		logging.WalkthroughDebug("failed to record step outcome: %v", err)
	}
}
