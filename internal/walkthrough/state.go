// Package walkthrough drives guided replay: a state machine that resolves
// each step's target through the healer, waits for the user to perform the
// action, validates it, and advances. The controller owns all walkthrough
// state and emits StateEvents for a rendering layer; it never draws pixels.
package walkthrough

import (
	"overlay/internal/dom"
	"overlay/internal/healer"
	"overlay/internal/workflow"
)

// State is the controller's current phase.
type State string

const (
	StateIdle              State = "idle"
	StateResolving         State = "resolving"
	StateAwaitingAction    State = "awaiting_action"
	StateValidating        State = "validating"
	StateAdvancing         State = "advancing"
	StateCompleted         State = "completed"
	StateNavigationPending State = "navigation_pending"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// InvalidReason says why a detected action did not satisfy the current step.
type InvalidReason string

const (
	ReasonWrongElement  InvalidReason = "wrong_element"
	ReasonWrongAction   InvalidReason = "wrong_action"
	ReasonNoValueChange InvalidReason = "no_value_change"
)

// StateEvent is one controller transition, consumed by the overlay
// renderer. TargetRect anchors the spotlight; it is nil whenever there is
// no resolved element (navigation, completion, failure).
type StateEvent struct {
	State      State
	Step       *workflow.Step
	TargetRect *dom.Rect
	Resolution healer.Resolution
	Reason     InvalidReason
}

// ResumeToken re-enters a walkthrough on a fresh document, e.g. after a
// full page reload tore down the controller.
type ResumeToken struct {
	WorkflowID string `json:"workflow_id"`
	StepOrder  int    `json:"step_order"`
}
