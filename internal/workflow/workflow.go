// Package workflow defines the recorded workflow and step model shared by
// the recorder, the store, and the walkthrough engine.
package workflow

import (
	"fmt"
	"time"

	"overlay/internal/dom"
)

// ActionType classifies what the user did in a step.
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionInputCommit  ActionType = "input_commit"
	ActionSelectChange ActionType = "select_change"
	ActionSubmit       ActionType = "submit"
	ActionNavigate     ActionType = "navigate"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionClick, ActionInputCommit, ActionSelectChange, ActionSubmit, ActionNavigate:
		return true
	}
	return false
}

// TakesValue reports whether steps of this type carry a value.
func (t ActionType) TakesValue() bool {
	return t == ActionInputCommit || t == ActionSelectChange
}

// Step is one recorded user action. Created during recording, read-only
// during replay. Order is assigned the instant the triggering event is
// observed and never changes afterwards, regardless of when asynchronous
// enrichment (screenshots, DOM serialization) completes.
type Step struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Order      int                    `json:"order"`
	Action     ActionType             `json:"action"`
	Descriptor *dom.ElementDescriptor `json:"descriptor,omitempty"` // absent only for pure navigation steps
	Value      string                 `json:"value,omitempty"`
	URL        string                 `json:"url,omitempty"` // destination for navigate steps
	CreatedAt  time.Time              `json:"created_at"`
}

// RequiresDescriptor reports whether this step must carry an element target.
func (s Step) RequiresDescriptor() bool {
	return s.Action != ActionNavigate
}

// Validate checks a single step's internal consistency.
func (s Step) Validate() error {
	if !s.Action.Valid() {
		return fmt.Errorf("step %d: unknown action type %q", s.Order, s.Action)
	}
	if s.Order < 1 {
		return fmt.Errorf("step %d: order must be >= 1", s.Order)
	}
	if s.RequiresDescriptor() {
		if s.Descriptor == nil {
			return fmt.Errorf("step %d: %s step requires a descriptor", s.Order, s.Action)
		}
		if !s.Descriptor.Replayable() {
			return fmt.Errorf("step %d: descriptor has no selectors", s.Order)
		}
	}
	if s.Action == ActionNavigate && s.URL == "" {
		return fmt.Errorf("step %d: navigate step requires a url", s.Order)
	}
	return nil
}

// Workflow is a named, ordered sequence of steps.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	StartURL    string    `json:"start_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Steps       []Step    `json:"steps"` // ascending by Order
}

// Validate checks the workflow invariants: orders are unique and strictly
// increasing, and every step is individually valid.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow requires a name")
	}
	prev := 0
	for i := range w.Steps {
		s := w.Steps[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if s.Order <= prev {
			return fmt.Errorf("step order %d not strictly increasing after %d", s.Order, prev)
		}
		prev = s.Order
	}
	return nil
}

// StepAt returns the step with the given order, or nil.
func (w *Workflow) StepAt(order int) *Step {
	for i := range w.Steps {
		if w.Steps[i].Order == order {
			return &w.Steps[i]
		}
	}
	return nil
}

// NextOrder returns the smallest recorded order strictly greater than the
// given one, or 0 when no steps remain.
func (w *Workflow) NextOrder(after int) int {
	best := 0
	for i := range w.Steps {
		o := w.Steps[i].Order
		if o > after && (best == 0 || o < best) {
			best = o
		}
	}
	return best
}

// FirstOrder returns the smallest recorded order, or 0 for an empty workflow.
func (w *Workflow) FirstOrder() int {
	return w.NextOrder(0)
}
