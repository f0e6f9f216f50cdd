package walkthrough

import (
	"math"
	"strings"

	"overlay/internal/dom"
	"overlay/internal/workflow"
)

// Validate compares a detected action against the current step's
// expectation. A false result routes the controller back to
// AwaitingAction without consuming the step; the user simply retries.
func Validate(step workflow.Step, resolved *dom.Node, act DetectedAction) (bool, InvalidReason) {
	if act.Action != step.Action {
		return false, ReasonWrongAction
	}
	if !sameTarget(step, resolved, act) {
		return false, ReasonWrongElement
	}
	if step.Action == workflow.ActionInputCommit && strings.TrimSpace(act.Value) == "" {
		return false, ReasonNoValueChange
	}
	return true, ""
}

// sameTarget decides whether the action landed on the resolved element.
// Ref equality is authoritative when the instrumented page tagged the
// target; otherwise fall back to descriptor identity, then geometry.
func sameTarget(step workflow.Step, resolved *dom.Node, act DetectedAction) bool {
	if resolved == nil {
		return false
	}
	if act.Ref != "" && resolved.Ref != "" {
		return act.Ref == resolved.Ref
	}
	if act.Descriptor != nil {
		p := act.Descriptor.Selectors.Primary
		if p != "" && step.Descriptor != nil && p == step.Descriptor.Selectors.Primary {
			return true
		}
		if act.Descriptor.Meta.Tag == resolved.Tag && act.Descriptor.Meta.Bounds != nil {
			return rectClose(*act.Descriptor.Meta.Bounds, resolved.Bounds)
		}
	}
	return false
}

// rectClose treats two viewport-relative rects as the same element when
// their centers are within 2% of the viewport.
func rectClose(a, b dom.Rect) bool {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Abs(ax-bx) < 0.02 && math.Abs(ay-by) < 0.02
}
