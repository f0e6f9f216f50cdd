// Package dom models recorded UI elements and the live-document capability
// the healer resolves them against. Descriptors are intentionally redundant:
// matching degrades gracefully as individual signals disappear from the page.
package dom

import "strings"

// Region is a coarse page-region classification used as a scoring tie-breaker.
type Region string

const (
	RegionHeader  Region = "header"
	RegionMain    Region = "main"
	RegionSidebar Region = "sidebar"
	RegionFooter  Region = "footer"
	RegionUnknown Region = ""
)

// Rect is a bounding box relative to the viewport (coordinates in [0,1]),
// so recorded positions survive window resizes.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the relative center point.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// AncestorLink is one entry in a bounded-depth ancestor chain.
type AncestorLink struct {
	Tag  string `json:"tag"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
}

// key collapses an ancestor link to the tag+role identity used for
// chain similarity. Text is too volatile to key on.
func (a AncestorLink) key() string {
	return a.Tag + "/" + a.Role
}

// SelectorSet holds ranked selectors for an element. No individual selector
// is required, but a descriptor with an empty set cannot be replayed.
type SelectorSet struct {
	// Primary is a stable id or test-id selector, e.g. "#submit" or
	// "[data-testid=\"checkout\"]".
	Primary string `json:"primary,omitempty"`
	// Structural is a CSS path built from the element's ancestry.
	Structural string `json:"structural,omitempty"`
	// Positional is an absolute XPath; brittle, tried last.
	Positional string `json:"positional,omitempty"`
}

// Ranked returns the non-empty selectors in trust order.
func (s SelectorSet) Ranked() []string {
	out := make([]string, 0, 3)
	for _, sel := range []string{s.Primary, s.Structural, s.Positional} {
		if sel != "" {
			out = append(out, sel)
		}
	}
	return out
}

// Empty reports whether no selector is present.
func (s SelectorSet) Empty() bool {
	return s.Primary == "" && s.Structural == "" && s.Positional == ""
}

// Metadata carries the semantic signals used by the deterministic
// scoring tier. Every field is optional.
type Metadata struct {
	Tag       string         `json:"tag,omitempty"`
	Role      string         `json:"role,omitempty"`
	InputType string         `json:"input_type,omitempty"`
	Text      string         `json:"text,omitempty"`
	Classes   []string       `json:"classes,omitempty"`
	Bounds    *Rect          `json:"bounds,omitempty"`
	Ancestors []AncestorLink `json:"ancestors,omitempty"`
	// Landmark is the closest heading/label/sibling text near the element.
	Landmark string `json:"landmark,omitempty"`
	// FormID identifies the enclosing form, if any.
	FormID string `json:"form_id,omitempty"`
	Region Region `json:"region,omitempty"`
}

// PageContext records where the element was captured.
type PageContext struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// ElementDescriptor is the durable identity of a recorded element.
// Immutable once created; owned by a workflow step.
type ElementDescriptor struct {
	Selectors SelectorSet `json:"selectors"`
	Meta      Metadata    `json:"meta"`
	Page      PageContext `json:"page"`
}

// Replayable reports whether the descriptor carries at least one selector,
// the minimum required for the exact tier to have anything to try.
func (d ElementDescriptor) Replayable() bool {
	return !d.Selectors.Empty()
}

// URLPattern converts a recorded URL into a comparable pattern: path
// segments that are pure digits or uuids become wildcards, so
// /orders/8123/edit matches /orders/9004/edit.
func URLPattern(rawURL string) string {
	base := rawURL
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "/")
	for i, p := range parts {
		if isVolatileSegment(p) {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "/")
}

func isVolatileSegment(s string) bool {
	if s == "" {
		return false
	}
	digits := true
	for _, r := range s {
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	if digits {
		return true
	}
	// uuid shape: 36 chars, hyphens at fixed offsets
	if len(s) == 36 && s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-' {
		return true
	}
	return false
}
