package dom

import "context"

// Node is one live-element observation taken from a document snapshot.
// Ref is only meaningful against the document that produced it and only
// for the current resolution attempt - the host page can mutate at any
// time, so refs are never cached across walkthrough steps.
type Node struct {
	Ref       string         `json:"ref"`
	Tag       string         `json:"tag"`
	Role      string         `json:"role,omitempty"`
	InputType string         `json:"input_type,omitempty"`
	Text      string         `json:"text,omitempty"`
	Classes   []string       `json:"classes,omitempty"`
	Bounds    Rect           `json:"bounds"`
	Ancestors []AncestorLink `json:"ancestors,omitempty"`
	Landmark  string         `json:"landmark,omitempty"`
	FormID    string         `json:"form_id,omitempty"`
	Region    Region         `json:"region,omitempty"`
	// MainDistance is the DOM-tree distance to the page's primary content
	// landmark (the <main> element or its fallback). Used to break score ties.
	MainDistance int `json:"main_distance"`
}

// Document is the capability the healer queries fresh on every resolution.
// Implementations: the rod-backed live page in internal/browser, and an
// in-memory fake for tests.
type Document interface {
	// Query returns refs of elements matching a CSS selector (or, when the
	// selector starts with "/", an XPath). Every matching element is
	// returned; the exact tier treats more than one hit as ambiguous.
	Query(ctx context.Context, selector string) ([]string, error)

	// Candidates returns snapshot nodes sharing the given tag and, when
	// non-empty, role and input type. Tag is mandatory.
	Candidates(ctx context.Context, tag, role, inputType string) ([]Node, error)

	// Describe extracts a full descriptor for a live ref. Used by the
	// recorder and by the user-disambiguation tier.
	Describe(ctx context.Context, ref string) (ElementDescriptor, error)

	// Rect returns the current viewport-relative rect for a live ref.
	// ok is false when the element has disappeared since the snapshot.
	Rect(ctx context.Context, ref string) (Rect, bool)
}
