package healer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"overlay/internal/dom"
	"overlay/internal/workflow"
)

// fakeDoc is an in-memory Document: selectors map to ref lists, candidate
// nodes are returned for matching tags.
type fakeDoc struct {
	selectors map[string][]string
	nodes     []dom.Node
	rects     map[string]dom.Rect

	queryErr      error
	candidatesErr error
	panicOnQuery  bool
}

func (f *fakeDoc) Query(_ context.Context, selector string) ([]string, error) {
	if f.panicOnQuery {
		panic("page detached")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.selectors[selector], nil
}

func (f *fakeDoc) Candidates(_ context.Context, tag, role, inputType string) ([]dom.Node, error) {
	if f.candidatesErr != nil {
		return nil, f.candidatesErr
	}
	var out []dom.Node
	for _, n := range f.nodes {
		if n.Tag != tag {
			continue
		}
		if role != "" && n.Role != role {
			continue
		}
		if inputType != "" && n.InputType != inputType {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeDoc) Describe(_ context.Context, ref string) (dom.ElementDescriptor, error) {
	return dom.ElementDescriptor{}, errors.New("not implemented")
}

func (f *fakeDoc) Rect(_ context.Context, ref string) (dom.Rect, bool) {
	r, ok := f.rects[ref]
	return r, ok
}

func submitStep(d *dom.ElementDescriptor) workflow.Step {
	return workflow.Step{
		ID:         "step-1",
		WorkflowID: "wf-1",
		Order:      1,
		Action:     workflow.ActionClick,
		Descriptor: d,
	}
}

func buttonDescriptor() *dom.ElementDescriptor {
	return &dom.ElementDescriptor{
		Selectors: dom.SelectorSet{
			Primary:    `[data-testid="save"]`,
			Structural: "form > button.save",
			Positional: "/html/body/main/form/button[1]",
		},
		Meta: dom.Metadata{
			Tag:      "button",
			Role:     "button",
			Text:     "Save changes",
			Classes:  []string{"save", "btn-primary"},
			Bounds:   &dom.Rect{X: 0.4, Y: 0.6, W: 0.1, H: 0.05},
			Landmark: "Account settings",
			Ancestors: []dom.AncestorLink{
				{Tag: "main"},
				{Tag: "form"},
			},
		},
		Page: dom.PageContext{URL: "https://app.example.com/settings"},
	}
}

func TestHealExactUniqueHit(t *testing.T) {
	doc := &fakeDoc{
		selectors: map[string][]string{`[data-testid="save"]`: {"ref-7"}},
		rects:     map[string]dom.Rect{"ref-7": {X: 0.4, Y: 0.6, W: 0.1, H: 0.05}},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Resolution != ResolutionExact {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionExact)
	}
	if !res.Success || res.Element == nil {
		t.Fatal("exact hit must succeed with a non-nil element")
	}
	if res.Element.Ref != "ref-7" {
		t.Errorf("ref = %q, want ref-7", res.Element.Ref)
	}
	if res.AIConfidence != nil {
		t.Error("AIConfidence must be nil for non-AI resolutions")
	}
}

func TestHealSkipsAmbiguousSelector(t *testing.T) {
	// Primary matches two elements; structural matches one. The ambiguous
	// primary must be skipped rather than picking an arbitrary hit.
	doc := &fakeDoc{
		selectors: map[string][]string{
			`[data-testid="save"]`: {"ref-1", "ref-2"},
			"form > button.save":   {"ref-2"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Resolution != ResolutionExact {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionExact)
	}
	if res.Element.Ref != "ref-2" {
		t.Errorf("ref = %q, want ref-2 (from the unambiguous selector)", res.Element.Ref)
	}
}

func TestHealDeterministicAfterRedesign(t *testing.T) {
	// Selectors are stale; the page still has the button with the same
	// label under the same landmark, at a new position with new classes.
	doc := &fakeDoc{
		nodes: []dom.Node{
			{
				Ref: "ref-new", Tag: "button", Role: "button",
				Text:     "Save changes",
				Classes:  []string{"btn", "btn-solid"},
				Bounds:   dom.Rect{X: 0.7, Y: 0.8, W: 0.1, H: 0.05},
				Landmark: "Account settings",
				Ancestors: []dom.AncestorLink{
					{Tag: "main"},
					{Tag: "form"},
				},
				MainDistance: 2,
			},
			{
				Ref: "ref-other", Tag: "button", Role: "button",
				Text:         "Cancel",
				Bounds:       dom.Rect{X: 0.2, Y: 0.8, W: 0.1, H: 0.05},
				Landmark:     "Account settings",
				MainDistance: 2,
			},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Resolution != ResolutionDeterministic {
		t.Fatalf("resolution = %s, want %s (score %.2f)", res.Resolution, ResolutionDeterministic, res.Score)
	}
	if res.Element == nil || res.Element.Ref != "ref-new" {
		t.Fatalf("element = %+v, want ref-new", res.Element)
	}
	if res.Score < 0.60 {
		t.Errorf("accepted score %.2f below threshold", res.Score)
	}
	if res.AIConfidence != nil {
		t.Error("AIConfidence must be nil for deterministic healing")
	}
}

func TestHealTieBreaksTowardMainContent(t *testing.T) {
	// Two identically scoring nodes; the one closer to the main landmark wins.
	twin := func(ref string, dist int) dom.Node {
		return dom.Node{
			Ref: ref, Tag: "button", Role: "button",
			Text:     "Save changes",
			Classes:  []string{"save", "btn-primary"},
			Bounds:   dom.Rect{X: 0.4, Y: 0.6, W: 0.1, H: 0.05},
			Landmark: "Account settings",
			Ancestors: []dom.AncestorLink{
				{Tag: "main"},
				{Tag: "form"},
			},
			MainDistance: dist,
		}
	}
	doc := &fakeDoc{nodes: []dom.Node{twin("ref-far", 9), twin("ref-near", 1)}}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Element == nil || res.Element.Ref != "ref-near" {
		t.Fatalf("got %+v, want ref-near to win the tie", res.Element)
	}
}

func TestHealAITierAcceptsMatch(t *testing.T) {
	// One weak candidate below threshold; AI confirms it.
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-weak", Tag: "button", Role: "button", Text: "Apply",
				Bounds: dom.Rect{X: 0.1, Y: 0.1, W: 0.05, H: 0.03}},
		},
	}
	h := New(doc, DefaultConfig())

	var sawCandidates int
	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		AIEnabled: true,
		OnAIValidate: func(_ context.Context, _ dom.ElementDescriptor, cs []Candidate) (Verdict, error) {
			sawCandidates = len(cs)
			return Verdict{IsMatch: true, Confidence: 0.85}, nil
		},
	})

	if res.Resolution != ResolutionAI {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionAI)
	}
	if res.AIConfidence == nil || *res.AIConfidence != 0.85 {
		t.Fatalf("AIConfidence = %v, want 0.85", res.AIConfidence)
	}
	if res.Element == nil || res.Element.Ref != "ref-weak" {
		t.Fatalf("element = %+v, want ref-weak", res.Element)
	}
	if sawCandidates == 0 {
		t.Error("validator never saw candidates")
	}
}

func TestHealAITimeoutFallsThrough(t *testing.T) {
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-weak", Tag: "button", Role: "button", Text: "Apply"},
		},
	}
	h := New(doc, DefaultConfig())

	start := time.Now()
	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		AIEnabled: true,
		AITimeout: 30 * time.Millisecond,
		OnAIValidate: func(ctx context.Context, _ dom.ElementDescriptor, _ []Candidate) (Verdict, error) {
			<-ctx.Done()
			time.Sleep(5 * time.Second)
			return Verdict{IsMatch: true, Confidence: 0.99}, nil
		},
	})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s after AI timeout", res.Resolution, ResolutionFailed)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("heal waited on a hung validator past its timeout")
	}
}

func TestHealAIErrorFallsToFailed(t *testing.T) {
	// A rejected AI call is no opinion; with no user prompt the heal fails
	// with a clean result.
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-weak", Tag: "button", Role: "button", Text: "Apply"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		AIEnabled: true,
		OnAIValidate: func(_ context.Context, _ dom.ElementDescriptor, _ []Candidate) (Verdict, error) {
			return Verdict{}, errors.New("rate limit exceeded (429)")
		},
	})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s after AI error", res.Resolution, ResolutionFailed)
	}
	if res.Success {
		t.Error("failed heal reported success")
	}
	if res.Element != nil {
		t.Errorf("failed heal carried element %+v", res.Element)
	}
	if res.AIConfidence != nil {
		t.Errorf("failed heal carried AI confidence %v", *res.AIConfidence)
	}
}

func TestHealAIRejectsOutOfRangeConfidence(t *testing.T) {
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-weak", Tag: "button", Role: "button", Text: "Apply"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		AIEnabled: true,
		OnAIValidate: func(_ context.Context, _ dom.ElementDescriptor, _ []Candidate) (Verdict, error) {
			return Verdict{IsMatch: true, Confidence: 4.2}, nil
		},
	})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s for malformed verdict", res.Resolution, ResolutionFailed)
	}
}

func TestHealUserTier(t *testing.T) {
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-a", Tag: "button", Role: "button", Text: "Apply"},
			{Ref: "ref-b", Tag: "button", Role: "button", Text: "Reset"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		OnUserPrompt: func(_ context.Context, cs []Candidate) (*dom.Node, error) {
			if len(cs) == 0 {
				t.Fatal("prompt received no candidates")
			}
			n := cs[len(cs)-1].Node
			return &n, nil
		},
	})

	if res.Resolution != ResolutionUser {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionUser)
	}
	if res.AIConfidence != nil {
		t.Error("AIConfidence must be nil for user resolution")
	}
}

func TestHealUserDeclineFails(t *testing.T) {
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-a", Tag: "button", Role: "button", Text: "Apply"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		OnUserPrompt: func(_ context.Context, _ []Candidate) (*dom.Node, error) {
			return nil, nil
		},
	})

	if res.Resolution != ResolutionFailed || res.Element != nil || res.Success {
		t.Fatalf("declined prompt must fail cleanly, got %+v", res)
	}
}

func TestHealAllTiersExhausted(t *testing.T) {
	h := New(&fakeDoc{}, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionFailed)
	}
	if res.Element != nil {
		t.Error("failed result must carry a nil element")
	}
	if res.Success {
		t.Error("failed result must not report success")
	}
}

func TestHealNeverPanics(t *testing.T) {
	h := New(&fakeDoc{panicOnQuery: true}, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s after internal panic", res.Resolution, ResolutionFailed)
	}
}

func TestHealNonReplayableDescriptor(t *testing.T) {
	h := New(&fakeDoc{}, DefaultConfig())

	for _, d := range []*dom.ElementDescriptor{nil, {}} {
		res := h.Heal(context.Background(), submitStep(d), Options{})
		if res.Resolution != ResolutionFailed {
			t.Errorf("descriptor %+v: resolution = %s, want failed", d, res.Resolution)
		}
	}
}

func TestHealAISkippedWhenDisabled(t *testing.T) {
	doc := &fakeDoc{
		nodes: []dom.Node{
			{Ref: "ref-weak", Tag: "button", Role: "button", Text: "Apply"},
		},
	}
	h := New(doc, DefaultConfig())

	res := h.Heal(context.Background(), submitStep(buttonDescriptor()), Options{
		AIEnabled: false,
		OnAIValidate: func(_ context.Context, _ dom.ElementDescriptor, _ []Candidate) (Verdict, error) {
			t.Fatal("validator called with AI disabled")
			return Verdict{}, nil
		},
	})

	if res.Resolution != ResolutionFailed {
		t.Fatalf("resolution = %s, want %s", res.Resolution, ResolutionFailed)
	}
}

func TestMatchReasonsName(t *testing.T) {
	d := *buttonDescriptor()
	n := dom.Node{
		Ref: "r", Tag: "button", Role: "button",
		Text: "Save changes", Landmark: "Account settings",
		Classes: []string{"save", "btn-primary"},
		Bounds:  dom.Rect{X: 0.4, Y: 0.6, W: 0.1, H: 0.05},
		Ancestors: []dom.AncestorLink{
			{Tag: "main"}, {Tag: "form"},
		},
	}
	c := scoreOne(d, n, DefaultConfig().Weights)

	joined := strings.Join(c.MatchReasons, ",")
	for _, want := range []string{"text match", "landmark match", "class overlap"} {
		if !strings.Contains(joined, want) {
			t.Errorf("MatchReasons %v missing %q", c.MatchReasons, want)
		}
	}
	if c.Score < 0.9 {
		t.Errorf("near-identical node scored %.2f", c.Score)
	}
}
