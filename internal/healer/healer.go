// Package healer re-locates a recorded step's target element on the live
// page when its exact selectors no longer resolve. Resolution is tiered:
// exact selectors, deterministic scoring, AI semantic validation, then user
// disambiguation. Heal never returns an error and never panics outward -
// it runs inside a live user-facing walkthrough, where an escaped failure
// would freeze the overlay.
package healer

import (
	"context"
	"sync"
	"time"

	"overlay/internal/dom"
	"overlay/internal/logging"
	"overlay/internal/workflow"
)

// Resolution describes how (or whether) the target was found.
type Resolution string

const (
	ResolutionExact         Resolution = "exact"
	ResolutionDeterministic Resolution = "healed_deterministic"
	ResolutionAI            Resolution = "healed_ai"
	ResolutionUser          Resolution = "healed_user"
	ResolutionFailed        Resolution = "failed"
)

// Candidate is one scored live-DOM match. Ephemeral: produced per
// resolution attempt, never persisted.
type Candidate struct {
	Node         dom.Node
	Score        float64
	MatchReasons []string
}

// Result is the outcome of one resolution attempt.
// Invariants: Resolution == ResolutionFailed implies Element == nil and
// !Success; AIConfidence is non-nil exactly when Resolution == ResolutionAI.
type Result struct {
	Resolution   Resolution
	Element      *dom.Node
	AIConfidence *float64
	Success      bool
	// Score is the deterministic score of the chosen candidate; 1 for
	// exact hits, 0 on failure. Recorded in run history for tuning.
	Score    float64
	Duration time.Duration
}

// Verdict is a well-formed AI validation answer.
type Verdict struct {
	IsMatch    bool
	Confidence float64
}

// AIValidator judges whether one of the candidates is the recorded element.
// Any error, timeout, or out-of-range confidence counts as "no opinion".
type AIValidator func(ctx context.Context, recorded dom.ElementDescriptor, candidates []Candidate) (Verdict, error)

// UserPrompt presents candidates for explicit human choice. A nil node or
// an error means the user declined or the prompt failed; both fall through.
type UserPrompt func(ctx context.Context, candidates []Candidate) (*dom.Node, error)

// Options configures one heal call.
type Options struct {
	AIEnabled    bool
	OnAIValidate AIValidator
	// AITimeout bounds the validator call; network calls do not
	// self-cancel, so the healer enforces this. Zero means 8s.
	AITimeout    time.Duration
	OnUserPrompt UserPrompt
}

// Weights are the deterministic-tier scoring weights. Text and landmark
// outweigh raw position: reflow invalidates coordinates long before it
// invalidates nearby labels.
type Weights struct {
	Text     float64
	Landmark float64
	Ancestor float64
	Position float64
	Class    float64
}

func (w Weights) total() float64 {
	return w.Text + w.Landmark + w.Ancestor + w.Position + w.Class
}

// Config holds tuning parameters. The tier ordering and Result invariants
// are fixed; these constants are not a correctness contract.
type Config struct {
	Weights         Weights
	AcceptThreshold float64
	TopK            int
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Text:     0.30,
			Landmark: 0.25,
			Ancestor: 0.20,
			Position: 0.15,
			Class:    0.10,
		},
		AcceptThreshold: 0.60,
		TopK:            3,
	}
}

// AutoHealer resolves recorded descriptors against a live document.
type AutoHealer struct {
	doc dom.Document

	mu  sync.RWMutex
	cfg Config
}

// New creates a healer over the given document capability.
func New(doc dom.Document, cfg Config) *AutoHealer {
	if cfg.Weights.total() <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &AutoHealer{doc: doc, cfg: cfg}
}

// SetConfig swaps tuning parameters; safe during an active walkthrough
// (config hot-reload).
func (h *AutoHealer) SetConfig(cfg Config) {
	if cfg.Weights.total() <= 0 {
		return
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *AutoHealer) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func failed(start time.Time) Result {
	return Result{
		Resolution: ResolutionFailed,
		Element:    nil,
		Success:    false,
		Duration:   time.Since(start),
	}
}

// Heal resolves the step's recorded target on the live document.
func (h *AutoHealer) Heal(ctx context.Context, step workflow.Step, opts Options) (res Result) {
	start := time.Now()

	// Internal failures degrade to the failed result, never outward.
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryHealer).Error("heal panic for step %d: %v", step.Order, r)
			res = failed(start)
		}
	}()

	if step.Descriptor == nil || !step.Descriptor.Replayable() {
		return failed(start)
	}
	d := *step.Descriptor

	// Tier 1: exact selectors in rank order. A selector matching more
	// than one element is ambiguous and skipped, not trusted blindly.
	if node, ok := h.exactTier(ctx, d); ok {
		logging.HealerDebug("step %d resolved exact via %q", step.Order, node.Ref)
		return Result{
			Resolution: ResolutionExact,
			Element:    node,
			Success:    true,
			Score:      1,
			Duration:   time.Since(start),
		}
	}

	// Tier 2: deterministic scoring over tag/role-compatible candidates.
	cfg := h.config()
	candidates := h.scoreCandidates(ctx, d, cfg)
	if len(candidates) > 0 && candidates[0].Score >= cfg.AcceptThreshold {
		top := candidates[0]
		logging.HealerDebug("step %d healed deterministically: score=%.2f reasons=%v",
			step.Order, top.Score, top.MatchReasons)
		node := top.Node
		return Result{
			Resolution: ResolutionDeterministic,
			Element:    &node,
			Success:    true,
			Score:      top.Score,
			Duration:   time.Since(start),
		}
	}

	topK := candidates
	if len(topK) > cfg.TopK {
		topK = topK[:cfg.TopK]
	}

	// Tier 3: AI validation of the below-threshold candidates.
	if opts.AIEnabled && opts.OnAIValidate != nil && len(topK) > 0 {
		if verdict, ok := h.aiTier(ctx, d, topK, opts); ok && verdict.IsMatch {
			conf := verdict.Confidence
			node := topK[0].Node
			logging.Healer("step %d healed by AI: confidence=%.2f", step.Order, conf)
			return Result{
				Resolution:   ResolutionAI,
				Element:      &node,
				AIConfidence: &conf,
				Success:      true,
				Score:        topK[0].Score,
				Duration:     time.Since(start),
			}
		}
	}

	// Tier 4: explicit human choice over the remaining candidates.
	if opts.OnUserPrompt != nil && len(topK) > 0 {
		if node, ok := h.userTier(ctx, topK, opts); ok {
			logging.Healer("step %d healed by user choice: %s", step.Order, node.Ref)
			return Result{
				Resolution: ResolutionUser,
				Element:    node,
				Success:    true,
				Duration:   time.Since(start),
			}
		}
	}

	logging.Healer("step %d: all tiers exhausted", step.Order)
	return failed(start)
}

// exactTier tries each recorded selector against the live document and
// returns the first unique hit.
func (h *AutoHealer) exactTier(ctx context.Context, d dom.ElementDescriptor) (*dom.Node, bool) {
	for _, sel := range d.Selectors.Ranked() {
		refs, err := h.doc.Query(ctx, sel)
		if err != nil {
			logging.HealerDebug("selector %q query error: %v", sel, err)
			continue
		}
		if len(refs) != 1 {
			if len(refs) > 1 {
				logging.HealerDebug("selector %q ambiguous (%d hits), skipping", sel, len(refs))
			}
			continue
		}
		node := &dom.Node{
			Ref:       refs[0],
			Tag:       d.Meta.Tag,
			Role:      d.Meta.Role,
			InputType: d.Meta.InputType,
		}
		if rect, ok := h.doc.Rect(ctx, refs[0]); ok {
			node.Bounds = rect
		}
		return node, true
	}
	return nil, false
}

// aiTier awaits the validator with a bounded timeout. Every deviation -
// error, timeout, panic, confidence outside [0,1] - is "no AI opinion".
func (h *AutoHealer) aiTier(ctx context.Context, d dom.ElementDescriptor, candidates []Candidate, opts Options) (Verdict, bool) {
	timeout := opts.AITimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		verdict Verdict
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: context.Canceled}
			}
		}()
		v, err := opts.OnAIValidate(callCtx, d, candidates)
		ch <- outcome{verdict: v, err: err}
	}()

	select {
	case <-callCtx.Done():
		logging.APIWarn("AI validation timed out after %v", timeout)
		return Verdict{}, false
	case out := <-ch:
		if out.err != nil {
			logging.APIWarn("AI validation unavailable: %v", out.err)
			return Verdict{}, false
		}
		if out.verdict.Confidence < 0 || out.verdict.Confidence > 1 {
			logging.APIWarn("AI confidence %v out of range, ignoring", out.verdict.Confidence)
			return Verdict{}, false
		}
		return out.verdict, true
	}
}

// userTier asks the human. Rejections fall through.
func (h *AutoHealer) userTier(ctx context.Context, candidates []Candidate, opts Options) (*dom.Node, bool) {
	type outcome struct {
		node *dom.Node
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: context.Canceled}
			}
		}()
		n, err := opts.OnUserPrompt(ctx, candidates)
		ch <- outcome{node: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, false
	case out := <-ch:
		if out.err != nil || out.node == nil {
			return nil, false
		}
		return out.node, true
	}
}
