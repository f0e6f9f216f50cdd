package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"

	"overlay/internal/dom"
	"overlay/internal/logging"
)

// PageDocument is the rod-backed dom.Document. Every call evaluates fresh
// against the live page; nothing is cached, because the host page can
// mutate at any time.
type PageDocument struct {
	session *Session
}

// Document exposes the session's current page as a dom.Document.
func (s *Session) Document() *PageDocument {
	return &PageDocument{session: s}
}

func (d *PageDocument) eval(ctx context.Context, js string, args ...interface{}) ([]byte, error) {
	page := d.session.Page()
	if page == nil {
		return nil, fmt.Errorf("no open page")
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

// Query implements dom.Document.
func (d *PageDocument) Query(ctx context.Context, selector string) ([]string, error) {
	raw, err := d.eval(ctx, dom.QueryScript, selector)
	if err != nil {
		return nil, err
	}
	var refs []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &refs); err != nil {
			logging.BrowserDebug("query %q returned garbage: %v", selector, err)
			return nil, nil
		}
	}
	return refs, nil
}

// Candidates implements dom.Document.
func (d *PageDocument) Candidates(ctx context.Context, tag, role, inputType string) ([]dom.Node, error) {
	raw, err := d.eval(ctx, dom.CandidatesScript, tag, role, inputType)
	if err != nil {
		return nil, err
	}
	return dom.DecodeNodes(raw), nil
}

// Describe implements dom.Document.
func (d *PageDocument) Describe(ctx context.Context, ref string) (dom.ElementDescriptor, error) {
	raw, err := d.eval(ctx, dom.DescribeRefScript, ref)
	if err != nil {
		return dom.ElementDescriptor{}, err
	}
	return dom.DecodeDescriptor(raw), nil
}

// Rect implements dom.Document.
func (d *PageDocument) Rect(ctx context.Context, ref string) (dom.Rect, bool) {
	raw, err := d.eval(ctx, dom.RectScript, ref)
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return dom.Rect{}, false
	}
	var r dom.Rect
	if err := json.Unmarshal(raw, &r); err != nil {
		return dom.Rect{}, false
	}
	return r, true
}
