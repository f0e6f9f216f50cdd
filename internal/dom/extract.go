package dom

import (
	"encoding/json"
	"strings"
)

// The extraction scripts run inside the page. They must never throw: every
// signal is wrapped so a hostile or half-rendered page degrades a field to
// empty instead of failing the whole extraction.

// helperJS defines the shared signal collectors. Prepended to each script.
const helperJS = `
	const txt = (el) => {
		try { return (el.innerText || el.value || '').trim().slice(0, 200); }
		catch (e) { return ''; }
	};
	const role = (el) => {
		try { return el.getAttribute('role') || ''; } catch (e) { return ''; }
	};
	const relRect = (el) => {
		try {
			const r = el.getBoundingClientRect();
			const vw = Math.max(1, window.innerWidth);
			const vh = Math.max(1, window.innerHeight);
			return { x: r.x / vw, y: r.y / vh, w: r.width / vw, h: r.height / vh };
		} catch (e) { return null; }
	};
	const ancestors = (el, depth) => {
		const out = [];
		try {
			let p = el.parentElement;
			while (p && out.length < depth) {
				out.push({ tag: p.tagName.toLowerCase(), role: role(p), text: txt(p).slice(0, 40) });
				p = p.parentElement;
			}
		} catch (e) {}
		return out;
	};
	const landmark = (el) => {
		try {
			if (el.labels && el.labels.length) return txt(el.labels[0]);
			if (el.id) {
				const lab = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
				if (lab) return txt(lab);
			}
			let p = el.parentElement;
			for (let i = 0; p && i < 4; i++, p = p.parentElement) {
				const h = p.querySelector('h1,h2,h3,h4,legend,label');
				if (h && h !== el) return txt(h);
			}
			const prev = el.previousElementSibling;
			if (prev) return txt(prev).slice(0, 80);
		} catch (e) {}
		return '';
	};
	const region = (el) => {
		try {
			let p = el;
			while (p) {
				const t = p.tagName ? p.tagName.toLowerCase() : '';
				const r = role(p);
				if (t === 'header' || r === 'banner') return 'header';
				if (t === 'footer' || r === 'contentinfo') return 'footer';
				if (t === 'aside' || t === 'nav' || r === 'complementary' || r === 'navigation') return 'sidebar';
				if (t === 'main' || r === 'main') return 'main';
				p = p.parentElement;
			}
		} catch (e) {}
		return '';
	};
	const formId = (el) => {
		try {
			const f = el.closest ? el.closest('form') : null;
			if (!f) return '';
			return f.id || f.getAttribute('name') || f.getAttribute('action') || 'form';
		} catch (e) { return ''; }
	};
	const mainDistance = (el) => {
		try {
			const m = document.querySelector('main,[role="main"]') || document.body;
			let d = 0, p = el;
			while (p && p !== m) { d++; p = p.parentElement; }
			return p === m ? d : d + 1;
		} catch (e) { return 99; }
	};
	const cssPath = (el) => {
		try {
			const parts = [];
			let p = el;
			while (p && p.nodeType === 1 && parts.length < 8) {
				let sel = p.tagName.toLowerCase();
				if (p.id) { parts.unshift(sel + '#' + CSS.escape(p.id)); break; }
				const parent = p.parentElement;
				if (parent) {
					const sibs = Array.from(parent.children).filter(c => c.tagName === p.tagName);
					if (sibs.length > 1) sel += ':nth-of-type(' + (sibs.indexOf(p) + 1) + ')';
				}
				parts.unshift(sel);
				p = parent;
			}
			return parts.join(' > ');
		} catch (e) { return ''; }
	};
	const xPath = (el) => {
		try {
			const parts = [];
			let p = el;
			while (p && p.nodeType === 1) {
				let idx = 1, sib = p.previousElementSibling;
				while (sib) { if (sib.tagName === p.tagName) idx++; sib = sib.previousElementSibling; }
				parts.unshift(p.tagName.toLowerCase() + '[' + idx + ']');
				p = p.parentElement;
			}
			return '/' + parts.join('/');
		} catch (e) { return ''; }
	};
	const primarySel = (el) => {
		try {
			const tid = el.getAttribute('data-testid') || el.getAttribute('data-test-id');
			if (tid) return '[data-testid="' + tid + '"]';
			if (el.id) return '#' + CSS.escape(el.id);
		} catch (e) {}
		return '';
	};
	const describe = (el) => ({
		selectors: { primary: primarySel(el), structural: cssPath(el), positional: xPath(el) },
		meta: {
			tag: (el.tagName || '').toLowerCase(),
			role: role(el),
			input_type: (el.tagName === 'INPUT' ? (el.getAttribute('type') || 'text') : ''),
			text: txt(el),
			classes: Array.from(el.classList || []),
			bounds: relRect(el),
			ancestors: ancestors(el, 5),
			landmark: landmark(el),
			form_id: formId(el),
			region: region(el)
		},
		page: { url: location.href, title: document.title }
	});
`

// DescribeScript is a JS function extracting an ElementDescriptor from a
// single element, passed as the function argument.
const DescribeScript = `(el) => { ` + helperJS + ` try { return describe(el); } catch (e) { return {}; } }`

// CandidatesScript enumerates candidate nodes sharing tag (and optionally
// role / input type) with a recorded descriptor. Args: (tag, role, inputType).
// Each candidate carries a data-overlay-ref attribute so Go code can address
// the live element afterwards.
const CandidatesScript = `(tag, wantRole, wantType) => {
	` + helperJS + `
	try {
		const out = [];
		const els = Array.from(document.querySelectorAll(tag || '*'));
		let n = 0;
		for (const el of els) {
			if (wantRole && role(el) !== wantRole) continue;
			if (wantType && (el.getAttribute('type') || 'text') !== wantType) continue;
			let ref = el.getAttribute('data-overlay-ref');
			if (!ref) {
				ref = 'ov-' + Date.now().toString(36) + '-' + (n++);
				el.setAttribute('data-overlay-ref', ref);
			}
			out.push({
				ref: ref,
				tag: (el.tagName || '').toLowerCase(),
				role: role(el),
				input_type: (el.tagName === 'INPUT' ? (el.getAttribute('type') || 'text') : ''),
				text: txt(el),
				classes: Array.from(el.classList || []),
				bounds: relRect(el) || { x: 0, y: 0, w: 0, h: 0 },
				ancestors: ancestors(el, 5),
				landmark: landmark(el),
				form_id: formId(el),
				region: region(el),
				main_distance: mainDistance(el)
			});
			if (out.length >= 200) break;
		}
		return out;
	} catch (e) { return []; }
}`

// QueryScript resolves a CSS selector (or, when the selector starts with
// "/", an XPath) to live-element refs, tagging matches with
// data-overlay-ref on the way out. Arg: (selector).
const QueryScript = `(selector) => {
	try {
		let els = [];
		if (selector && selector[0] === '/') {
			const it = document.evaluate(selector, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < it.snapshotLength; i++) els.push(it.snapshotItem(i));
		} else {
			els = Array.from(document.querySelectorAll(selector));
		}
		const out = [];
		let n = 0;
		for (const el of els) {
			if (el.nodeType !== 1) continue;
			let ref = el.getAttribute('data-overlay-ref');
			if (!ref) {
				ref = 'ov-' + Date.now().toString(36) + '-q' + (n++);
				el.setAttribute('data-overlay-ref', ref);
			}
			out.push(ref);
			if (out.length >= 50) break;
		}
		return out;
	} catch (e) { return []; }
}`

// RectScript returns the current viewport-relative rect for a tagged
// element, or null when it is gone. Arg: (ref).
const RectScript = `(ref) => {
	try {
		const el = document.querySelector('[data-overlay-ref="' + CSS.escape(ref) + '"]');
		if (!el) return null;
		const r = el.getBoundingClientRect();
		const vw = Math.max(1, window.innerWidth);
		const vh = Math.max(1, window.innerHeight);
		return { x: r.x / vw, y: r.y / vh, w: r.width / vw, h: r.height / vh };
	} catch (e) { return null; }
}`

// DescribeRefScript extracts a full descriptor for a tagged element.
// Arg: (ref).
const DescribeRefScript = `(ref) => {
	` + helperJS + `
	try {
		const el = document.querySelector('[data-overlay-ref="' + CSS.escape(ref) + '"]');
		if (!el) return {};
		return describe(el);
	} catch (e) { return {}; }
}`

// CaptureScript installs capturing listeners that buffer user events in
// window.__overlayEvents with a full descriptor taken at event time,
// before any navigation can tear the target away. Idempotent per
// document. Events whose target lies inside the overlay UI root
// ([data-overlay-ui]) are flagged rather than dropped, so Go code decides.
const CaptureScript = `() => {
	` + helperJS + `
	const w = window;
	if (w.__overlayHooked) return true;
	w.__overlayHooked = true;
	w.__overlayEvents = [];

	const fromOverlay = (el) => {
		try { return !!(el && el.closest && el.closest('[data-overlay-ui]')); }
		catch (e) { return false; }
	};
	const refFor = (el, n) => {
		try {
			let ref = el.getAttribute('data-overlay-ref');
			if (!ref) {
				ref = 'ov-' + Date.now().toString(36) + '-e' + n;
				el.setAttribute('data-overlay-ref', ref);
			}
			return ref;
		} catch (e) { return ''; }
	};
	let n = 0;
	const push = (kind, el, value) => {
		try {
			w.__overlayEvents.push({
				kind: kind,
				ref: refFor(el, n++),
				descriptor: describe(el),
				value: value || '',
				url: location.href,
				from_overlay: fromOverlay(el),
				ts: Date.now()
			});
			if (w.__overlayEvents.length > 500) w.__overlayEvents.shift();
		} catch (e) {}
	};

	document.addEventListener('click', (ev) => {
		if (ev.target && ev.target.nodeType === 1) push('click', ev.target, '');
	}, true);

	document.addEventListener('input', (ev) => {
		const t = ev.target;
		if (t && t.nodeType === 1) push('input', t, t.value || '');
	}, true);

	document.addEventListener('change', (ev) => {
		const t = ev.target;
		if (!t || t.nodeType !== 1) return;
		if (t.tagName === 'SELECT') {
			push('select_change', t, t.value || '');
		} else {
			push('input_commit', t, t.value || '');
		}
	}, true);

	document.addEventListener('keydown', (ev) => {
		const t = ev.target;
		if (ev.key === 'Enter' && t && t.nodeType === 1 &&
			(t.tagName === 'INPUT' || t.tagName === 'TEXTAREA')) {
			push('input_commit', t, t.value || '');
		}
	}, true);

	document.addEventListener('submit', (ev) => {
		if (ev.target && ev.target.nodeType === 1) push('submit', ev.target, '');
	}, true);

	return true;
}`

// DrainScript atomically returns and clears the capture buffer.
const DrainScript = `() => {
	const buf = Array.isArray(window.__overlayEvents) ? window.__overlayEvents : [];
	window.__overlayEvents = [];
	return buf;
}`

// CapturedEvent is one raw entry drained from the page buffer. Descriptor
// stays raw here; DecodeDescriptor turns it lenient-fashion into a typed
// one.
type CapturedEvent struct {
	Kind        string          `json:"kind"`
	Ref         string          `json:"ref"`
	Descriptor  json.RawMessage `json:"descriptor"`
	Value       string          `json:"value"`
	URL         string          `json:"url"`
	FromOverlay bool            `json:"from_overlay"`
	TS          float64         `json:"ts"`
}

// DecodeCapturedEvents parses a drained buffer; garbage yields nil.
func DecodeCapturedEvents(raw []byte) []CapturedEvent {
	if len(raw) == 0 {
		return nil
	}
	var evs []CapturedEvent
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil
	}
	return evs
}

// DecodeDescriptor parses extraction output. It never fails: malformed or
// partial payloads yield a descriptor with the bad fields omitted.
func DecodeDescriptor(raw []byte) ElementDescriptor {
	var d ElementDescriptor
	if len(raw) == 0 {
		return d
	}
	// Unmarshal errors leave whatever fields did parse; that is the point.
	_ = json.Unmarshal(raw, &d)
	sanitizeDescriptor(&d)
	return d
}

// DecodeNodes parses candidate-enumeration output, dropping entries that
// lack the ref/tag minimum.
func DecodeNodes(raw []byte) []Node {
	var nodes []Node
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Ref == "" || n.Tag == "" {
			continue
		}
		n.Tag = strings.ToLower(n.Tag)
		out = append(out, n)
	}
	return out
}

func sanitizeDescriptor(d *ElementDescriptor) {
	d.Meta.Tag = strings.ToLower(d.Meta.Tag)
	if d.Meta.Bounds != nil {
		b := d.Meta.Bounds
		if b.W < 0 || b.H < 0 || b.X < -10 || b.X > 10 || b.Y < -10 || b.Y > 10 {
			d.Meta.Bounds = nil
		}
	}
	const maxAncestors = 5
	if len(d.Meta.Ancestors) > maxAncestors {
		d.Meta.Ancestors = d.Meta.Ancestors[:maxAncestors]
	}
	switch d.Meta.Region {
	case RegionHeader, RegionMain, RegionSidebar, RegionFooter, RegionUnknown:
	default:
		d.Meta.Region = RegionUnknown
	}
}
