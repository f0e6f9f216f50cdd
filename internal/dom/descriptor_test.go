package dom

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSelectorSetRanked(t *testing.T) {
	s := SelectorSet{
		Primary:    "#save",
		Structural: "form > button:nth-of-type(2)",
		Positional: "/html[1]/body[1]/form[1]/button[2]",
	}
	want := []string{"#save", "form > button:nth-of-type(2)", "/html[1]/body[1]/form[1]/button[2]"}
	if diff := cmp.Diff(want, s.Ranked()); diff != "" {
		t.Errorf("Ranked() mismatch (-want +got):\n%s", diff)
	}

	partial := SelectorSet{Positional: "/html[1]/body[1]"}
	if got := partial.Ranked(); len(got) != 1 || got[0] != "/html[1]/body[1]" {
		t.Errorf("Ranked() with only positional = %v", got)
	}

	if !(SelectorSet{}).Empty() {
		t.Error("empty set should report Empty")
	}
	if (ElementDescriptor{}).Replayable() {
		t.Error("descriptor with no selectors must not be replayable")
	}
}

func TestDecodeDescriptorNeverFails(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "<<<garbage>>>"},
		{"wrong shape", `{"selectors": 42, "meta": []}`},
		{"null", "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodeDescriptor([]byte(tt.raw))
			if d.Replayable() {
				t.Errorf("garbage input produced replayable descriptor: %+v", d)
			}
		})
	}
}

func TestDecodeDescriptorPartial(t *testing.T) {
	raw := `{
		"selectors": {"primary": "#checkout"},
		"meta": {"tag": "BUTTON", "text": "Checkout", "bounds": {"x": 0.4, "y": 0.8, "w": 0.1, "h": 0.05},
			"ancestors": [{"tag":"div"},{"tag":"div"},{"tag":"div"},{"tag":"div"},{"tag":"div"},{"tag":"div"},{"tag":"div"}],
			"region": "bogus"},
		"page": {"url": "https://shop.test/cart"}
	}`
	d := DecodeDescriptor([]byte(raw))

	if !d.Replayable() {
		t.Fatal("descriptor with primary selector must be replayable")
	}
	if d.Meta.Tag != "button" {
		t.Errorf("tag not lowercased: %q", d.Meta.Tag)
	}
	if len(d.Meta.Ancestors) > 5 {
		t.Errorf("ancestor chain not bounded: %d", len(d.Meta.Ancestors))
	}
	if d.Meta.Region != RegionUnknown {
		t.Errorf("unknown region not sanitized: %q", d.Meta.Region)
	}
	if d.Meta.Bounds == nil {
		t.Error("valid bounds dropped")
	}
}

func TestDecodeDescriptorRejectsInsaneBounds(t *testing.T) {
	raw := `{"selectors":{"primary":"#x"},"meta":{"tag":"a","bounds":{"x":5000,"y":0,"w":1,"h":1}}}`
	d := DecodeDescriptor([]byte(raw))
	if d.Meta.Bounds != nil {
		t.Errorf("out-of-range bounds kept: %+v", d.Meta.Bounds)
	}
}

func TestDecodeNodes(t *testing.T) {
	raw := `[
		{"ref": "ov-1", "tag": "BUTTON", "text": "Save"},
		{"ref": "", "tag": "button"},
		{"tag": "button"},
		{"ref": "ov-2", "tag": "button", "main_distance": 3}
	]`
	nodes := DecodeNodes([]byte(raw))
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2 (ref-less entries dropped)", len(nodes))
	}
	if nodes[0].Tag != "button" {
		t.Errorf("tag not lowercased: %q", nodes[0].Tag)
	}
	if nodes[1].MainDistance != 3 {
		t.Errorf("main_distance lost: %d", nodes[1].MainDistance)
	}

	if got := DecodeNodes([]byte("not json")); got != nil {
		t.Errorf("garbage should decode to nil, got %v", got)
	}
}

func TestURLPattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://app.test/orders/8123/edit", "https://app.test/orders/*/edit"},
		{"https://app.test/orders/8123/edit?tab=2#top", "https://app.test/orders/*/edit"},
		{"https://app.test/u/550e8400-e29b-41d4-a716-446655440000", "https://app.test/u/*"},
		{"https://app.test/about", "https://app.test/about"},
	}
	for _, tt := range tests {
		if got := URLPattern(tt.in); got != tt.want {
			t.Errorf("URLPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
