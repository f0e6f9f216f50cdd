package recorder

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"overlay/internal/dom"
	"overlay/internal/workflow"
)

func fieldDescriptor(primary, text string) *dom.ElementDescriptor {
	return &dom.ElementDescriptor{
		Selectors: dom.SelectorSet{Primary: primary},
		Meta:      dom.Metadata{Tag: "input", Text: text},
		Page:      dom.PageContext{URL: "https://app.example.com/form"},
	}
}

func TestSequencerConcurrentOrders(t *testing.T) {
	const n = 200
	var seq Sequencer
	orders := make(chan int, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orders <- seq.Next()
		}()
	}
	wg.Wait()
	close(orders)

	got := make([]int, 0, n)
	for o := range orders {
		got = append(got, o)
	}
	sort.Ints(got)
	for i, o := range got {
		if o != i+1 {
			t.Fatalf("orders not the exact set 1..%d: position %d holds %d", n, i, o)
		}
	}
	if seq.Current() != n {
		t.Errorf("Current() = %d, want %d", seq.Current(), n)
	}
}

func TestRecorderOrdersUniqueUnderConcurrency(t *testing.T) {
	r := New("wf-1", 0, nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.HandleEvent(context.Background(), RawEvent{
				Kind:       EventClick,
				Descriptor: fieldDescriptor("#b", "Go"),
				At:         time.Now(),
			})
		}(i)
	}
	wg.Wait()

	steps := r.Steps()
	if len(steps) != n {
		t.Fatalf("recorded %d steps, want %d", len(steps), n)
	}
	seen := map[int]bool{}
	for _, s := range steps {
		if seen[s.Order] {
			t.Fatalf("duplicate order %d", s.Order)
		}
		seen[s.Order] = true
	}
}

func TestRecorderIgnoresOverlayEvents(t *testing.T) {
	r := New("wf-1", 0, nil)
	r.HandleEvent(context.Background(), RawEvent{
		Kind:        EventClick,
		Descriptor:  fieldDescriptor("#next", "Next"),
		FromOverlay: true,
	})
	if r.Count() != 0 {
		t.Fatal("overlay-origin event was recorded")
	}
}

func TestRecorderDropsDescriptorlessActions(t *testing.T) {
	r := New("wf-1", 0, nil)
	r.HandleEvent(context.Background(), RawEvent{Kind: EventClick})
	r.HandleEvent(context.Background(), RawEvent{Kind: EventClick, Descriptor: &dom.ElementDescriptor{}})
	if r.Count() != 0 {
		t.Fatal("action without replayable descriptor was recorded")
	}
}

func TestRecorderFoldsNavigationAfterClick(t *testing.T) {
	r := New("wf-1", 1500*time.Millisecond, nil)
	now := time.Now()

	r.HandleEvent(context.Background(), RawEvent{
		Kind:       EventClick,
		Descriptor: fieldDescriptor("#save", "Save"),
		At:         now,
	})
	// Resulting navigation 300ms later is fallout, not a user action.
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventNavigate,
		URL:  "https://app.example.com/saved",
		At:   now.Add(300 * time.Millisecond),
	})

	steps := r.Steps()
	if len(steps) != 1 {
		t.Fatalf("recorded %d steps, want click only", len(steps))
	}
	if steps[0].Action != workflow.ActionClick {
		t.Errorf("action = %s", steps[0].Action)
	}
}

func TestRecorderKeepsDeliberateNavigation(t *testing.T) {
	r := New("wf-1", 1500*time.Millisecond, nil)
	now := time.Now()

	r.HandleEvent(context.Background(), RawEvent{
		Kind:       EventClick,
		Descriptor: fieldDescriptor("#save", "Save"),
		At:         now,
	})
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventNavigate,
		URL:  "https://elsewhere.example.com/",
		At:   now.Add(5 * time.Second),
	})

	steps := r.Steps()
	if len(steps) != 2 {
		t.Fatalf("recorded %d steps, want click + navigate", len(steps))
	}
	nav := steps[1]
	if nav.Action != workflow.ActionNavigate || nav.URL != "https://elsewhere.example.com/" {
		t.Errorf("navigate step = %+v", nav)
	}
	if nav.Order != 2 {
		t.Errorf("navigate order = %d, want 2", nav.Order)
	}
}

func TestRecorderFoldsSameLogicalPage(t *testing.T) {
	r := New("wf-1", 100*time.Millisecond, nil)
	now := time.Now()

	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventNavigate, URL: "https://shop.example.com/orders/8123", At: now,
	})
	// Long after the fold window, but same URL pattern: history churn.
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventNavigate, URL: "https://shop.example.com/orders/9004", At: now.Add(time.Minute),
	})

	if got := r.Count(); got != 1 {
		t.Fatalf("recorded %d navigate steps, want 1", got)
	}
}

func TestRecorderCoalescesInputCommits(t *testing.T) {
	r := New("wf-1", 0, nil)
	now := time.Now()

	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventInputCommit, Descriptor: fieldDescriptor("#email", ""), Value: "a@exampl", At: now,
	})
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventInputCommit, Descriptor: fieldDescriptor("#email", ""), Value: "a@example.com", At: now.Add(time.Second),
	})

	steps := r.Steps()
	if len(steps) != 1 {
		t.Fatalf("recorded %d steps, want coalesced single input", len(steps))
	}
	if steps[0].Value != "a@example.com" {
		t.Errorf("value = %q, want latest", steps[0].Value)
	}

	// A different field starts a new step.
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventInputCommit, Descriptor: fieldDescriptor("#name", ""), Value: "Ada", At: now.Add(2 * time.Second),
	})
	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2 after distinct field", r.Count())
	}
}

func TestRecorderScreenshotAsync(t *testing.T) {
	var mu sync.Mutex
	captured := map[int]bool{}
	done := make(chan struct{}, 2)

	r := New("wf-1", 0, func(_ context.Context, order int) {
		time.Sleep(20 * time.Millisecond) // slow capture must not reorder steps
		mu.Lock()
		captured[order] = true
		mu.Unlock()
		done <- struct{}{}
	})

	now := time.Now()
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventClick, Descriptor: fieldDescriptor("#a", "A"), At: now,
	})
	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventClick, Descriptor: fieldDescriptor("#b", "B"), At: now,
	})

	steps := r.Steps()
	if len(steps) != 2 || steps[0].Order != 1 || steps[1].Order != 2 {
		t.Fatalf("steps recorded out of order: %+v", steps)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("screenshot callback never ran")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !captured[1] || !captured[2] {
		t.Errorf("captured = %v, want both steps", captured)
	}
}

func TestRecorderWaitFlushesShots(t *testing.T) {
	var mu sync.Mutex
	captured := map[int]bool{}

	r := New("wf-1", 0, func(_ context.Context, order int) {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		captured[order] = true
		mu.Unlock()
	})

	r.HandleEvent(context.Background(), RawEvent{
		Kind: EventClick, Descriptor: fieldDescriptor("#a", "A"), At: time.Now(),
	})
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !captured[1] {
		t.Error("Wait returned before the capture finished")
	}
}

func TestRecorderSkipsShotsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(2)

	r := New("wf-1", 0, func(_ context.Context, _ int) {
		calls.Done()
		<-release
	})

	now := time.Now()
	for i, sel := range []string{"#a", "#b"} {
		r.HandleEvent(context.Background(), RawEvent{
			Kind: EventClick, Descriptor: fieldDescriptor(sel, ""), At: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	calls.Wait() // both capture slots now blocked

	// The third step must record immediately even though no slot is free.
	recorded := make(chan struct{})
	go func() {
		r.HandleEvent(context.Background(), RawEvent{
			Kind: EventClick, Descriptor: fieldDescriptor("#c", ""), At: now.Add(2 * time.Millisecond),
		})
		close(recorded)
	}()
	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatal("recording blocked on saturated screenshot captures")
	}
	if r.Count() != 3 {
		t.Fatalf("count = %d, want 3", r.Count())
	}

	close(release)
	r.Wait()
}
