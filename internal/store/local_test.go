package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"overlay/internal/dom"
	"overlay/internal/workflow"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "overlay.db"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:       "wf-checkout",
		Name:     "checkout",
		StartURL: "https://shop.example.com/cart",
		Steps: []workflow.Step{
			{
				ID: "s1", WorkflowID: "wf-checkout", Order: 1,
				Action: workflow.ActionClick,
				Descriptor: &dom.ElementDescriptor{
					Selectors: dom.SelectorSet{Primary: "#checkout"},
					Meta:      dom.Metadata{Tag: "button", Text: "Checkout"},
					Page:      dom.PageContext{URL: "https://shop.example.com/cart"},
				},
			},
			{
				ID: "s2", WorkflowID: "wf-checkout", Order: 2,
				Action: workflow.ActionNavigate,
				URL:    "https://shop.example.com/pay",
			},
			{
				ID: "s3", WorkflowID: "wf-checkout", Order: 3,
				Action: workflow.ActionInputCommit,
				Value:  "4242",
				Descriptor: &dom.ElementDescriptor{
					Selectors: dom.SelectorSet{Primary: "#card"},
					Meta:      dom.Metadata{Tag: "input", InputType: "text"},
				},
			},
		},
	}
}

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveWorkflow(sampleWorkflow()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	got, err := s.GetWorkflow("wf-checkout")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Name != "checkout" || len(got.Steps) != 3 {
		t.Fatalf("got %q with %d steps", got.Name, len(got.Steps))
	}
	if got.Steps[0].Descriptor == nil || got.Steps[0].Descriptor.Selectors.Primary != "#checkout" {
		t.Errorf("descriptor did not round-trip: %+v", got.Steps[0].Descriptor)
	}
	if got.Steps[1].Descriptor != nil {
		t.Error("navigate step grew a descriptor")
	}
	if got.Steps[2].Value != "4242" {
		t.Errorf("value = %q", got.Steps[2].Value)
	}

	byName, err := s.GetWorkflowByName("checkout")
	if err != nil || byName.ID != "wf-checkout" {
		t.Fatalf("GetWorkflowByName: %v, %+v", err, byName)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetWorkflow("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveWorkflowReplacesSteps(t *testing.T) {
	s := newTestStore(t)
	wf := sampleWorkflow()
	if err := s.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	wf.Steps = wf.Steps[:1]
	if err := s.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow (resave): %v", err)
	}

	got, err := s.GetWorkflow(wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if len(got.Steps) != 1 {
		t.Fatalf("steps = %d after resave, want 1", len(got.Steps))
	}
}

func TestSaveWorkflowRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	wf := sampleWorkflow()
	wf.Steps[1].Order = 1 // duplicate
	if err := s.SaveWorkflow(wf); err == nil {
		t.Fatal("expected validation error for duplicate orders")
	}
}

func TestDeleteStepLeavesGap(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWorkflow(sampleWorkflow()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	if err := s.DeleteStep("wf-checkout", 2); err != nil {
		t.Fatalf("DeleteStep: %v", err)
	}

	got, err := s.GetWorkflow("wf-checkout")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(got.Steps))
	}
	// Orders are not renumbered.
	if got.Steps[0].Order != 1 || got.Steps[1].Order != 3 {
		t.Errorf("orders = %d,%d, want 1,3", got.Steps[0].Order, got.Steps[1].Order)
	}
	if next := got.NextOrder(1); next != 3 {
		t.Errorf("NextOrder(1) = %d, want 3", next)
	}

	if err := s.DeleteStep("wf-checkout", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting missing step: err = %v", err)
	}
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWorkflow(sampleWorkflow()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	other := &workflow.Workflow{ID: "wf-login", Name: "login"}
	if err := s.SaveWorkflow(other); err != nil {
		t.Fatalf("SaveWorkflow (second): %v", err)
	}

	list, err := s.ListWorkflows()
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d workflows", len(list))
	}
	// Most recently updated first.
	if list[0].Name != "login" {
		t.Errorf("first = %q, want login", list[0].Name)
	}
	for _, ws := range list {
		if ws.Name == "checkout" && ws.StepCount != 3 {
			t.Errorf("checkout step count = %d", ws.StepCount)
		}
	}
}

func TestDeleteWorkflowCascades(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWorkflow(sampleWorkflow()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	runID, err := s.StartRun("wf-checkout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := s.DeleteWorkflow("wf-checkout"); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if _, err := s.GetWorkflow("wf-checkout"); !errors.Is(err, ErrNotFound) {
		t.Errorf("workflow survived delete: %v", err)
	}
	steps, err := s.RunSteps(runID)
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("run steps survived cascade: %d", len(steps))
	}

	if err := s.DeleteWorkflow("wf-checkout"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: err = %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWorkflow(sampleWorkflow()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	runID, err := s.StartRun("wf-checkout")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	conf := 0.83
	outcomes := []RunStep{
		{RunID: runID, StepOrder: 1, Resolution: "exact", Score: 1, DurationMs: 12},
		{RunID: runID, StepOrder: 2, Resolution: "healed_ai", Score: 0.48, AIConfidence: &conf, DurationMs: 2100},
		{RunID: runID, StepOrder: 3, Resolution: "failed", Reason: "all tiers exhausted"},
	}
	for _, rs := range outcomes {
		if err := s.RecordRunStep(rs); err != nil {
			t.Fatalf("RecordRunStep(%d): %v", rs.StepOrder, err)
		}
	}

	// Re-resolve of the same step overwrites its outcome.
	if err := s.RecordRunStep(RunStep{
		RunID: runID, StepOrder: 3, Resolution: "healed_deterministic", Score: 0.71, DurationMs: 300,
	}); err != nil {
		t.Fatalf("RecordRunStep (overwrite): %v", err)
	}

	if err := s.FinishRun(runID, RunStatusCompleted); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	history, err := s.RunHistory("wf-checkout", 10)
	if err != nil {
		t.Fatalf("RunHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d runs", len(history))
	}
	run := history[0]
	if run.Status != RunStatusCompleted || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}

	steps, err := s.RunSteps(runID)
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("run steps = %d", len(steps))
	}
	if steps[1].AIConfidence == nil || *steps[1].AIConfidence != 0.83 {
		t.Errorf("ai confidence = %v", steps[1].AIConfidence)
	}
	if steps[0].AIConfidence != nil {
		t.Error("exact step carries ai confidence")
	}
	if steps[2].Resolution != "healed_deterministic" {
		t.Errorf("overwrite lost: %q", steps[2].Resolution)
	}

	if err := s.FinishRun("missing", RunStatusFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("finishing missing run: err = %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.db")

	s, err := NewLocalStore(path)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	wf := sampleWorkflow()
	wf.CreatedAt = time.Now().UTC()
	if err := s.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	s.Close()

	s2, err := NewLocalStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetWorkflow("wf-checkout")
	if err != nil {
		t.Fatalf("GetWorkflow after reopen: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Errorf("steps = %d after reopen", len(got.Steps))
	}
}
