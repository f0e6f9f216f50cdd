package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"overlay/internal/browser"
	"overlay/internal/config"
	"overlay/internal/dom"
	"overlay/internal/healer"
	"overlay/internal/recorder"
	"overlay/internal/semantic"
	"overlay/internal/walkthrough"
	"overlay/internal/workflow"
)

var (
	replayResume bool
	replayDrive  bool
	replayNoAI   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [name]",
	Short: "Replay a workflow as a guided walkthrough",
	Long: `Opens the workflow's start URL and guides you through its steps.
Each step's target is re-located on the live page; when the page has
drifted since recording, the healer falls back to structural scoring,
optional AI validation, and finally asks you to point at the element.

With --drive, navigate steps are performed by the browser itself;
otherwise you are asked to navigate and the walkthrough follows along.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayResume, "resume", false, "Resume the previous interrupted walkthrough")
	replayCmd.Flags().BoolVar(&replayDrive, "drive", false, "Perform navigate steps automatically")
	replayCmd.Flags().BoolVar(&replayNoAI, "no-ai", false, "Disable the AI validation tier")
}

func runReplay(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	wf, err := st.GetWorkflowByName(name)
	if err != nil {
		return fmt.Errorf("workflow %q: %w", name, err)
	}

	ctx, cancel := rootContext()
	defer cancel()

	session := browser.NewSession(cfg.Browser)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer session.Close()

	if err := session.Open(ctx, wf.StartURL); err != nil {
		return fmt.Errorf("failed to open %s: %w", wf.StartURL, err)
	}

	doc := session.Document()
	ah := healer.New(doc, healerConfigFrom(cfg.Healer))

	// Config edits take effect mid-walkthrough.
	watcher, err := config.NewWatcher(workspace, func(c *config.Config) {
		ah.SetConfig(healerConfigFrom(c.Healer))
		logger.Info("healer config reloaded")
	})
	if err == nil {
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
		}
	}

	opts := healer.Options{
		AITimeout:    cfg.AI.Timeout(),
		OnUserPrompt: promptUserForElement,
	}
	if cfg.AI.Enabled && cfg.AI.APIKey != "" && !replayNoAI {
		validator := semantic.NewValidator(semantic.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout(),
		})
		opts.AIEnabled = true
		opts.OnAIValidate = validator.Validate
	}

	runID, err := st.StartRun(wf.ID)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	var (
		detector *walkthrough.Detector
		stream   *browser.EventStream
	)

	deps := walkthrough.Deps{
		Healer:     ah,
		Doc:        doc,
		HealOpts:   opts,
		CurrentURL: session.CurrentURL,
		Detach: func() {
			if stream != nil {
				stream.Stop()
			}
			if detector != nil {
				detector.Close()
			}
		},
		RunLog: st,
		RunID:  runID,
	}
	if replayDrive {
		deps.Navigate = session.Navigate
	}

	ctrl, err := walkthrough.NewController(wf, deps)
	if err != nil {
		return fmt.Errorf("failed to build walkthrough: %w", err)
	}
	defer ctrl.Exit()

	detector = walkthrough.NewDetector(0, ctrl.OnAction)
	stream = browser.NewEventStream(session, cfg.Browser.EventPollInterval(),
		detector.Handle,
		func(ev recorder.RawEvent) { ctrl.OnNavigation(ev.URL) },
		ctrl.OnDocumentReady)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event capture: %w", err)
	}

	if replayResume {
		token, err := loadResumeToken()
		if err != nil {
			return fmt.Errorf("no walkthrough to resume: %w", err)
		}
		if err := ctrl.Resume(ctx, token); err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		fmt.Printf("Resuming %q at step %d\n", name, token.StepOrder)
	} else {
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("failed to start walkthrough: %w", err)
		}
		fmt.Printf("Walking through %q (%d steps)\n", name, len(wf.Steps))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			ctrl.Exit()
			token := ctrl.Token()
			if err := saveResumeToken(token); err == nil {
				fmt.Printf("\nWalkthrough paused at step %d. Resume with: overlay replay %s --resume\n", token.StepOrder, name)
			}
			return nil

		case <-ctx.Done():
			ctrl.Exit()
			return ctx.Err()

		case ev, ok := <-ctrl.Events():
			if !ok {
				return nil
			}
			printStateEvent(wf, ev)
			switch ev.State {
			case walkthrough.StateCompleted:
				clearResumeToken()
				fmt.Println("Walkthrough complete.")
				return nil
			case walkthrough.StateFailed:
				token := ctrl.Token()
				_ = saveResumeToken(token)
				return fmt.Errorf("walkthrough failed at step %d", token.StepOrder)
			}
		}
	}
}

// healerConfigFrom maps file config onto healer weights, keeping defaults
// for anything unset.
func healerConfigFrom(hc config.HealerConfig) healer.Config {
	c := healer.DefaultConfig()
	if hc.TextWeight > 0 {
		c.Weights.Text = hc.TextWeight
	}
	if hc.LandmarkWeight > 0 {
		c.Weights.Landmark = hc.LandmarkWeight
	}
	if hc.AncestorWeight > 0 {
		c.Weights.Ancestor = hc.AncestorWeight
	}
	if hc.PositionWeight > 0 {
		c.Weights.Position = hc.PositionWeight
	}
	if hc.ClassWeight > 0 {
		c.Weights.Class = hc.ClassWeight
	}
	if hc.AcceptThreshold > 0 {
		c.AcceptThreshold = hc.AcceptThreshold
	}
	if hc.TopK > 0 {
		c.TopK = hc.TopK
	}
	return c
}

// promptUserForElement is the last healing tier: the user picks from the
// scored candidates or skips.
func promptUserForElement(ctx context.Context, candidates []healer.Candidate) (*dom.Node, error) {
	fmt.Println("\nCould not locate this step's element automatically. Candidates:")
	for i, c := range candidates {
		label := c.Node.Text
		if label == "" {
			label = "<" + c.Node.Tag + ">"
		}
		fmt.Printf("  [%d] %s (score %.2f; %s)\n", i+1, label, c.Score, strings.Join(c.MatchReasons, ", "))
	}
	fmt.Print("Pick a number, or press Enter to skip: ")

	line := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		if sc.Scan() {
			line <- strings.TrimSpace(sc.Text())
		} else {
			line <- ""
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answer := <-line:
		if answer == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(answer)
		if err != nil || n < 1 || n > len(candidates) {
			return nil, nil
		}
		return &candidates[n-1].Node, nil
	}
}

func printStateEvent(wf *workflow.Workflow, ev walkthrough.StateEvent) {
	switch ev.State {
	case walkthrough.StateResolving:
		if ev.Step != nil {
			fmt.Printf("[step %d/%d] locating target...\n", ev.Step.Order, len(wf.Steps))
		}
	case walkthrough.StateAwaitingAction:
		if ev.Reason != "" {
			fmt.Printf("  %s; try again\n", reasonText(ev.Reason))
			return
		}
		if ev.Step != nil {
			fmt.Printf("  -> %s%s\n", describeStep(*ev.Step), resolutionNote(ev.Resolution))
		}
	case walkthrough.StateNavigationPending:
		if ev.Step != nil {
			fmt.Printf("  -> navigate to %s\n", ev.Step.URL)
		}
	case walkthrough.StateFailed:
		fmt.Println("  could not locate the target on this page")
	}
}

func describeStep(step workflow.Step) string {
	label := ""
	if step.Descriptor != nil {
		label = step.Descriptor.Meta.Text
	}
	switch step.Action {
	case workflow.ActionClick:
		if label != "" {
			return fmt.Sprintf("click %q", label)
		}
		return "click the highlighted element"
	case workflow.ActionInputCommit:
		if label != "" {
			return fmt.Sprintf("type into %q", label)
		}
		return "fill in the highlighted field"
	case workflow.ActionSelectChange:
		return "choose an option in the highlighted dropdown"
	case workflow.ActionSubmit:
		return "submit the form"
	case workflow.ActionNavigate:
		return "navigate to " + step.URL
	default:
		return string(step.Action)
	}
}

func resolutionNote(res healer.Resolution) string {
	switch res {
	case healer.ResolutionDeterministic:
		return " (element re-located after a page change)"
	case healer.ResolutionAI:
		return " (element confirmed by AI after a page change)"
	case healer.ResolutionUser:
		return " (element chosen by you)"
	default:
		return ""
	}
}

func reasonText(r walkthrough.InvalidReason) string {
	switch r {
	case walkthrough.ReasonWrongElement:
		return "that was a different element"
	case walkthrough.ReasonWrongAction:
		return "that was a different kind of action"
	case walkthrough.ReasonNoValueChange:
		return "the field was left empty"
	default:
		return string(r)
	}
}

func resumeTokenPath() string {
	return filepath.Join(workspace, ".overlay", "resume.json")
}

func saveResumeToken(token walkthrough.ResumeToken) error {
	if token.WorkflowID == "" {
		return fmt.Errorf("nothing to resume")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	path := resumeTokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadResumeToken() (walkthrough.ResumeToken, error) {
	var token walkthrough.ResumeToken
	data, err := os.ReadFile(resumeTokenPath())
	if err != nil {
		return token, err
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return token, err
	}
	return token, nil
}

func clearResumeToken() {
	_ = os.Remove(resumeTokenPath())
}
