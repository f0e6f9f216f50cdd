package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overlay/internal/browser"
	"overlay/internal/recorder"
	"overlay/internal/shots"
	"overlay/internal/workflow"
)

var recordDescription string

var recordCmd = &cobra.Command{
	Use:   "record [name] [start-url]",
	Short: "Record a new workflow from a live browser session",
	Long: `Opens a browser at the start URL and records your clicks, typed
values, selections, and deliberate navigations as workflow steps.
Stop with Ctrl+C; the workflow is saved to the workspace store.

Example:
  overlay record invite-user https://app.example.com/settings`,
	Args: cobra.ExactArgs(2),
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVar(&recordDescription, "description", "", "Workflow description")
}

func runRecord(cmd *cobra.Command, args []string) error {
	name, startURL := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if existing, err := st.GetWorkflowByName(name); err == nil {
		return fmt.Errorf("workflow %q already exists (id %s); delete it first or pick another name", name, existing.ID)
	}

	ctx, cancel := rootContext()
	defer cancel()

	session := browser.NewSession(cfg.Browser)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer session.Close()

	if err := session.Open(ctx, startURL); err != nil {
		return fmt.Errorf("failed to open %s: %w", startURL, err)
	}

	workflowID := uuid.NewString()

	var screenshot recorder.ScreenshotFunc
	if cfg.Recorder.CaptureScreenshots {
		sink, err := shots.NewSink(shotsDir(cfg))
		if err != nil {
			logger.Warn("screenshots disabled", zap.Error(err))
		} else {
			screenshot = func(ctx context.Context, stepOrder int) {
				png, err := session.Screenshot(ctx)
				if err != nil {
					return
				}
				if _, err := sink.Save(workflowID, stepOrder, png); err != nil {
					logger.Warn("failed to save screenshot", zap.Int("step", stepOrder), zap.Error(err))
				}
			}
		}
	}

	rec := recorder.New(workflowID, cfg.Recorder.NavigateFoldWindow(), screenshot)

	stream := browser.NewEventStream(session, cfg.Browser.EventPollInterval(),
		func(ev recorder.RawEvent) { rec.HandleEvent(ctx, ev) },
		func(ev recorder.RawEvent) { rec.HandleEvent(ctx, ev) },
		nil)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event capture: %w", err)
	}

	fmt.Printf("Recording %q at %s\n", name, startURL)
	fmt.Println("Interact with the page. Press Ctrl+C to stop and save.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	signal.Stop(sigCh)

	stream.Stop()
	rec.Wait()

	steps := rec.Steps()
	if len(steps) == 0 {
		fmt.Println("No steps recorded; nothing saved.")
		return nil
	}

	now := time.Now()
	wf := &workflow.Workflow{
		ID:          workflowID,
		Name:        name,
		Description: recordDescription,
		StartURL:    startURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		Steps:       steps,
	}
	if err := st.SaveWorkflow(wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	fmt.Printf("Saved workflow %q with %d steps (id %s)\n", name, len(steps), workflowID)
	return nil
}

// rootContext returns the command context, bounded by --timeout when set.
func rootContext() (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
