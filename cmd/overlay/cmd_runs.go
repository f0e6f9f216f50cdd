package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [workflow-name]",
	Short: "Show replay history for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  showRuns,
}

var runsStepsCmd = &cobra.Command{
	Use:   "steps [run-id]",
	Short: "Show per-step healing outcomes for one run",
	Args:  cobra.ExactArgs(1),
	RunE:  showRunSteps,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
	runsCmd.AddCommand(runsStepsCmd)
}

func showRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := st.GetWorkflowByName(args[0])
	if err != nil {
		return fmt.Errorf("workflow %q: %w", args[0], err)
	}

	runs, err := st.RunHistory(wf.ID, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("No runs recorded for %q.\n", wf.Name)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSTARTED\tFINISHED")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), finished)
	}
	return w.Flush()
}

func showRunSteps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	steps, err := st.RunSteps(args[0])
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Println("No step outcomes recorded for this run.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tRESOLUTION\tSCORE\tAI CONF\tDURATION\tNOTE")
	for _, rs := range steps {
		conf := "-"
		if rs.AIConfidence != nil {
			conf = fmt.Sprintf("%.2f", *rs.AIConfidence)
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%dms\t%s\n", rs.StepOrder, rs.Resolution, rs.Score, conf, rs.DurationMs, rs.Reason)
	}
	return w.Flush()
}
