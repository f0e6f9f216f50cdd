package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"overlay/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Manage stored workflows",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflows",
	RunE:  workflowsList,
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a workflow's steps",
	Args:  cobra.ExactArgs(1),
	RunE:  workflowsShow,
}

var workflowsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a workflow and its run history",
	Args:  cobra.ExactArgs(1),
	RunE:  workflowsDelete,
}

var workflowsDeleteStepCmd = &cobra.Command{
	Use:   "delete-step [name] [order]",
	Short: "Remove one step from a workflow",
	Long: `Removes the step at the given order. Remaining steps keep their
order numbers; replay follows the recorded order and skips the gap.`,
	Args: cobra.ExactArgs(2),
	RunE: workflowsDeleteStep,
}

func init() {
	workflowsCmd.AddCommand(workflowsListCmd)
	workflowsCmd.AddCommand(workflowsShowCmd)
	workflowsCmd.AddCommand(workflowsDeleteCmd)
	workflowsCmd.AddCommand(workflowsDeleteStepCmd)
}

func workflowsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	summaries, err := st.ListWorkflows()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No workflows recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTEPS\tSTART URL\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.StepCount, s.StartURL, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func workflowsShow(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("%s (id %s)\n", wf.Name, wf.ID)
	if wf.Description != "" {
		fmt.Println(wf.Description)
	}
	fmt.Printf("Start URL: %s\n\n", wf.StartURL)
	for _, step := range wf.Steps {
		fmt.Printf("  %2d. %s\n", step.Order, stepSummary(step))
	}
	return nil
}

func stepSummary(step workflow.Step) string {
	switch step.Action {
	case workflow.ActionNavigate:
		return "navigate " + step.URL
	case workflow.ActionInputCommit:
		s := "input"
		if step.Descriptor != nil && step.Descriptor.Selectors.Primary != "" {
			s += " " + step.Descriptor.Selectors.Primary
		}
		if step.Value != "" {
			s += fmt.Sprintf(" = %q", step.Value)
		}
		return s
	default:
		s := string(step.Action)
		if step.Descriptor != nil {
			if step.Descriptor.Meta.Text != "" {
				s += fmt.Sprintf(" %q", step.Descriptor.Meta.Text)
			} else if step.Descriptor.Selectors.Primary != "" {
				s += " " + step.Descriptor.Selectors.Primary
			}
		}
		return s
	}
}

func workflowsDelete(cmd *cobra.Command, args []string) error {
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
	if err := st.DeleteWorkflow(wf.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted workflow %q\n", wf.Name)
	return nil
}

func workflowsDeleteStep(cmd *cobra.Command, args []string) error {
	order, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid step order %q", args[1])
	}

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
	if wf.StepAt(order) == nil {
		return fmt.Errorf("workflow %q has no step %d", wf.Name, order)
	}
	if err := st.DeleteStep(wf.ID, order); err != nil {
		return err
	}
	fmt.Printf("Removed step %d from %q\n", order, wf.Name)
	return nil
}
