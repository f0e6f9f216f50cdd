package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"overlay/internal/shots"
)

var shotsCmd = &cobra.Command{
	Use:   "shots [session-id]",
	Short: "List captured step screenshots",
	Long: `Without arguments, lists recording sessions that have screenshots.
With a session id (the workflow id), lists that session's step shots.`,
	Args: cobra.MaximumNArgs(1),
	RunE: listShots,
}

func listShots(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sink, err := shots.NewSink(shotsDir(cfg))
	if err != nil {
		return err
	}

	if len(args) == 0 {
		sessions, err := sink.Sessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No screenshots captured yet.")
			return nil
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	}

	list, err := sink.BySession(args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No screenshots for that session.")
		return nil
	}
	for _, shot := range list {
		fmt.Printf("step %d\t%s\n", shot.StepOrder, shot.Path)
	}
	return nil
}
