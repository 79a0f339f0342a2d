package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/crewline/crewline/internal/taskstore"
	"github.com/crewline/crewline/internal/workflow"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <task-id>",
	Short: "Show a task's timeline",
	Long: `Render a task's workflow timeline.

The timeline is derived entirely from the task's state-event log:
per-transition durations plus per-round aggregates.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := taskstore.NewFSStore(cfg.TaskDir)
		if err != nil {
			return err
		}

		events, err := store.ReadStateEvents(args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Printf("No events recorded for %s.\n", args[0])
			return nil
		}

		printTimeline(args[0], workflow.BuildTimeline(events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(timelineCmd)
}

var timelineTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"})

func printTimeline(taskID string, tl *workflow.Timeline) {
	fmt.Println(timelineTitle.Render("Timeline " + taskID))
	fmt.Println()

	for _, t := range tl.Transitions {
		from := t.From
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("%s  %-8s -> %-8s %8s",
			t.At.Format("15:04:05"), from, t.To, formatTimelineDuration(t.Duration))
		if t.Round > 0 {
			line += fmt.Sprintf("  r%d", t.Round)
		}
		if t.Reason != "" {
			line += "  " + styleLabel.Render(t.Reason)
		}
		fmt.Println(line)
	}

	if len(tl.Rounds) > 0 {
		fmt.Println()
		fmt.Println(timelineTitle.Render("Rounds"))
		for _, r := range tl.Rounds {
			fmt.Printf("  round %d  %8s  %s\n",
				r.Round, formatTimelineDuration(r.Duration),
				styleLabel.Render(strings.Join(r.States, " -> ")))
		}
	}

	fmt.Println()
	fmt.Printf("%s %s\n", styleLabel.Render("Total:"), formatTimelineDuration(tl.Total))
}

func formatTimelineDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
