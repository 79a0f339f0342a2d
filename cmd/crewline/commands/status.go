package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewline/crewline/internal/history"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task history",
	Long: `Display recent workflow tasks and their outcomes.

Shows the last N tasks (default: 10), newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		db, err := history.Open(historyPath(cfg))
		if err != nil {
			return fmt.Errorf("opening history db: %w", err)
		}
		defer func() { _ = db.Close() }()

		entries, err := db.Recent(last)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No task history found.")
			return nil
		}

		fmt.Printf("Last %d tasks:\n\n", len(entries))
		for _, e := range entries {
			printEntry(e)
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntP("last", "n", 10, "Show last N tasks")
	rootCmd.AddCommand(statusCmd)
}

func printEntry(e history.Entry) {
	outcomeStyle := styleError
	switch e.FinalOutcome {
	case "approved":
		outcomeStyle = styleOK
	case "awaiting_operator_confirm":
		outcomeStyle = styleWarn
	}

	fmt.Printf("%s  %s\n", e.TaskID, outcomeStyle.Render(e.FinalOutcome))
	fmt.Printf("  %s %s", styleLabel.Render("provider:"), e.Provider)
	if e.Model != "" {
		fmt.Printf(" (%s)", e.Model)
	}
	fmt.Printf("  %s %s", styleLabel.Render("phase:"), e.Phase)
	fmt.Printf("  %s %d\n", styleLabel.Render("rounds:"), e.Rounds)
	fmt.Printf("  %s %s\n", styleLabel.Render("updated:"), formatAge(e.UpdatedAt))

	for _, item := range e.MustFix {
		fmt.Printf("  - %s\n", item)
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
