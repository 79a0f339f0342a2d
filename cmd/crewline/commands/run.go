package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/history"
	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/roles"
	"github.com/crewline/crewline/internal/supervisor"
	"github.com/crewline/crewline/internal/taskstore"
	"github.com/crewline/crewline/internal/testrunner"
	"github.com/crewline/crewline/internal/ui"
	"github.com/crewline/crewline/internal/workflow"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run a workflow task",
	Long: `Run the coder/reviewer/tester workflow on a task prompt.

By default a proposal round runs: the coder plans without editing files
and the reviewer and tester weigh in, producing a discussion contract.
Confirm the plan by re-running with --implement --confirm and the same
--task ID; the crew then iterates implementation rounds until the
reviewer approves and the proposed test commands pass.

Examples:
  crewline run "add input validation to the signup form"
  crewline run --implement --confirm --task task-123 "add input validation"
  crewline run --implement --watch "fix the flaky cache test"`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("propose", false, "Run a proposal (planning) round")
	runCmd.Flags().Bool("implement", false, "Run implementation rounds")
	runCmd.Flags().Bool("confirm", false, "Confirm a pending proposal (with --implement)")
	runCmd.Flags().String("task", "", "Resume an existing task by ID")
	runCmd.Flags().StringP("dir", "d", ".", "Working directory for agents and tests")
	runCmd.Flags().String("provider", "", "Provider override (claude, codex, gemini)")
	runCmd.Flags().String("model", "", "Model override")
	runCmd.Flags().Int("max-iterations", 0, "Max implementation rounds (default from config)")
	runCmd.Flags().Bool("watch", false, "Show the live terminal view")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("task prompt required")
	}
	prompt := strings.Join(args, " ")

	propose, _ := cmd.Flags().GetBool("propose")
	implement, _ := cmd.Flags().GetBool("implement")
	confirm, _ := cmd.Flags().GetBool("confirm")
	taskID, _ := cmd.Flags().GetString("task")
	dir, _ := cmd.Flags().GetString("dir")
	providerFlag, _ := cmd.Flags().GetString("provider")
	modelFlag, _ := cmd.Flags().GetString("model")
	maxIter, _ := cmd.Flags().GetInt("max-iterations")
	watch, _ := cmd.Flags().GetBool("watch")

	if propose && implement {
		return fmt.Errorf("--propose and --implement are mutually exclusive")
	}

	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if maxIter > 0 {
		cfg.MaxIterations = maxIter
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := taskstore.NewFSStore(cfg.TaskDir)
	if err != nil {
		return err
	}
	adapter := provider.NewAdapter(provider.DefaultRegistry(), cfg.KillGrace)
	engine := workflow.NewEngine(adapter, testrunner.New(), store)

	if taskID == "" {
		taskID = taskstore.NewTaskID()
	}

	mode := workflow.ModeProposal
	if implement {
		mode = workflow.ModeImplementation
	}

	opts := workflow.Options{
		Provider:            cfg.Provider,
		Model:               cfg.Model,
		RoleProviders:       cfg.RoleProviders,
		MaxIterations:       cfg.MaxIterations,
		AllowedTestCommands: cfg.AllowedTestCommands,
		TesterBlockedPolicy: cfg.TesterBlockedPolicy,
		ExecutionMode:       mode,
		OperatorConfirmed:   confirm,
		TaskID:              taskID,
		Dir:                 absDir,
		AgentTimeout:        cfg.AgentTimeout,
		TestCommandTimeout:  cfg.TestCommandTimeout,
		KillGrace:           cfg.KillGrace,
	}

	var summary *taskstore.Summary
	if watch && isInteractive() {
		summary, err = runWatched(ctx, engine, prompt, opts)
	} else {
		summary, err = engine.RunTask(ctx, prompt, opts)
	}

	if errors.Is(err, workflow.ErrOperatorGate) {
		fmt.Printf("Task %s is awaiting confirmation of its proposal.\n", taskID)
		fmt.Printf("Confirm with: crewline run --implement --confirm --task %s %q\n", taskID, prompt)
		return nil
	}
	if err != nil {
		return err
	}

	recordHistory(cfg, summary)
	printSummary(summary)
	return nil
}

// runWatched runs the engine behind a live bubbletea view, forwarding
// workflow hooks as UI messages.
func runWatched(ctx context.Context, engine *workflow.Engine, prompt string, opts workflow.Options) (*taskstore.Summary, error) {
	model := ui.New(opts.TaskID, prompt)
	p, err := model.RunWithProgram()
	if err != nil {
		return nil, fmt.Errorf("starting live view: %w", err)
	}

	opts.Live = &workflow.LiveHooks{
		OnAgentState: func(_ string, role roles.Role, state string) {
			p.Send(ui.AgentStateMsg{Role: role, State: state})
		},
		OnAgentEvent: func(_ string, role roles.Role, ev supervisor.Event) {
			if ev.Type == supervisor.EventAssistantText {
				p.Send(ui.AgentEventMsg{Role: role, Type: string(ev.Type), Data: ev.Data, TS: ev.TS})
			}
		},
		OnTransition: func(_ string, ev taskstore.StateEvent) {
			p.Send(ui.TransitionMsg{To: ev.To, Reason: ev.Reason, Round: ev.Round})
		},
	}

	summary, runErr := engine.RunTask(ctx, prompt, opts)
	if summary != nil {
		p.Send(ui.FinishedMsg{Outcome: summary.FinalOutcome})
	}
	p.Quit()
	p.Wait()
	return summary, runErr
}

// recordHistory indexes the finished summary; failures are reported but
// never fail the run itself.
func recordHistory(cfg *config.Config, summary *taskstore.Summary) {
	if summary == nil {
		return
	}
	db, err := history.Open(historyPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: opening history db: %v\n", err)
		return
	}
	defer db.Close()
	if err := db.Record(summary); err != nil {
		fmt.Fprintf(os.Stderr, "warning: recording history: %v\n", err)
	}
}

func printSummary(s *taskstore.Summary) {
	if s == nil {
		return
	}

	outcomeStyle := styleError
	switch s.FinalOutcome {
	case workflow.OutcomeApproved:
		outcomeStyle = styleOK
	case workflow.OutcomeAwaitingOperatorConfirm:
		outcomeStyle = styleWarn
	}

	fmt.Println()
	fmt.Printf("%s %s\n", styleLabel.Render("Task:"), s.TaskID)
	fmt.Printf("%s %s\n", styleLabel.Render("Outcome:"), outcomeStyle.Render(s.FinalOutcome))
	fmt.Printf("%s %d\n", styleLabel.Render("Rounds:"), len(s.Rounds))

	if len(s.UnresolvedMustFix) > 0 {
		fmt.Printf("%s\n", styleLabel.Render("Unresolved must-fix:"))
		for _, item := range s.UnresolvedMustFix {
			fmt.Printf("  - %s\n", item)
		}
	}

	if s.AwaitingOperatorConfirm {
		fmt.Printf("\nConfirm with: crewline run --implement --confirm --task %s <prompt>\n", s.TaskID)
	}
	fmt.Printf("\nTimeline: crewline timeline %s\n", s.TaskID)
}

var (
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"})
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}).Bold(true)
	styleError = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}).Bold(true)
)
