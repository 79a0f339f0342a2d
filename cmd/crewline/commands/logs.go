package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/crewline/crewline/internal/taskstore"
)

var logsCmd = &cobra.Command{
	Use:   "logs [task-id]",
	Short: "View logs",
	Long: `View crewline logs.

With a task ID, displays the task's workflow event log; use --follow to
stream new events while a run is in progress. Without a task ID, shows
recent application log entries.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return showAppLogs(cfg.Logging.Path, tail)
		}

		store, err := taskstore.NewFSStore(cfg.TaskDir)
		if err != nil {
			return err
		}
		taskID := args[0]

		events, err := store.ReadStateEvents(taskID)
		if err != nil {
			return err
		}
		if len(events) == 0 && !follow {
			fmt.Printf("No events recorded for %s.\n", taskID)
			return nil
		}
		start := 0
		if tail > 0 && len(events) > tail {
			start = len(events) - tail
		}
		for _, ev := range events[start:] {
			printStateEvent(ev)
		}

		if follow {
			return followTaskLog(store, taskID)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntP("tail", "n", 50, "Number of entries to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow the task event log")
	rootCmd.AddCommand(logsCmd)
}

func printStateEvent(ev taskstore.StateEvent) {
	from := ev.From
	if from == "" {
		from = "-"
	}
	line := fmt.Sprintf("%s  %s -> %s",
		ev.TS.Format("15:04:05"), from, ev.To)
	if ev.Round > 0 {
		line += fmt.Sprintf("  (round %d)", ev.Round)
	}
	if ev.Reason != "" {
		line += "  " + styleLabel.Render(ev.Reason)
	}
	fmt.Println(line)
}

// followTaskLog streams events appended to the task's events.ndjson.
func followTaskLog(store *taskstore.FSStore, taskID string) error {
	path := store.EventLogPath(taskID)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the task dir: the log file may not exist yet.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching task dir: %w", err)
	}

	var file *os.File
	var reader *bufio.Reader
	defer func() {
		if file != nil {
			file.Close()
		}
	}()
	if f, err := os.Open(path); err == nil {
		file = f
		_, _ = f.Seek(0, io.SeekEnd)
		reader = bufio.NewReader(f)
	}

	fmt.Println("--- Following events (Ctrl+C to exit) ---")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if reader == nil {
				f, err := os.Open(path)
				if err != nil {
					continue
				}
				file = f
				reader = bufio.NewReader(f)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					break
				}
				var ev taskstore.StateEvent
				if json.Unmarshal([]byte(strings.TrimSpace(line)), &ev) == nil {
					printStateEvent(ev)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

// showAppLogs prints the tail of the date-stamped application logs.
func showAppLogs(logDir string, n int) error {
	files, err := appLogFiles(logDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No log files found.")
		return nil
	}

	var lines []string
	for _, file := range files {
		if len(lines) >= n {
			break
		}
		fileLines := readFileLines(file)
		remaining := n - len(lines)
		if len(fileLines) <= remaining {
			lines = append(fileLines, lines...)
		} else {
			lines = append(fileLines[len(fileLines)-remaining:], lines...)
		}
	}

	for _, line := range lines {
		printAppLogLine(line)
	}
	return nil
}

func appLogFiles(logDir string) ([]string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading log dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "crewline-") && strings.HasSuffix(name, ".log") {
			files = append(files, filepath.Join(logDir, name))
		}
	}

	// Newest first.
	sort.Slice(files, func(i, j int) bool {
		return files[i] > files[j]
	})
	return files, nil
}

func readFileLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// appLogLine is a parsed JSON log line.
type appLogLine struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func printAppLogLine(raw string) {
	var entry appLogLine
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		fmt.Println(raw)
		return
	}

	line := fmt.Sprintf("%s [%-5s]", entry.Time.Format("15:04:05"), entry.Level)
	if entry.Component != "" {
		line += " " + styleLabel.Render(entry.Component)
	}
	line += " " + entry.Message
	if entry.Error != "" {
		line += " " + styleError.Render(entry.Error)
	}
	fmt.Println(line)
}
