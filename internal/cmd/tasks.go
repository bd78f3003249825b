package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/crew/internal/config"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and import workspace tasks",
	Long: `Inspect and import workspace tasks.

These commands work on the configured store directly, so they need a
persistent one: either store.driver=sqlite or a memory store with
store.state_dir set.`,
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <plan.yaml>",
	Short: "Import a YAML task plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksImport,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks of a workspace",
	RunE:  runTasksList,
}

var tasksReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks whose dependencies are all completed",
	RunE:  runTasksReady,
}

var (
	tasksWorkspace string
	tasksStatus    string
)

func init() {
	for _, c := range []*cobra.Command{tasksListCmd, tasksReadyCmd} {
		c.Flags().StringVarP(&tasksWorkspace, "workspace", "w", "", "workspace ID")
		_ = c.MarkFlagRequired("workspace")
	}
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "only show tasks in this status")

	tasksCmd.AddCommand(tasksImportCmd, tasksListCmd, tasksReadyCmd)
	rootCmd.AddCommand(tasksCmd)
}

// openPersistentStore opens the configured store for a one-shot command.
// The returned commit function persists memory store changes.
func openPersistentStore() (taskgraph.Store, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Store.Driver == config.DriverMemory && cfg.Store.StateDir == "" {
		return nil, nil, fmt.Errorf("the memory store is not persistent: set store.driver=sqlite or store.state_dir")
	}
	store, mem, err := openStore(cfg.Store, logging.NopLogger())
	if err != nil {
		return nil, nil, err
	}
	commit := func() error { return nil }
	if mem != nil {
		commit = func() error { return mem.SaveState(cfg.Store.StateDir) }
	}
	return store, commit, nil
}

func runTasksImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open plan: %w", err)
	}
	defer func() { _ = f.Close() }()

	tasks, err := taskgraph.ImportPlan(f)
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	store, commit, err := openPersistentStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	saved, err := taskgraph.SaveAll(cmd.Context(), store, tasks)
	if err != nil {
		return fmt.Errorf("failed to import plan: %w", err)
	}
	if err := commit(); err != nil {
		return fmt.Errorf("failed to persist tasks: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tasks\n", len(saved))
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, _, err := openPersistentStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var tasks []taskgraph.Task
	if tasksStatus != "" {
		status := taskgraph.Status(strings.ToUpper(tasksStatus))
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", tasksStatus)
		}
		tasks, err = store.ListByStatus(cmd.Context(), tasksWorkspace, status)
	} else {
		tasks, err = store.ListByWorkspace(cmd.Context(), tasksWorkspace)
	}
	if err != nil {
		return err
	}
	renderTasks(cmd.OutOrStdout(), tasks, isTerminal(cmd.OutOrStdout()))
	return nil
}

func runTasksReady(cmd *cobra.Command, args []string) error {
	store, _, err := openPersistentStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tasks, err := store.FindReadyTasks(cmd.Context(), tasksWorkspace)
	if err != nil {
		return err
	}
	renderTasks(cmd.OutOrStdout(), tasks, isTerminal(cmd.OutOrStdout()))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusStyle = map[taskgraph.Status]lipgloss.Style{
		taskgraph.StatusPending:    cellStyle.Foreground(lipgloss.Color("8")),
		taskgraph.StatusInProgress: cellStyle.Foreground(lipgloss.Color("11")),
		taskgraph.StatusCompleted:  cellStyle.Foreground(lipgloss.Color("10")),
		taskgraph.StatusNeedsFix:   cellStyle.Foreground(lipgloss.Color("13")),
		taskgraph.StatusBlocked:    cellStyle.Foreground(lipgloss.Color("9")),
	}
)

var taskColumns = []string{"ID", "STATUS", "ASSIGNEE", "VERSION", "DEPENDS ON", "TITLE"}

func taskRow(t taskgraph.Task) []string {
	return []string{
		t.ID,
		t.Status.String(),
		t.AssignedTo,
		fmt.Sprint(t.Version),
		strings.Join(t.Dependencies, ","),
		t.Title,
	}
}

// renderTasks writes tasks as a table: bordered and colored on a terminal,
// tab separated otherwise so the output pipes cleanly.
func renderTasks(w io.Writer, tasks []taskgraph.Task, styled bool) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}

	if !styled {
		fmt.Fprintln(w, strings.Join(taskColumns, "\t"))
		for _, t := range tasks {
			fmt.Fprintln(w, strings.Join(taskRow(t), "\t"))
		}
		return
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, taskRow(t))
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(taskColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(tasks) {
				if s, ok := statusStyle[tasks[row].Status]; ok {
					return s
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, tbl.Render())
}
