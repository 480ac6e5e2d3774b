package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/service"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect a project's task list",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parsed tasks in execution order",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Render the task list file",
	RunE:  runTasksShow,
}

var tasksFindCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Fuzzy-search tasks by title",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksFind,
}

var tasksFile string

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksFindCmd)

	tasksCmd.PersistentFlags().StringVar(&tasksFile, "tasks", "", "task list file relative to the project (default tasks.md)")
}

// loadTaskGraph resolves the project's task list and parses it. The
// --tasks flag wins, then the registry entry from the last run, then
// tasks.md.
func loadTaskGraph(a *app) (*core.TaskGraph, string, error) {
	if projectName == "" {
		return nil, "", fmt.Errorf("--project is required")
	}
	repoDir, err := a.projects.Resolve(projectName)
	if err != nil {
		return nil, "", err
	}

	file := tasksFile
	if file == "" {
		if entry, ok, err := a.registry.Lookup(projectName); err == nil && ok {
			file = entry.TasksFile
		}
	}
	if file == "" {
		file = "tasks.md"
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoDir, file)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading task list: %w", err)
	}
	graph, err := service.ParseTasks(string(data))
	if err != nil {
		return nil, "", err
	}
	return graph, path, nil
}

func runTasksList(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	graph, path, err := loadTaskGraph(a)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d tasks\n\n", path, len(graph.Tasks))

	groups := service.ParallelGroups(graph)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tID\tROLE\tDONE\tTITLE")
	for i, group := range groups {
		for _, task := range group {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i+1, task.ID, task.Role, checkbox(task.Done), task.Title)
		}
	}
	done := 0
	for _, id := range graph.Order {
		if task := graph.Tasks[id]; task.Done {
			fmt.Fprintf(w, "-\t%s\t%s\t%s\t%s\n", task.ID, task.Role, checkbox(true), task.Title)
			done++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(graph.Unreachable) > 0 {
		fmt.Printf("\nUnreachable (dependency cycle): %v\n", graph.Unreachable)
	}
	fmt.Printf("\n%d done, %d outstanding in %d phases\n",
		done, len(graph.Tasks)-done, len(groups))
	return nil
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func runTasksShow(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	_, path, err := loadTaskGraph(a)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// No styled terminal, print the raw markdown.
		fmt.Print(string(data))
		return nil
	}
	out, err := renderer.Render(string(data))
	if err != nil {
		fmt.Print(string(data))
		return nil
	}
	fmt.Print(out)
	return nil
}

func runTasksFind(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	graph, _, err := loadTaskGraph(a)
	if err != nil {
		return err
	}

	titles := make([]string, 0, len(graph.Order))
	ids := make([]string, 0, len(graph.Order))
	for _, id := range graph.Order {
		titles = append(titles, graph.Tasks[id].Title)
		ids = append(ids, id)
	}

	matches := fuzzy.Find(args[0], titles)
	if len(matches) == 0 {
		fmt.Println("No matching tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDONE\tTITLE")
	for _, m := range matches {
		task := graph.Tasks[ids[m.Index]]
		fmt.Fprintf(w, "%s\t%s\t%s\n", task.ID, checkbox(task.Done), task.Title)
	}
	return w.Flush()
}
