package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/selection"
	"fieldline/internal/server"
	"fieldline/internal/taxonomy"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline tracks electrical testing projects and the field tasks they generate.
- Workspace: the .fieldline directory holding the database; config lives in fieldline.yml and per-project copies in the DB.
- Project: a customer engagement scoped to system types (MV SWGR, RELAY, TRAFO, ...).
- Activities: the test checklist, picked from a fixed taxonomy of system > category > subcategory > activity.
- Tasks: one generated task per selected subcategory, plus any manual tasks you add.
- Generate/sync: 'fl generate' reconciles one project's tasks with its selections; 'fl sync' does it for every project.
- Event log: diary of changes, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("default-project", "FIELDLINE_DEFAULT_PROJECT")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taxonomyCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Customer", "Status", "Systems"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Customer, p.Status, strings.Join(p.Systems, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var systems, team []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Name == "" {
				return fmt.Errorf("--name required")
			}
			opts.ActorID = viper.GetString("actor-id")
			opts.Systems = systems
			opts.Team = team
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer")
	cmd.Flags().StringVar(&opts.Client, "client", "", "end client")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (planned, active, on_hold, completed, archived)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "phase")
	cmd.Flags().StringArrayVar(&team, "team", []string{}, "team member (repeatable)")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&systems, "system", []string{}, "system type (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, customer, client, status, priority, phase, startDate, endDate, description string
	var systems, team []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts := engine.ProjectUpdateOptions{ID: projectID, ActorID: viper.GetString("actor-id")}
				set := func(flag string, dst **string, v *string) {
					if cmd.Flags().Changed(flag) {
						*dst = v
					}
				}
				set("name", &opts.Name, &name)
				set("customer", &opts.Customer, &customer)
				set("client", &opts.Client, &client)
				set("status", &opts.Status, &status)
				set("priority", &opts.Priority, &priority)
				set("phase", &opts.Phase, &phase)
				set("start-date", &opts.StartDate, &startDate)
				set("end-date", &opts.EndDate, &endDate)
				set("description", &opts.Description, &description)
				if cmd.Flags().Changed("team") {
					opts.TeamProvided = true
					opts.Team = team
				}
				if cmd.Flags().Changed("system") {
					opts.SystemsProvided = true
					opts.Systems = systems
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&customer, "customer", "", "customer")
	cmd.Flags().StringVar(&client, "client", "", "end client")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&phase, "phase", "", "phase")
	cmd.Flags().StringArrayVar(&team, "team", []string{}, "team member (repeatable, replaces list)")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringArrayVar(&systems, "system", []string{}, "system type (repeatable, replaces list)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return e.DeleteProject(ctx, projectID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FIELDLINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set FIELDLINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cfg, err := app.EnsureProjectConfig(ctx, e.Repo, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if cfg.Project.ID != "" {
					projectID = cfg.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taxonomyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy [system] [category]",
		Short: "Browse the activity taxonomy",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch len(args) {
			case 0:
				if viper.GetBool("json") {
					return printJSON(taxonomy.Systems())
				}
				for _, s := range taxonomy.Systems() {
					fmt.Println(s)
				}
				return nil
			case 1:
				system := args[0]
				if !taxonomy.IsSystem(system) {
					return fmt.Errorf("unknown system type %s", system)
				}
				cats := taxonomy.Categories(system)
				if viper.GetBool("json") {
					return printJSON(cats)
				}
				for _, c := range cats {
					fmt.Println(c.Item)
					for _, sub := range c.Subitems {
						fmt.Printf("  %s (%d activities)\n", sub.Name, len(sub.Activities))
					}
				}
				return nil
			default:
				system, category := args[0], args[1]
				subs := taxonomy.Subcategories(system, category)
				if len(subs) == 0 {
					return fmt.Errorf("no subcategories for %s / %s", system, category)
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				for _, sub := range subs {
					fmt.Println(sub.Name)
					for _, a := range sub.Activities {
						fmt.Printf("  %s\n", a)
					}
				}
				return nil
			}
		},
	}
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage project activity selections",
	}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityToggleCmd())
	act.AddCommand(activitySelectAllCmd())
	act.AddCommand(activityUnselectAllCmd())
	return act
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List selected activities and their task groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				groups := selection.GroupBySubcategory(p.Activities)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"selections": p.Activities, "groups": groups})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"System", "Category", "Subcategory", "Activities"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.System, g.Category, g.Subcategory, strings.Join(g.Activities, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func activityToggleCmd() *cobra.Command {
	var system, category, subcategory, activity string
	var off bool
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Toggle one activity selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if system == "" || category == "" || subcategory == "" || activity == "" {
				return fmt.Errorf("--system, --category, --subcategory and --activity required")
			}
			sel := domain.ActivitySelection{
				System:      system,
				Category:    category,
				Subcategory: subcategory,
				Activity:    activity,
			}
			if !taxonomy.Contains(sel) {
				fmt.Fprintf(os.Stderr, "warning: %q is not in the %s catalog; storing as-is\n", activity, system)
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.ToggleActivity(ctx, projectID, sel, !off, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Activities)
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system type")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&subcategory, "subcategory", "", "subcategory")
	cmd.Flags().StringVar(&activity, "activity", "", "activity name")
	cmd.Flags().BoolVar(&off, "off", false, "uncheck instead of check")
	return cmd
}

func activitySelectAllCmd() *cobra.Command {
	var system, category, subcategory string
	cmd := &cobra.Command{
		Use:   "select-all",
		Short: "Select every taxonomy activity in a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if system == "" || category == "" || subcategory == "" {
				return fmt.Errorf("--system, --category and --subcategory required")
			}
			activities := taxonomy.Activities(system, category, subcategory)
			if len(activities) == 0 {
				return fmt.Errorf("no activities for %s / %s / %s", system, category, subcategory)
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.SelectAllActivities(ctx, projectID, system, category, subcategory, activities, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Activities)
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system type")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&subcategory, "subcategory", "", "subcategory")
	return cmd
}

func activityUnselectAllCmd() *cobra.Command {
	var system, category, subcategory string
	cmd := &cobra.Command{
		Use:   "unselect-all",
		Short: "Clear selections in a scope (system, category or subcategory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if system == "" {
				return fmt.Errorf("--system required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.UnselectAllActivities(ctx, projectID, system, category, subcategory, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Activities)
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system type")
	cmd.Flags().StringVar(&category, "category", "", "category (optional, clears whole system when omitted)")
	cmd.Flags().StringVar(&subcategory, "subcategory", "", "subcategory (optional, clears whole category when omitted)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var assignees []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			opts.ActorID = viper.GetString("actor-id")
			opts.Assignees = assignees
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if opts.ProjectID == "" {
					opts.ProjectID = projectID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().IntVar(&opts.DurationHours, "duration-hours", 0, "estimated duration in hours")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee (repeatable)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if f.ProjectID == "" {
					f.ProjectID = projectID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Linked"})
				for _, t := range tasks {
					linked := ""
					if t.Linked != nil {
						linked = t.Linked.System + " / " + t.Linked.Subcategory
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, linked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.System, "system", "", "linked system filter")
	cmd.Flags().BoolVar(&f.LinkedOnly, "linked-only", false, "only generated tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, priority string
	var durationHours int
	var assignees []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("duration-hours") {
				opts.DurationHours = &durationHours
			}
			if cmd.Flags().Changed("assignee") {
				opts.AssigneesProvided = true
				opts.Assignees = assignees
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().IntVar(&durationHours, "duration-hours", 0, "estimated duration in hours")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee (repeatable, replaces list)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate tasks from the project's activity selections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.GenerateTasks(ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Project %s: %d groups, %d tasks created, %d pruned\n", res.ProjectID, res.Groups, res.Created, res.Pruned)
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile generated tasks across all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncProjects(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Synced %d projects: %d tasks created, %d pruned\n", res.ProcessedProjects, res.TasksCreated, res.TasksPruned)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s (%s)\n", st.ProjectID, st.Status)
				fmt.Printf("Subcategory groups: %d, linked tasks: %d\n", st.Groups, st.LinkedTasks)
				fmt.Println("Tasks:")
				for status, c := range st.TaskCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		override := viper.GetString("project")
		if override == "" {
			override = viper.GetString("default-project")
		}
		projectID, err := app.ResolveProject(ctx, override, e.Config, e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
