package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sceneline/internal/agent"
	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/domain"
	"sceneline/internal/engine"
	"sceneline/internal/jobs"
	"sceneline/internal/migrate"
	"sceneline/internal/pipeline"
	"sceneline/internal/repo"
	"sceneline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sln",
	Short: "Sceneline CLI",
	Long: `Sceneline plans video productions scene by scene with an agent pipeline.
Core concepts:
- Workspace: your .sceneline directory holding the database; sceneline.yml configures budgets, role costs, and the executor.
- Project: owns scenes and a budget cap; spend is the sum of every proposal's cost, never a stored counter.
- Scenes: draft -> review -> approved; only draft scenes can be edited or run through the pipeline; approval enqueues a render job.
- Pipeline: six agent roles (writer, director, cinematographer, editor, producer, showrunner) run in order under the scene lock, each producing a proposal.
- Proposals: pending suggestions with a structured diff; apply one to move the scene a single version forward, or dismiss it.
- Locks: a time-bounded marker serializing pipeline runs and manual edits on a scene.
- Event log: append-only diary of everything, view with 'sln log tail'.`,
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
	viper.SetEnvPrefix("SCENELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
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
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sceneCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectBudgetCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
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
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Budget Cap", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, fmt.Sprintf("$%.2f", p.BudgetCapUSD), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, id, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and everything under it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, targetProject(e), viper.GetString("actor-id"))
			})
		},
	}
}

func projectBudgetCmd() *cobra.Command {
	var capUSD float64
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show or set the project budget cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := targetProject(e)
				if cmd.Flags().Changed("cap") {
					if _, err := e.SetBudgetCap(ctx, projectID, capUSD, viper.GetString("actor-id")); err != nil {
						return err
					}
				}
				status, err := e.BudgetStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				if status.Unlimited {
					fmt.Printf("Budget: unlimited (spend so far $%.2f)\n", status.CurrentSpendUSD)
					return nil
				}
				fmt.Printf("Budget: $%.2f spent of $%.2f cap ($%.2f remaining)\n",
					status.CurrentSpendUSD, status.BudgetCapUSD, status.BudgetCapUSD-status.CurrentSpendUSD)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&capUSD, "cap", 0, "budget cap in USD (0 = unlimited)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for your project: scene counts by status and budget position.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := targetProject(e)
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountScenesByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				budget, err := e.BudgetStatus(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":   p.ID,
					"status":       p.Status,
					"scene_counts": counts,
					"budget":       budget,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Scenes:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if budget.Unlimited {
					fmt.Printf("Budget: unlimited, $%.2f spent\n", budget.CurrentSpendUSD)
				} else {
					fmt.Printf("Budget: $%.2f / $%.2f\n", budget.CurrentSpendUSD, budget.BudgetCapUSD)
				}
				return nil
			})
		},
	}
}

func sceneCmd() *cobra.Command {
	scene := &cobra.Command{
		Use:   "scene",
		Short: "Manage scenes",
		Long:  "Scenes are the units of the production plan. They flow draft -> review -> approved; only drafts accept edits, characters, and pipeline runs.",
	}
	scene.AddCommand(sceneCreateCmd())
	scene.AddCommand(sceneListCmd())
	scene.AddCommand(sceneShowCmd())
	scene.AddCommand(sceneUpdateCmd())
	scene.AddCommand(sceneStatusCmd())
	scene.AddCommand(sceneDeleteCmd())
	scene.AddCommand(sceneCharacterCmd())
	scene.AddCommand(sceneLockCmd())
	scene.AddCommand(sceneUnlockCmd())
	return scene
}

func sceneCreateCmd() *cobra.Command {
	var opts engine.SceneCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = targetProject(e)
				}
				s, err := e.CreateScene(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "scene id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Script, "script", "", "script text")
	cmd.Flags().StringVar(&opts.NarrativeGoal, "narrative-goal", "", "what the scene accomplishes")
	cmd.Flags().StringVar(&opts.EmotionalBeat, "emotional-beat", "", "emotional beat")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringVar(&opts.TimeOfDay, "time-of-day", "", "time of day")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func sceneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scenes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListScenes(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Location", "Locked By"})
				for _, s := range items {
					lockedBy := ""
					if s.LockedBy != nil {
						lockedBy = *s.LockedBy
					}
					tw.AppendRow(table.Row{s.ID, s.Title, s.Status, s.Version, s.Location, lockedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sceneShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <scene-id>",
		Short: "Show a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetScene(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sceneUpdateCmd() *cobra.Command {
	var title, script, goal, beat, location, tod string
	cmd := &cobra.Command{
		Use:   "update <scene-id>",
		Short: "Edit a draft scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SceneUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("script") {
				opts.Script = &script
			}
			if cmd.Flags().Changed("narrative-goal") {
				opts.NarrativeGoal = &goal
			}
			if cmd.Flags().Changed("emotional-beat") {
				opts.EmotionalBeat = &beat
			}
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("time-of-day") {
				opts.TimeOfDay = &tod
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateScene(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&script, "script", "", "script text")
	cmd.Flags().StringVar(&goal, "narrative-goal", "", "narrative goal")
	cmd.Flags().StringVar(&beat, "emotional-beat", "", "emotional beat")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&tod, "time-of-day", "", "time of day")
	return cmd
}

func sceneStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <scene-id>",
		Short: "Move a scene along draft -> review -> approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSceneStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status (draft|review|approved)")
	return cmd
}

func sceneDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scene-id>",
		Short: "Delete a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteScene(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func sceneCharacterCmd() *cobra.Command {
	char := &cobra.Command{Use: "character", Short: "Manage scene characters"}

	var name, desc string
	add := &cobra.Command{
		Use:   "add <scene-id>",
		Short: "Add a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddCharacter(ctx, args[0], domain.Character{Name: name, Description: desc}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "character name")
	add.Flags().StringVar(&desc, "description", "", "character description")

	var rmName string
	rm := &cobra.Command{
		Use:   "remove <scene-id>",
		Short: "Remove a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rmName == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveCharacter(ctx, args[0], rmName, viper.GetString("actor-id"))
			})
		},
	}
	rm.Flags().StringVar(&rmName, "name", "", "character name")

	char.AddCommand(add, rm)
	return char
}

func sceneLockCmd() *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "lock <scene-id>",
		Short: "Acquire the scene lock for manual work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AcquireSceneLock(ctx, args[0], viper.GetString("actor-id"), time.Duration(ttl)*time.Second)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 0, "lock TTL in seconds (default from config)")
	return cmd
}

func sceneUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <scene-id>",
		Short: "Release the scene lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseSceneLock(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Review agent proposals",
		Long:  "Proposals are the agents' suggested scene changes. Apply one to fold its diff into the scene, or dismiss it. Either way it is resolved for good.",
	}
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	prop.AddCommand(proposalApplyCmd())
	prop.AddCommand(proposalDismissCmd())
	return prop
}

func proposalListCmd() *cobra.Command {
	var status, role string
	cmd := &cobra.Command{
		Use:   "list <scene-id>",
		Short: "List proposals for a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{SceneID: args[0], Status: status, Role: role})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Status", "Summary", "Cost"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Role, p.Status, p.Summary, fmt.Sprintf("$%.2f", p.CostUSD)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|applied|dismissed)")
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func proposalApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <proposal-id>",
		Short: "Apply a pending proposal to its scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyProposal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func proposalDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <proposal-id>",
		Short: "Dismiss a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.DismissProposal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	pipe := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the agent pipeline",
	}
	pipe.AddCommand(pipelineRunCmd())
	pipe.AddCommand(pipelineRenderCmd())
	return pipe
}

func pipelineRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <scene-id>",
		Short: "Re-enqueue the render job for an approved scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runner := newRunner(e)
				job, err := runner.EnqueueRender(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func pipelineRunCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <scene-id>",
		Short: "Enqueue the pipeline for a scene and optionally wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runner := newRunner(e)
				job, err := runner.Enqueue(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !wait {
					return printJSON(job)
				}
				for {
					runner.RunOnce(ctx)
					job, err = runner.GetJob(ctx, job.ID)
					if err != nil {
						return err
					}
					if job.State == "succeeded" || job.State == "failed" {
						break
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(500 * time.Millisecond):
					}
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "process the job in this process and wait for it to finish")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect pipeline and render jobs"}

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <scene-id>",
		Short: "List jobs for a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListJobs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Attempt", "Next Run", "Last Error"})
				for _, j := range items {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.Kind, j.State, j.Attempt, j.NextRunAt, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}

	job.AddCommand(show, list)
	return job
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					ProjectID:  targetProject(e),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
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
		Short: "Start HTTP API server and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("SCENELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SCENELINE_JWT_SECRET is required for bearer auth")
				}
				runner := newRunner(e)
				runner.Start(ctx)
				defer runner.Stop()
				handler, err := server.New(server.Config{Engine: e, Runner: runner, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Sceneline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Generates a key, stores only its hash, and prints the key once. Save it; it cannot be recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				record := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, record); err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":       record.ID,
					"actor_id": record.ActorID,
					"key":      secret,
				})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	key.AddCommand(create, revoke)
	return key
}

// --- helpers ---

func newRunner(e engine.Engine) *jobs.Runner {
	var exec agent.Executor
	if httpExec := agent.NewHTTPExecutor(e.Config); httpExec != nil {
		exec = httpExec
	} else {
		exec = &agent.StaticExecutor{}
	}
	orch := pipeline.New(e, exec)
	return jobs.NewRunner(e, map[string]jobs.Handler{
		"pipeline": orch.Run,
		"render":   jobs.RenderHandler(e),
	})
}

func targetProject(e engine.Engine) string {
	if p := strings.TrimSpace(viper.GetString("project")); p != "" {
		return p
	}
	return e.Config.Project.ID
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
