package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/materialize"
	"forgeline/internal/repo"
	"forgeline/internal/ui"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create forgeline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if err := withStore(cmd.Context(), func(context.Context, repo.Store) error { return nil }); err != nil {
				return err
			}
			fmt.Println(ui.Pass(ui.IconPass), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration comes from forgeline.yml in the workspace, then FORGELINE_* env vars and flags.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println(ui.Pass(ui.IconPass), "config OK")
			return nil
		},
	})
	return cfg
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Start, run and inspect workflows",
	}
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowStepCmd())
	wf.AddCommand(workflowResumeCmd())
	wf.AddCommand(workflowStatusCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowAbandonCmd())
	wf.AddCommand(workflowExportCmd())
	return wf
}

func requirementArg(args []string, file string) (string, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	req := strings.TrimSpace(strings.Join(args, " "))
	if req == "" {
		return "", fmt.Errorf("requirement is required (argument or --file)")
	}
	return req, nil
}

func workflowStartCmd() *cobra.Command {
	var id, file string
	cmd := &cobra.Command{
		Use:   "start [requirement...]",
		Short: "Create a workflow without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := requirementArg(args, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), overrides(), app.Options{}, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Start(ctx, id, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Println(ui.Pass(ui.IconPass), "started", ui.Accent(st.ID), ui.Muted("at "+string(st.Current)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id (default: a new ULID)")
	cmd.Flags().StringVar(&file, "file", "", "read the requirement from a file")
	return cmd
}

func workflowRunCmd() *cobra.Command {
	var id, file string
	cmd := &cobra.Command{
		Use:   "run [requirement...]",
		Short: "Start a workflow and run it until it completes or stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := requirementArg(args, file)
			if err != nil {
				return err
			}
			opts := app.Options{Observers: observers()}
			return withApp(cmd.Context(), overrides(), opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Start(ctx, id, req)
				if err != nil {
					return err
				}
				fmt.Println(ui.Header("workflow " + st.ID))
				return runToStop(ctx, a, st.ID)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id (default: a new ULID)")
	cmd.Flags().StringVar(&file, "file", "", "read the requirement from a file")
	return cmd
}

func workflowResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a workflow from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{Observers: observers()}
			return withApp(cmd.Context(), overrides(), opts, func(ctx context.Context, a *app.App) error {
				return runToStop(ctx, a, args[0])
			})
		},
	}
}

func workflowStepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step <id>",
		Short: "Run a single step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{Observers: observers()}
			return withApp(cmd.Context(), overrides(), opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Step(ctx, args[0])
				if err != nil {
					return reportStop(args[0], err)
				}
				if viper.GetBool("json") {
					return printJSON(res.Event)
				}
				return nil
			})
		},
	}
}

func observers() []engine.Observer {
	if viper.GetBool("json") {
		return nil
	}
	return []engine.Observer{progress(os.Stdout)}
}

func runToStop(ctx context.Context, a *app.App, id string) error {
	st, err := a.Engine.Run(ctx, id)
	if err != nil {
		return reportStop(id, err)
	}
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Println(ui.Status(st.Status), ui.Muted(fmt.Sprintf("after %d steps", st.Steps)))
	return nil
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a workflow's stages, decisions and retry counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				st, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printStatus(st)
				return nil
			})
		},
	}
}

func printStatus(st *domain.WorkflowState) {
	fmt.Println(ui.Header(st.ID), ui.Status(st.Status), ui.Muted(fmt.Sprintf("steps=%d current=%s", st.Steps, st.Current)))
	fmt.Println(ui.Muted(st.Requirement))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Artifact", "Version", "Decision", "Retries"})
	for _, id := range domain.Stages {
		rec := st.Stage(id)
		kind, ver, decision := "", "", ""
		if rec.Artifact != nil {
			kind = string(rec.Artifact.Kind)
			ver = fmt.Sprint(rec.Artifact.Version)
		}
		if rec.Decision != nil {
			decision = string(rec.Decision.Outcome)
		}
		if kind == "" && decision == "" && st.Retries.Count(id) == 0 {
			continue
		}
		tw.AppendRow(table.Row{id, kind, ver, decision, st.Retries.Count(id)})
	}
	tw.Render()
	if st.Reason != "" {
		fmt.Println(ui.Muted("reason: " + st.Reason))
	}
}

func workflowListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				items, err := s.Repo.ListWorkflows(ctx, repo.WorkflowFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Current", "Steps", "Updated", "Requirement"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Status, w.Current, w.Steps, w.UpdatedAt, truncate(w.Requirement, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (running, completed, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func workflowAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Stop a workflow for good; its checkpoints are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), overrides(), app.Options{}, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Abandon(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Println(ui.Status(st.Status), st.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the workflow is abandoned")
	return cmd
}

func workflowExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write the full workflow state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				st, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "-" {
					return printJSON(st)
				}
				if err := materialize.ExportState(afero.NewOsFs(), out, st); err != nil {
					return err
				}
				fmt.Println(ui.Pass(ui.IconPass), "exported", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "final_output_state.json", "output file, - for stdout")
	return cmd
}

func materializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize <id>",
		Short: "Write the latest code and tests of a workflow to the output root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, overrides())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				st, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := app.NewWriter(workspace, cfg.Output.Root).WriteState(st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, f := range res.Files {
					fmt.Println(ui.Pass(ui.IconPass), f)
				}
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
