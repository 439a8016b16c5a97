package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/repo"
	"forgeline/internal/ui"
)

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{
		Use:   "feedback",
		Short: "Answer human reviews queued by the inbox collector",
		Long:  "With human.collector: inbox, a workflow stops at each human review until an answer is submitted here or over HTTP.",
	}
	fb.AddCommand(feedbackPendingCmd())
	fb.AddCommand(feedbackShowCmd())
	fb.AddCommand(feedbackSubmitCmd())
	return fb
}

func feedbackPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List open review requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				items, err := s.Repo.ListFeedback(ctx, repo.FeedbackPending)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Workflow", "Stage", "Step", "Requested"})
				for _, fr := range items {
					tw.AppendRow(table.Row{fr.WorkflowID, fr.Stage, fr.Step, fr.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func feedbackShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show the artifact and automated critique awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				fr, err := s.Repo.PendingFeedback(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fr)
				}
				fmt.Println(ui.Header(fmt.Sprintf("%s: %s", fr.WorkflowID, fr.Stage)))
				fmt.Println(ui.RenderMarkdown(fr.Artifact))
				if fr.Automated != "" {
					fmt.Println(ui.Header("Automated review"))
					fmt.Println(ui.RenderMarkdown(fr.Automated))
				}
				fmt.Println(ui.Muted(fr.Prompt))
				return nil
			})
		},
	}
}

func feedbackSubmitCmd() *cobra.Command {
	var response, file string
	var accept bool
	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Answer the open review; an empty answer means no input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := response
			switch {
			case accept:
				text = "Accepted"
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(b)
			}
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				fr, err := s.AnswerFeedback(ctx, args[0], text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fr)
				}
				note := "answered"
				if strings.TrimSpace(text) == "" {
					note = "answered with no input"
				}
				fmt.Println(ui.Pass(ui.IconPass), fr.Stage, note, ui.Muted("resume with: fl workflow resume "+fr.WorkflowID))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&response, "response", "r", "", "review text")
	cmd.Flags().StringVar(&file, "file", "", "read the review text from a file")
	cmd.Flags().BoolVar(&accept, "accept", false, "answer Accepted")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, workflowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				events, err := s.Repo.LatestEvents(ctx, n, 0, workflowID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Workflow", "Node", "Actor"})
				for i := len(events) - 1; i >= 0; i-- {
					e := events[i]
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkflowID, e.Node, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id filter")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys for the HTTP server"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				key, plain, err := s.Repo.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Println(ui.Pass(ui.IconPass), "created", key.ID, "for", key.ActorID)
				fmt.Println(plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				items, err := s.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s repo.Store) error {
				if err := s.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(ui.Pass(ui.IconPass), "revoked", args[0])
				return nil
			})
		},
	}
}
