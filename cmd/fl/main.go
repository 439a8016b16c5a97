package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/app"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
	"forgeline/internal/telemetry"
	"forgeline/internal/ui"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline turns a software requirement into user stories, design documents, code and
tests through a pipeline of generate/review/decide stages.
- Workflow: one run of the pipeline for one requirement, checkpointed after every step in .forgeline/.
- Review cycle: generate, automated review, human review, then an accept/reject decision.
- Retry guard: a stage rejected too often is accepted anyway so the pipeline always finishes.
- Human review: on the console, or through the inbox (fl feedback pending/submit, or the HTTP API).
- Resume: a stopped workflow continues from its last checkpoint with 'fl workflow resume <id>'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return telemetry.Init(cmd.Context(), "fl", version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ui.Fail("error:"), err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.BoolP("verbose", "v", false, "debug logging on stderr")
	flags.String("provider", "", "generator provider (anthropic, claude-cli)")
	flags.String("model", "", "generator model")
	flags.String("collector", "", "human review collector (console, inbox)")
	flags.Int("max-steps", 0, "steps per run before stopping")
	flags.Bool("test-review", false, "review the generated test suite")
	flags.String("output-root", "", "directory for materialized projects")
	for _, name := range []string{"workspace", "json", "actor-id", "verbose", "provider", "model", "collector", "max-steps", "test-review", "output-root"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(workflowStatusCmd())
	rootCmd.AddCommand(workflowExportCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(materializeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func overrides() app.Overrides {
	o := app.Overrides{
		Provider:   viper.GetString("provider"),
		Model:      viper.GetString("model"),
		Collector:  viper.GetString("collector"),
		MaxSteps:   viper.GetInt("max-steps"),
		OutputRoot: viper.GetString("output-root"),
	}
	if viper.IsSet("test-review") {
		v := viper.GetBool("test-review")
		o.TestReview = &v
	}
	return o
}

// withApp opens the workspace with a live generator and collector.
func withApp(ctx context.Context, o app.Overrides, opts app.Options, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, o)
	if err != nil {
		return err
	}
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	a, err := app.Open(ctx, workspace, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withStore opens the workspace database only; commands that never generate use it.
func withStore(ctx context.Context, fn func(context.Context, repo.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.NewStore(conn))
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

// progress prints one line per committed step.
func progress(w io.Writer) engine.Observer {
	return engine.ObserverFunc(func(_ context.Context, evt domain.StepEvent) {
		line := fmt.Sprintf("%s %s %s", evt.Node, ui.Muted(ui.IconNext), evt.Next)
		if evt.Decision != nil {
			line += "  " + ui.Outcome(evt.Decision.Outcome, evt.Forced)
			line += ui.Muted(fmt.Sprintf("  retries=%d", evt.Retries))
		}
		fmt.Fprintln(w, line)
	})
}

// reportStop explains why a run ended early. Waiting for feedback and the step limit are normal
// stops; everything else is returned.
func reportStop(id string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrAwaitingInput):
		fmt.Println(ui.Warn(ui.IconWarn+" waiting for human review"), ui.Muted(fmt.Sprintf("answer with: fl feedback submit %s", id)))
		return nil
	case errors.Is(err, domain.ErrStepLimit):
		fmt.Println(ui.Warn(ui.IconWarn+" "+err.Error()), ui.Muted(fmt.Sprintf("continue with: fl workflow resume %s", id)))
		return nil
	}
	if se, ok := engine.AsStageError(err); ok && se.Resumable {
		fmt.Println(ui.Fail(ui.IconFail+" stopped at "+string(se.Node)), ui.Muted(fmt.Sprintf("(%s) continue with: fl workflow resume %s", se.Kind, id)))
	}
	return err
}
