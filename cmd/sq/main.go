package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"squadline/internal/domain"
	"squadline/internal/engine"
	"squadline/internal/gate"
	"squadline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sq",
	Short: "Squadline CLI",
	Long: `Squadline coordinates a team of CLI coding agents.
- Roles: architect, coder, tester, reviewer, devops, ad and chef. Each maps to a default backend in squadline.yml.
- Backends: CLI agents run as subprocesses from declarative argument templates.
- Sessions: one conversation per role and backend, continued across calls and kept in .squadline/.
- Feedback: forward one role's output into another role's live session.
- Gate: run tests, lint and review checks; NO-GO exits with code 2.
- Playbook: shared vision, team, sprints, current and notes sections per project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "error:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SQUADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/squadline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
	for _, name := range []string{"workspace", "config", "json", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(parallelCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func assignCmd() *cobra.Command {
	var backendName, targetFile string
	cmd := &cobra.Command{
		Use:   "assign ROLE TASK",
		Short: "Dispatch a task to a role",
		Long:  "Runs the role's backend with the task and waits for its answer. The role's session is continued when one exists. Exit code 124 means the backend timed out.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Assign(ctx, domain.Assignment{
					Role:       domain.Role(args[0]),
					Task:       args[1],
					Backend:    backendName,
					TargetFile: targetFile,
				})
				if err != nil {
					return err
				}
				if err := printResult(res); err != nil {
					return err
				}
				return statusExit(res)
			})
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "", "backend override")
	cmd.Flags().StringVar(&targetFile, "target-file", "", "file the role should work on")
	return cmd
}

func parallelCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Dispatch several tasks across the backend pool",
		Example: `  sq parallel --assign coder="write the parser" --assign tester="draft parser tests"
  sq parallel --assign coder="refactor the lexer::internal/lex.go"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			assignments, err := parseAssignments(items)
			if err != nil {
				return exitError{code: 1, err: err}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, runErr := e.AssignParallel(ctx, assignments)
				if viper.GetBool("json") {
					if err := printJSON(results); err != nil {
						return err
					}
				} else {
					printResultsTable(results)
				}
				if runErr != nil {
					return runErr
				}
				for _, r := range results {
					if !r.OK() {
						return exitError{code: 1}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "assign", nil, "role=task, or role=task::target_file (repeatable)")
	_ = cmd.MarkFlagRequired("assign")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var from, to, artifact, note, backendName string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Forward one role's output into another role's session",
		Long:  "The target role must already have a session. Without --backend the role's default session is used, then its most recently used one. Use --artifact - to read the artifact from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifact == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				artifact = string(data)
			}
			if strings.TrimSpace(artifact) == "" {
				return exitError{code: 1, err: errors.New("--artifact required")}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Forward(ctx, domain.FeedbackEnvelope{
					FromRole:   domain.Role(from),
					ToRole:     domain.Role(to),
					Artifact:   artifact,
					Annotation: note,
					Backend:    backendName,
				})
				if err != nil {
					return err
				}
				if err := printResult(res); err != nil {
					return err
				}
				return statusExit(res)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "role that produced the artifact")
	cmd.Flags().StringVar(&to, "to", "", "role whose session receives it")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact text, or - for stdin")
	cmd.Flags().StringVar(&note, "note", "", "annotation for the receiving role")
	cmd.Flags().StringVar(&backendName, "backend", "", "backend of the target session")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func gateCmd() *cobra.Command {
	var dir string
	var feedback bool
	cmd := &cobra.Command{
		Use:   "gate [CHECK...]",
		Short: "Run the quality gate",
		Long:  "Runs the named checks, or the configured order when none are given. Every check runs even after a failure. Exit code 2 means NO-GO.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var observer gate.Observer
				if !viper.GetBool("json") {
					observer = func(t gate.Transition) {
						if t.State == gate.StateRunning {
							fmt.Fprintf(os.Stderr, "%s(%d) %s\n", t.State, t.Index, t.Check)
						}
					}
				}
				report, err := e.EnforceGate(ctx, engine.GateRequest{
					Checks:     args,
					WorkingDir: dir,
					Feedback:   feedback,
					Observer:   observer,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printGateReport(report)
				}
				if report.Verdict.Decision == domain.DecisionNoGo {
					return exitError{code: 2}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for checks (default dispatch.working_dir)")
	cmd.Flags().BoolVar(&feedback, "feedback", false, "forward failures to the coder's session on NO-GO")
	return cmd
}

func broadcastCmd() *cobra.Command {
	var tone string
	cmd := &cobra.Command{
		Use:   "broadcast MESSAGE",
		Short: "Send a message to every role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := engine.ParseTone(tone)
			if err != nil {
				return exitError{code: 1, err: err}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deliveries := e.Broadcast(ctx, args[0], t)
				if viper.GetBool("json") {
					return printJSON(deliveries)
				}
				printDeliveries(deliveries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tone, "tone", "info", "info, kickoff or urgent")
	return cmd
}

func rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles and their default backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles := e.Roles()
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				printRoles(roles)
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := e.ListSessions()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSessions(items)
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset ROLE BACKEND",
		Short: "Discard a role's session and start a new conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Reset(ctx, domain.Role(args[0]), args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("%s/%s reset, new session %s\n", snap.Role, snap.Backend, snap.ID)
				return nil
			})
		},
	}
}

func playbookCmd() *cobra.Command {
	pb := &cobra.Command{
		Use:   "playbook",
		Short: "Read and edit the project playbook",
		Long:  "The playbook is the team's shared document with five sections: vision, team, sprints, current and notes.",
	}
	pb.AddCommand(playbookShowCmd())
	pb.AddCommand(playbookUpdateCmd())
	pb.AddCommand(playbookProjectsCmd())
	return pb
}

func playbookShowCmd() *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show every playbook section, or one with --section",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if section != "" {
					sec, err := e.ReadSection(ctx, "", section)
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Printf("%s is empty\n", section)
						return nil
					}
					if err != nil {
						return err
					}
					return printJSONOrTable(sec)
				}
				pb, err := e.ReadPlaybook(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pb)
				}
				for _, s := range domain.Sections() {
					fmt.Printf("## %s\n%s\n\n", s, pb.Content(s))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "vision, team, sprints, current or notes")
	return cmd
}

func playbookProjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects with playbook content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Projects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, id := range items {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func playbookUpdateCmd() *cobra.Command {
	var content, file string
	cmd := &cobra.Command{
		Use:   "update SECTION",
		Short: "Replace one playbook section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				var data []byte
				var err error
				if file == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(file)
				}
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpdatePlaybook(ctx, "", args[0], content)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "section content")
	cmd.Flags().StringVar(&file, "file", "", "read content from file, or - for stdin")
	cmd.MarkFlagsMutuallyExclusive("content", "file")
	return cmd
}
