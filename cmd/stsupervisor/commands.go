package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/stsupervisor/internal/api"
	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/auth"
	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/database"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/migrations"
)

// defaultTokenTTL is how long a token from the token subcommand is valid.
const defaultTokenTTL = 24 * time.Hour

// openDatabase opens and migrates the configured database.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := openSchemaless(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// openSchemaless opens the configured database without migrating it.
func openSchemaless(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// withService loads the config and runs fn against a caller service without
// run history. Commands are written to the audit trail when the database
// can be opened.
func (c *commandContext) withService(cmd *cobra.Command, fn func(context.Context, *core, *caller.Service) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := c.logger(cmd)
	app, err := newCore(cfg, log)
	if err != nil {
		return err
	}
	defer app.supervisor.Close()

	var auditor caller.Auditor
	if db, dbErr := openDatabase(cmd.Context(), cfg); dbErr != nil {
		log.Warn("audit trail unavailable", "error", dbErr)
	} else {
		defer db.Close()
		trail := audit.NewTrail(audit.NewSQLiteRepository(db.DB))
		trail.SetLogger(log.Component("audit"))
		auditor = trail
	}

	ctx := audit.WithActor(cmd.Context(), audit.Actor{Source: audit.SourceCLI, Subject: currentUser()})
	return fn(ctx, app, app.service(nil, auditor, log))
}

// currentUser names the local account running the command.
func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func newShellCommand(c *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "shell <command text>",
		Short: "Run command text through the configured shell",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(ctx context.Context, _ *core, svc *caller.Service) error {
				res := svc.RunShellCommand(ctx, strings.Join(args, " "))
				if asJSON {
					if err := writeJSON(cmd, res); err != nil {
						return err
					}
				} else {
					writeLines(cmd, res.Logs)
				}
				if res.ExitCode != 0 {
					return exitStatusError{code: res.ExitCode}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func newRunCommand(c *commandContext) *cobra.Command {
	var (
		envPairs []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "run [-- daemon args]",
		Short: "Run the daemon once in the foreground, unsupervised",
		Long: `Run the daemon binary once with the given arguments and the host-derived
environment, printing its output as it arrives. The exit status of the
daemon becomes the exit status of this command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, app *core, svc *caller.Service) error {
				if !asJSON {
					out := cmd.OutOrStdout()
					app.launcher.AddSink(process.LineSinkFunc(func(line string) {
						fmt.Fprintln(out, line)
					}))
				}
				res := svc.RunDaemonCommand(ctx, args, env)
				if asJSON {
					if err := writeJSON(cmd, res); err != nil {
						return err
					}
				}
				if res.ExitCode != 0 {
					return exitStatusError{code: res.ExitCode}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra environment entry KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON when the daemon exits")
	return cmd
}

func newKillCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Interrupt every daemon process on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, _ *core, svc *caller.Service) error {
				ack := svc.KillDaemon(ctx)
				if !ack.OK {
					return errors.New(ack.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
				return nil
			})
		},
	}
}

func newPIDsCommand(c *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pids",
		Short: "List the PIDs of daemon processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, _ *core, svc *caller.Service) error {
				pids, err := svc.ListPIDs(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, pids)
				}
				for _, pid := range pids {
					fmt.Fprintln(cmd.OutOrStdout(), pid)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the PIDs as a JSON array")
	return cmd
}

func newEnvCommand(c *commandContext) *cobra.Command {
	var (
		envPairs []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment the daemon would be started with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			facts := environment.Discover(cmd.Context(), discovery(cfg.Host))
			env := environment.Build(environment.Merge(cfg.Daemon.Environment.Partial(), extra), facts)
			if asJSON {
				return writeJSON(cmd, env)
			}
			writeLines(cmd, envLines(env))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra environment entry KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the environment as a JSON object")
	return cmd
}

func newHistoryCommand(c *commandContext) *cobra.Command {
	var (
		limit  int
		state  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show finished daemon runs",
		Long: `Without an argument, list the most recent runs. With a run ID, show that
run including the last lines of its output.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := history.NewSQLiteRepository(db.DB)

			if len(args) == 1 {
				run, err := repo.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, run)
				}
				printRun(cmd, run)
				return nil
			}

			list, err := repo.List(cmd.Context(), history.Filter{State: state, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, list)
			}
			if len(list.Runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), runsTable(list.Runs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVar(&state, "state", "", "Only list runs that ended in this state (stopped or failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newAuditCommand(c *commandContext) *cobra.Command {
	var (
		filter audit.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the control commands issued to the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := audit.NewSQLiteRepository(db.DB).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, list)
			}
			if len(list.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no commands recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), auditTable(list.Entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Number of entries to list")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only list this action (start, stop, kill, shell or run)")
	cmd.Flags().StringVar(&filter.Source, "source", "", "Only list commands from this source (api, mqtt or cli)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func auditTable(entries []audit.Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		result := "ok"
		if !e.OK {
			result = "failed"
		}
		rows[i] = []string{
			e.CreatedAt.Local().Format(time.DateTime),
			e.Action,
			e.Source,
			e.Subject,
			result,
			e.Message,
		}
	}
	return renderTable([]string{"Time", "Action", "Source", "Subject", "Result", "Message"}, rows)
}

func runsTable(runs []history.Run) string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID,
			r.State,
			strconv.Itoa(r.ExitCode),
			r.Duration().Round(time.Second).String(),
			r.FinishedAt.Local().Format(time.DateTime),
			r.Error,
		}
	}
	return renderTable([]string{"ID", "State", "Exit", "Up", "Finished", "Error"}, rows, 2, 3)
}

func printRun(cmd *cobra.Command, r *history.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s\n", r.ID)
	fmt.Fprintf(out, "State:     %s\n", r.State)
	fmt.Fprintf(out, "Exit code: %d\n", r.ExitCode)
	if r.PID > 0 {
		fmt.Fprintf(out, "PID:       %d\n", r.PID)
	}
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(out, "Started:   %s\n", r.StartedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "Finished:  %s\n", r.FinishedAt.Local().Format(time.DateTime))
	if r.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", r.Error)
	}
	if r.StopRequested {
		fmt.Fprintln(out, "Stopped on request")
	}
	if len(r.Args) > 0 {
		fmt.Fprintf(out, "Args:      %s\n", strings.Join(r.Args, " "))
	}
	if len(r.LogTail) > 0 {
		fmt.Fprintln(out, "Output:")
		for _, line := range r.LogTail {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
}

func newTokenCommand(c *commandContext) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set; the API accepts requests without a token")
			}
			tok, err := api.IssueToken(cfg.API.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "Token lifetime")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for api.operators",
		Long: `Read a password from the first line of stdin and print its Argon2id hash,
ready to paste into the api.operators section of the configuration:

  echo 'secret' | stsupervisor hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				return errors.New("no password on stdin")
			}
			password := strings.TrimRight(scanner.Text(), "\r")
			if password == "" {
				return errors.New("password is empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
