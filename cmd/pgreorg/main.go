// Command pgreorg is the CLI front-end for the online table-reorganization
// engine in internal/reorg. It is confirmed out of core scope by spec.md
// §1 ("the command-line front-end, option parsing, help text... are
// referenced only by the interfaces the core consumes"), but a complete
// repo needs it to run at all (SPEC_FULL.md §2 component 11).
//
// Flag wiring follows the teacher's cmd/bd/main.go package-level var
// block for flag destinations and its PersistentPreRun/RunE split for
// signal-aware context setup.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pgreorg/pgreorg/internal/config"
	"github.com/pgreorg/pgreorg/internal/reorg"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/version"
	"github.com/pgreorg/pgreorg/internal/telemetry"
)

var (
	flagAll         bool
	flagTable       string
	flagNoOrder     bool
	flagOrderBy     string
	flagWaitTimeout int
	flagNoAnalyze   bool
	flagConfigFile  string
	flagVerbose     bool

	// rootCtx is canceled on SIGINT/SIGTERM, the same
	// signal.NotifyContext-based graceful-cancellation pattern the
	// teacher's cmd/bd/main.go sets up in its own PersistentPreRun.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "pgreorg [OPTION]... [DBNAME]",
	Short: fmt.Sprintf("%s re-organizes a PostgreSQL database.", version.ProgramName),
	Long: fmt.Sprintf(`%s re-organizes a PostgreSQL database.

Usage:
  pgreorg [OPTION]... [DBNAME]`, version.ProgramName),
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&flagAll, "all", "a", false, "repack all databases")
	flags.BoolVarP(&flagNoOrder, "no-order", "n", false, "do vacuum full instead of cluster")
	flags.StringVarP(&flagOrderBy, "order-by", "o", "", "order by columns instead of cluster keys")
	flags.StringVarP(&flagTable, "table", "t", "", "repack specific table only")
	flags.IntVarP(&flagWaitTimeout, "wait-timeout", "T", 60, "timeout to cancel other backends on conflict")
	flags.BoolVarP(&flagNoAnalyze, "no-analyze", "Z", false, "don't analyze at end")
	flags.StringVar(&flagConfigFile, "config", "", "path to an optional pgreorg.yaml config file")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "print debug-level diagnostics")
}

func run(cmd *cobra.Command, args []string) (err error) {
	if flagAll && flagTable != "" {
		return fmt.Errorf("cannot specify both --all and --table")
	}

	log := newLogger(flagVerbose)
	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	shutdownTelemetry, err := telemetry.Init(ctx, io.Discard)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	fileDefaults, err := config.Load(flagConfigFile)
	if err != nil {
		return err
	}

	waitTimeout := flagWaitTimeout
	if !cmd.Flags().Changed("wait-timeout") && fileDefaults.WaitTimeout > 0 {
		waitTimeout = fileDefaults.WaitTimeout
	}

	opts := job.Options{
		All:         flagAll,
		Table:       flagTable,
		NoOrder:     flagNoOrder,
		OrderBy:     flagOrderBy,
		WaitTimeout: waitTimeout,
		NoAnalyze:   flagNoAnalyze || fileDefaults.NoAnalyze,
		DSN:         fileDefaults.DSN,
	}
	if len(args) == 1 {
		opts.Database = args[0]
	} else {
		opts.Database = fileDefaults.Database
	}
	if opts.DSN == "" {
		opts.DSN = defaultDSN(opts.Database)
	}

	orch := reorg.New(log)

	// Every exit path — normal return, an error bubbling up from a
	// canceled context, or a recovered panic — runs the cleanup guard
	// exactly once (spec.md §4.7, §9's scoped-cleanup-guard redesign
	// note). A panic is re-raised after cleanup so the process still
	// exits non-zero and the stack trace is not swallowed.
	defer func() {
		r := recover()
		if cerr := orch.Guard().Run(context.Background(), r != nil); cerr != nil {
			log.Error("cleanup failed", "error", cerr)
		}
		if r != nil {
			panic(r)
		}
	}()

	if opts.All {
		outcomes, runErr := orch.RunAll(ctx, opts.DSN, opts)
		if runErr != nil {
			return runErr
		}
		return summarize(log, outcomes)
	}

	reason, runErr := orch.RunDatabase(ctx, opts.DSN, opts)
	if runErr != nil {
		return runErr
	}
	if reason != "" {
		log.Warn("database skipped", "reason", reason)
	}
	return nil
}

func summarize(log *slog.Logger, outcomes []job.DatabaseOutcome) error {
	var failed int
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
			log.Error("database failed", "database", o.Database, "error", o.Err)
		case o.Skipped:
			log.Info("database skipped", "database", o.Database, "reason", o.Reason)
		default:
			log.Info("database repacked", "database", o.Database)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d database(s) failed", failed)
	}
	return nil
}

// defaultDSN builds a libpq-URL connection string from the standard PG*
// environment variables, the same fallback the original C client's libpq
// connection handling provides implicitly; database overrides the
// PGDATABASE value (or the OS user name, libpq's own default) when set.
func defaultDSN(database string) string {
	host := envOr("PGHOST", "localhost")
	port := envOr("PGPORT", "5432")
	user := envOr("PGUSER", envOr("USER", "postgres"))
	if database == "" {
		database = envOr("PGDATABASE", user)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s", user, host, port, database)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger builds a structured logger writing to stderr. Output is
// human-readable text when stderr is a terminal and JSON when it is
// redirected to a file or a pipe; the golang.org/x/term check is the same terminal-detection dependency
// the teacher's TUI stack pulls in transitively, used here directly since
// this CLI has no TUI of its own.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
