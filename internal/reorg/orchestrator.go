// Package reorg is the orchestrator (spec.md §4.8): it sequences the
// version probe, target enumeration, and per-table pipeline (shadow
// build → drain → swap → drop → optional analyze) across one or every
// connectable database, and owns the single cleanup.Guard for whichever
// TableJob is currently in flight.
//
// Grounded on the teacher's cmd/bd top-level command dispatch for the
// single-object-owns-cleanup shape (spec.md §9's redesign note: avoid a
// process-wide atexit global, model it as one orchestrator-scoped value).
package reorg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgreorg/pgreorg/internal/pgerr"
	"github.com/pgreorg/pgreorg/internal/reorg/cleanup"
	"github.com/pgreorg/pgreorg/internal/reorg/drain"
	"github.com/pgreorg/pgreorg/internal/reorg/enumerate"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/lockwait"
	"github.com/pgreorg/pgreorg/internal/reorg/probe"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/pgreorg/pgreorg/internal/reorg/shadow"
	"github.com/pgreorg/pgreorg/internal/reorg/swap"
)

// isFatalLockError reports whether err is (or wraps) a
// *lockwait.FatalError: spec.md §4.3/§7's "lock acquisition exhausted"
// category, which the original client's lock_exclusive() always treats
// as exit(1) regardless of --all or --table. Unlike a table-scoped
// PreconditionError, it must never be swallowed by the per-table or
// per-database loops below.
func isFatalLockError(err error) bool {
	var fatal *lockwait.FatalError
	return errors.As(err, &fatal)
}

// reorgTracer is the OTel tracer for whole-database and per-table spans,
// the same package-scoped otel.Tracer(...) shape as the teacher's
// doltTracer in internal/storage/dolt/store.go.
var reorgTracer = otel.Tracer("github.com/pgreorg/pgreorg/reorg")

// endSpan records an error (if any) and ends the span, mirroring the
// teacher's store.go endSpan helper.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Orchestrator drives one reorganization run. It is safe to reuse across
// multiple RunDatabase calls (RunAll does exactly that) but not safe for
// concurrent use: spec.md §5 describes a single-threaded cooperative
// client, and the cleanup Guard assumes one in-flight TableJob at a time.
type Orchestrator struct {
	log   *slog.Logger
	guard *cleanup.Guard
}

// New returns an Orchestrator that logs to log (nil is accepted and
// silences all logging).
func New(log *slog.Logger) *Orchestrator {
	return &Orchestrator{log: log, guard: cleanup.New(log)}
}

// Guard returns the orchestrator's cleanup guard, for main.go to invoke
// on every exit path via defer.
func (o *Orchestrator) Guard() *cleanup.Guard {
	return o.guard
}

func (o *Orchestrator) logf() *slog.Logger {
	if o.log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.log
}

// RunAll implements the --all mode of spec.md §4.8: connect to the
// administrative database, list every database that allows connections,
// and run the single-database flow against each, collecting one
// DatabaseOutcome per database. A failure connecting to the
// administrative database itself is fatal and returned as err; failures
// within one database's run are captured in that database's outcome and
// do not stop the others, except a *lockwait.FatalError, which is
// recorded in its database's outcome and then returned at once.
func (o *Orchestrator) RunAll(ctx context.Context, adminDSN string, opts job.Options) ([]job.DatabaseOutcome, error) {
	admin, err := session.Connect(ctx, adminDSN, o.log)
	if err != nil {
		return nil, fmt.Errorf("connect to administrative database: %w", err)
	}
	defer func() { _ = admin.Close(ctx) }()

	rows, err := admin.Query(ctx, "SELECT datname FROM pg_database WHERE datallowconn ORDER BY datname")
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pg_database row: %w", err)
		}
		names = append(names, name)
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("iterate pg_database: %w", closeErr)
	}

	var outcomes []job.DatabaseOutcome
	for _, name := range names {
		o.logf().Info("reorganizing database", "database", name)

		dsn, err := withDatabase(adminDSN, name)
		if err != nil {
			outcomes = append(outcomes, job.DatabaseOutcome{Database: name, Err: err})
			continue
		}

		reason, runErr := o.RunDatabase(ctx, dsn, opts)
		switch {
		case isFatalLockError(runErr):
			// spec.md §4.3/§7: lock acquisition failure exits the whole
			// process, even under --all; it is not a per-database outcome
			// to record and move past.
			outcomes = append(outcomes, job.DatabaseOutcome{Database: name, Err: runErr})
			return outcomes, runErr
		case runErr != nil:
			o.logf().Error("database failed", "database", name, "error", runErr)
			outcomes = append(outcomes, job.DatabaseOutcome{Database: name, Err: runErr})
		case reason != "":
			o.logf().Info("skipped database", "database", name, "reason", reason)
			outcomes = append(outcomes, job.DatabaseOutcome{Database: name, Skipped: true, Reason: reason})
		default:
			outcomes = append(outcomes, job.DatabaseOutcome{Database: name})
		}
	}
	return outcomes, nil
}

// RunDatabase implements the single-database flow of spec.md §4.8:
// version probe, session setup, enumeration, and the per-table pipeline.
// A non-empty skipReason means the database was skipped for a recognized
// reason (version mismatch, missing extension, or an enumeration query
// failure) and err is always nil in that case. A non-nil err is fatal to
// this database's run; other tables already processed are unaffected.
func (o *Orchestrator) RunDatabase(ctx context.Context, dsn string, opts job.Options) (skipReason string, err error) {
	ctx, span := reorgTracer.Start(ctx, "pgreorg.repack_database", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { endSpan(span, err) }()

	pair, err := session.ConnectPair(ctx, dsn, o.log)
	if err != nil {
		return "", fmt.Errorf("connect session pair: %w", err)
	}
	defer pair.Close(ctx)

	res, err := probe.Run(ctx, pair.Primary)
	if err != nil {
		return "", fmt.Errorf("version probe: %w", err)
	}
	if !res.OK {
		return res.SkipReason, nil
	}

	if _, err := pair.Primary.Exec(ctx, "SET statement_timeout = 0"); err != nil {
		return "", fmt.Errorf("set statement_timeout: %w", err)
	}
	if _, err := pair.Primary.Exec(ctx, "SET search_path = pg_catalog, pg_temp, public"); err != nil {
		return "", fmt.Errorf("set search_path: %w", err)
	}
	if _, err := pair.Primary.Exec(ctx, "SET client_min_messages = warning"); err != nil {
		return "", fmt.Errorf("set client_min_messages: %w", err)
	}

	serverVersion, err := serverVersionNum(ctx, pair.Primary)
	if err != nil {
		return "", fmt.Errorf("read server_version_num: %w", err)
	}

	jobs, err := enumerate.Run(ctx, pair.Primary, opts)
	if err != nil {
		if pgerr.IsMissingSchema(err) {
			return "not installed", nil
		}
		return err.Error(), nil
	}

	clustered := opts.Mode() == job.OrderClustered
	waitTimeout := time.Duration(opts.WaitTimeout) * time.Second

	for i := range jobs {
		j := &jobs[i]
		if err := j.Validate(clustered); err != nil {
			if opts.Table != "" {
				return "", err
			}
			o.logf().Error("skipping table", "table", j.QualifiedName(), "error", err)
			continue
		}

		if err := o.runTable(ctx, pair, j, opts, serverVersion, waitTimeout); err != nil {
			if opts.Table != "" || isFatalLockError(err) {
				return "", err
			}
			o.logf().Error("table failed", "table", j.QualifiedName(), "error", err)
			if cerr := o.guard.Run(ctx, false); cerr != nil {
				o.logf().Error("cleanup failed", "table", j.QualifiedName(), "error", cerr)
			}
			continue
		}
	}
	return "", nil
}

// runTable sequences one table through the full pipeline: shadow build
// (which includes the serializable copy), log drain, swap, drop, and an
// optional final analyze. Stage banners are logged at Debug, mirroring
// the original client's DEBUG2 "---- stage ----" markers (see SPEC_FULL.md
// §6 supplement).
func (o *Orchestrator) runTable(ctx context.Context, pair *session.Pair, j *job.TableJob, opts job.Options, serverVersion int, waitTimeout time.Duration) (err error) {
	ctx, span := reorgTracer.Start(ctx, "pgreorg.repack_table",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pgreorg.table", j.QualifiedName()),
			attribute.Int64("pgreorg.target_oid", int64(j.TargetOID)),
		),
	)
	defer func() { endSpan(span, err) }()

	log := o.logf()
	log.Debug("table job", "target", j.QualifiedName(), "target_oid", j.TargetOID, "pkey_oid", j.PKeyOID, "ckey_oid", j.CKeyOID)

	log.Debug("stage", "name", "setup")
	res, err := shadow.Build(ctx, pair.Primary, pair.Secondary, j, opts, waitTimeout, serverVersion,
		func() { o.guard.Arm(j, pair.Primary) }, log)
	if err != nil {
		return fmt.Errorf("shadow build: %w", err)
	}
	log.Debug("stage", "name", "create indexes", "count", len(res.Indexes))

	log.Debug("stage", "name", "drain")
	if err := drain.Run(ctx, pair.Primary, j, res.Snapshot, log); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	log.Debug("stage", "name", "swap")
	if err := swap.Finish(ctx, pair.Primary, pair.Secondary, j, waitTimeout, serverVersion); err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	o.guard.Disarm()
	log.Debug("stage", "name", "drop")

	if !opts.NoAnalyze {
		log.Debug("stage", "name", "analyze")
		if err := swap.Analyze(ctx, pair.Primary, j); err != nil {
			log.Warn("analyze failed, table is already swapped", "table", j.QualifiedName(), "error", err)
		}
	}

	log.Info("repacked table", "table", j.QualifiedName())
	return nil
}

func serverVersionNum(ctx context.Context, q session.Querier) (int, error) {
	var s string
	if err := q.QueryRow(ctx, "SHOW server_version_num").Scan(&s); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse server_version_num %q: %w", s, err)
	}
	return n, nil
}
