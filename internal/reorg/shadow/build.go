// Package shadow builds the workspace for one TableJob: the log table and
// its trigger, the snapshot-copy shadow table, and the shadow table's
// indexes. It implements spec.md §4.4 end to end, including the
// SERIALIZABLE copy transaction (the spec's control-flow diagram lists
// "serializable copy" as its own arrow, but §4.4's numbered steps fold it
// into the same sequence, so Build owns it here too).
//
// Grounded on the teacher's sequential-DDL-application shape in
// internal/storage/dolt/migrations.go (apply a list of statements in
// order, abort the whole unit on the first failure) and, for the
// create/introspect/teardown split, the workspace lifecycle in
// other_examples' skeema workspace.go.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/lockwait"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/pgreorg/pgreorg/internal/reorg/vxid"
)

// ConflictedTriggerError reports that the companion extension found a
// trigger already attached to the target relation that would collide with
// the one this run is about to install (spec.md §4.4 step 2).
type ConflictedTriggerError struct {
	Table   string
	Trigger string
}

func (e *ConflictedTriggerError) Error() string {
	return fmt.Sprintf("trigger %s conflicted for %s", e.Trigger, e.Table)
}

// Result carries what the orchestrator needs out of a successful Build:
// the snapshot vxid set captured at copy start, and the indexes rebuilt
// against the shadow table.
type Result struct {
	Snapshot vxid.Set
	Indexes  []job.IndexSpec
}

// Build runs the full shadow-workspace construction sequence for j against
// primary, using secondary for the lock escalator's cancel/terminate path.
// On return, either the workspace is fully built and the function returns
// a Result, or it returns an error and primary's open transaction (if any)
// has already been rolled back — the caller arms the cleanup guard only
// after Build's first DDL commits (spec.md §4.4 step 5: "From this point
// register the cleanup hook").
func Build(ctx context.Context, primary *session.Session, secondary session.Querier, j *job.TableJob, opts job.Options, waitTimeout time.Duration, serverVersion int, armCleanup func(), log *slog.Logger) (Result, error) {
	if err := lockwait.Acquire(ctx, primary, secondary, j.TargetOID, j.Fragments.LockTable, waitTimeout, serverVersion); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("acquire brief lock: %w", err)
	}

	if err := checkConflictedTriggers(ctx, primary, j); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, err
	}

	for _, stmt := range []string{
		j.Fragments.CreatePKType,
		j.Fragments.CreateLog,
		j.Fragments.CreateTrigger,
		j.Fragments.EnableTrigger,
	} {
		if _, err := primary.Exec(ctx, stmt); err != nil {
			_ = primary.Rollback(ctx)
			return Result{}, fmt.Errorf("build log/trigger: %w", err)
		}
	}

	if _, err := primary.Exec(ctx, fmt.Sprintf(`SELECT repack.disable_autovacuum('repack.log_%d')`, j.TargetOID)); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("disable autovacuum on log table: %w", err)
	}

	if err := primary.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit log/trigger setup: %w", err)
	}

	// From here on, a failure leaves server-side workspace objects
	// behind; the orchestrator's cleanup guard is responsible for tearing
	// them down on every subsequent error path.
	if armCleanup != nil {
		armCleanup()
	}

	res, err := copyIntoShadow(ctx, primary, j, opts)
	if err != nil {
		return Result{}, err
	}

	indexes, err := RebuildIndexes(ctx, primary, j, log)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild indexes: %w", err)
	}
	res.Indexes = indexes
	return res, nil
}

// checkConflictedTriggers aborts the table, per spec.md §4.4 step 2, if
// the companion extension reports a trigger name collision. primary must
// still be inside the lock-holding transaction when this is called.
func checkConflictedTriggers(ctx context.Context, primary *session.Session, j *job.TableJob) error {
	rows, err := primary.Query(ctx, "SELECT trigger_name FROM repack.conflicted_triggers($1)", j.TargetOID)
	if err != nil {
		return fmt.Errorf("conflicted_triggers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trig string
		if err := rows.Scan(&trig); err != nil {
			return fmt.Errorf("scan conflicted_triggers row: %w", err)
		}
		return &ConflictedTriggerError{Table: j.QualifiedName(), Trigger: trig}
	}
	return rows.Err()
}

// copyIntoShadow runs spec.md §4.4 steps 6-12: the SERIALIZABLE snapshot
// copy that populates the shadow table from the target's current rows.
func copyIntoShadow(ctx context.Context, primary *session.Session, j *job.TableJob, opts job.Options) (Result, error) {
	if err := primary.Begin(ctx, "SERIALIZABLE"); err != nil {
		return Result{}, fmt.Errorf("begin copy: %w", err)
	}

	maintWorkMem, err := showSetting(ctx, primary, "maintenance_work_mem")
	if err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("read maintenance_work_mem: %w", err)
	}
	if _, err := primary.Exec(ctx, fmt.Sprintf("SET LOCAL work_mem = '%s'", maintWorkMem)); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("set work_mem: %w", err)
	}

	if opts.Mode() == job.OrderVacuumFull {
		if _, err := primary.Exec(ctx, "SET LOCAL synchronize_seqscans = off"); err != nil {
			_ = primary.Rollback(ctx)
			return Result{}, fmt.Errorf("disable synchronize_seqscans: %w", err)
		}
	}

	snapshot, err := vxid.Capture(ctx, primary)
	if err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("capture snapshot vxid: %w", err)
	}

	if _, err := primary.Exec(ctx, j.Fragments.DeleteLog); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("delete_log: %w", err)
	}

	if _, err := primary.Exec(ctx, j.Fragments.CreateTable); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("create_table: %w", err)
	}

	if j.Fragments.DropColumns != "" {
		if _, err := primary.Exec(ctx, j.Fragments.DropColumns); err != nil {
			_ = primary.Rollback(ctx)
			return Result{}, fmt.Errorf("drop_columns: %w", err)
		}
	}

	if _, err := primary.Exec(ctx, fmt.Sprintf(`SELECT repack.disable_autovacuum('repack.table_%d')`, j.TargetOID)); err != nil {
		_ = primary.Rollback(ctx)
		return Result{}, fmt.Errorf("disable autovacuum on shadow table: %w", err)
	}

	if err := primary.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit copy: %w", err)
	}

	return Result{Snapshot: snapshot}, nil
}

func showSetting(ctx context.Context, q session.Querier, name string) (string, error) {
	var v string
	if err := q.QueryRow(ctx, "SHOW "+name).Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}
