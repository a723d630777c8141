// Package swap implements the swap-and-drop step (spec.md §4.6): a final
// drain under a second brief exclusive lock, the companion's atomic
// storage swap, and workspace teardown.
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/pgreorg/pgreorg/internal/reorg/drain"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/lockwait"
	"github.com/pgreorg/pgreorg/internal/reorg/metrics"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// Finish acquires a second brief exclusive lock on j's target, drains any
// remaining log rows, calls the companion's repack_swap to atomically
// exchange storage between target and shadow, commits, then drops the
// workspace in a fresh transaction. The cleanup guard should be
// disarmed by the caller only after Finish returns nil (spec.md §4.6:
// "remove the cleanup hook only after drop succeeds").
func Finish(ctx context.Context, primary *session.Session, secondary session.Querier, j *job.TableJob, waitTimeout time.Duration, serverVersion int) error {
	if err := lockwait.Acquire(ctx, primary, secondary, j.TargetOID, j.Fragments.LockTable, waitTimeout, serverVersion); err != nil {
		return fmt.Errorf("acquire swap lock: %w", err)
	}

	if _, err := drain.ApplyLog(ctx, primary, j, 0); err != nil {
		_ = primary.Rollback(ctx)
		return fmt.Errorf("final drain: %w", err)
	}

	if _, err := primary.Exec(ctx, "SELECT repack.repack_swap($1)", j.TargetOID); err != nil {
		_ = primary.Rollback(ctx)
		return fmt.Errorf("repack_swap: %w", err)
	}

	if err := primary.Commit(ctx); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	metrics.TableRepacked(ctx, j.TargetOID)

	if err := primary.Begin(ctx, "READ COMMITTED"); err != nil {
		return fmt.Errorf("begin drop: %w", err)
	}
	if _, err := primary.Exec(ctx, "SELECT repack.repack_drop($1)", j.TargetOID); err != nil {
		_ = primary.Rollback(ctx)
		return fmt.Errorf("repack_drop: %w", err)
	}
	if err := primary.Commit(ctx); err != nil {
		return fmt.Errorf("commit drop: %w", err)
	}
	return nil
}

// Analyze runs ANALYZE on the swapped-in target inside its own
// BEGIN/COMMIT envelope (spec.md §4.6, §9 open question: the envelope is
// kept for compatibility with server-side hooks even though ANALYZE is
// not transactional in the ordinary sense). Its failure does not undo the
// swap; the caller logs it and continues.
func Analyze(ctx context.Context, primary *session.Session, j *job.TableJob) error {
	if err := primary.Begin(ctx, ""); err != nil {
		return fmt.Errorf("begin analyze: %w", err)
	}
	if _, err := primary.Exec(ctx, "ANALYZE "+j.QualifiedName()); err != nil {
		_ = primary.Rollback(ctx)
		return fmt.Errorf("analyze: %w", err)
	}
	return primary.Commit(ctx)
}
