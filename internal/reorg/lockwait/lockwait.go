// Package lockwait implements the bounded-retry exclusive lock acquisition
// the shadow builder and the swap step both need: try the lock with a
// short statement timeout, and if blocked for too long, cancel or
// terminate the blocker and retry.
package lockwait

import (
	"context"
	"fmt"
	"time"

	"github.com/pgreorg/pgreorg/internal/pgerr"
	"github.com/pgreorg/pgreorg/internal/reorg/metrics"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// minTerminateServerVersion is the lowest PostgreSQL server_version
// (as returned by `SHOW server_version_num` or libpq's PQserverVersion)
// that supports pg_terminate_backend. Servers older than this only ever
// get the cancel path, regardless of how long the wait has run.
const minTerminateServerVersion = 80400

const (
	cancelBlockersSQL = `SELECT pg_cancel_backend(pid) FROM pg_locks
WHERE locktype = 'relation' AND relation = $1 AND pid <> pg_backend_pid()`

	terminateBlockersSQL = `SELECT pg_terminate_backend(pid) FROM pg_locks
WHERE locktype = 'relation' AND relation = $1 AND pid <> pg_backend_pid()`
)

// now is overridden in tests to exercise the cancel/terminate thresholds
// without an actual wall-clock wait.
var now = time.Now

// FatalError wraps a lock-acquisition failure that spec.md §4.3 and §7
// classify as its own error category ("lock acquisition exhausted"),
// distinct from a table-scoped precondition failure: the original
// client's lock_exclusive() calls exit(1) unconditionally on any lock SQL
// error other than a statement timeout (original_source/bin/pg_repack.c,
// lock_exclusive), regardless of --all or --table. Callers use
// errors.As to detect it and propagate it as always-fatal rather than
// skipping the current table or database and moving on.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Acquire runs the escalating lock-retry loop against primary, using
// secondary to issue cancel/terminate against blockers so that the
// interrupt never shares a transaction with the session that holds (or is
// trying to hold) the lock. On success, primary remains inside the
// transaction that holds the lock; the caller commits or continues
// issuing statements in it. On any non-timeout error, the lock SQL's
// error is wrapped in a *FatalError so the caller can recognize it and
// exit, per spec: lock acquisition failure for any reason other than
// statement timeout is fatal.
func Acquire(ctx context.Context, primary *session.Session, secondary session.Querier, targetOID uint32, lockSQL string, waitTimeout time.Duration, serverVersion int) error {
	start := now()

	for i := 1; ; i++ {
		if err := primary.Begin(ctx, "READ COMMITTED"); err != nil {
			return fmt.Errorf("begin lock attempt: %w", err)
		}

		duration := now().Sub(start)
		if duration > waitTimeout {
			cancelSQL := cancelBlockersSQL
			if serverVersion >= minTerminateServerVersion && duration > 2*waitTimeout {
				cancelSQL = terminateBlockersSQL
			}
			if _, err := secondary.Exec(ctx, cancelSQL, targetOID); err != nil {
				return fmt.Errorf("cancel/terminate blockers: %w", err)
			}
		}

		waitMsec := i * 100
		if waitMsec > 1000 {
			waitMsec = 1000
		}
		if _, err := primary.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", waitMsec)); err != nil {
			return fmt.Errorf("set lock attempt timeout: %w", err)
		}

		_, lockErr := primary.Exec(ctx, lockSQL)
		if lockErr == nil {
			if _, err := primary.Exec(ctx, "RESET statement_timeout"); err != nil {
				return fmt.Errorf("reset statement timeout: %w", err)
			}
			metrics.LockWait(ctx, targetOID, float64(now().Sub(start).Milliseconds()))
			return nil
		}

		if pgerr.IsStatementTimeout(lockErr) {
			metrics.Retry(ctx, targetOID)
			if err := primary.Rollback(ctx); err != nil {
				return fmt.Errorf("rollback after lock timeout: %w", err)
			}
			continue
		}
		return &FatalError{Err: lockErr}
	}
}
