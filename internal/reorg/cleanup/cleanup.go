// Package cleanup implements the cleanup hook of spec.md §4.7 and the
// §9 redesign note: rather than a process-wide atexit callback pointing
// at a package-level global, a Guard is a value owned by one
// *Orchestrator, armed when a TableJob's workspace starts to exist on the
// server and disarmed once it is fully torn down. main.go is responsible
// for invoking Run on every exit path (normal return, signal, and a
// recovered panic), mirroring the teacher's access-lock idempotent
// release pattern (internal/storage/dolt/access_lock.go's
// AccessLock.Release, safe to call on an already-released lock).
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// Guard tracks at most one TableJob "in flight" at a time, per spec.md
// §3's invariant, and knows how to tear its workspace down if the run
// dies before reaching the ordinary drop step.
type Guard struct {
	mu      sync.Mutex
	job     *job.TableJob
	primary *session.Session
	log     *slog.Logger
}

// New returns an unarmed Guard.
func New(log *slog.Logger) *Guard {
	return &Guard{log: log}
}

// Arm records j as the current in-flight job, using primary to reach the
// companion's drop(oid) helper if Run is later invoked. Called by the
// orchestrator once the shadow builder's first DDL has committed
// (spec.md §4.4 step 5).
func (g *Guard) Arm(j *job.TableJob, primary *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.job = j
	g.primary = primary
}

// Disarm clears the in-flight job, called once the ordinary swap/drop
// path has succeeded (spec.md §4.6: "remove the cleanup hook only after
// drop succeeds").
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.job = nil
	g.primary = nil
}

// Armed reports whether a job is currently registered.
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.job != nil
}

// Run executes the cleanup path (spec.md §4.7). If fatal is set, it
// prints a terse banner and does not touch the database — the process
// state is already unsafe to issue queries from (e.g. inside a signal
// handler or after a panic whose cause is unknown). Otherwise, if a
// primary session is registered, it rolls back any open transaction
// (reconnecting first if the session is broken) and invokes the
// companion's drop(oid) to remove workspace objects. Run is idempotent:
// calling it twice in a row, or calling it when nothing is armed, is a
// no-op the second time.
func (g *Guard) Run(ctx context.Context, fatal bool) error {
	g.mu.Lock()
	j, primary := g.job, g.primary
	g.mu.Unlock()

	if j == nil {
		return nil
	}

	if fatal {
		fmt.Fprintf(os.Stderr, "pgreorg: fatal error while repacking %s; workspace may be orphaned, will be removed on next run\n", j.QualifiedName())
		return nil
	}

	if primary == nil {
		return nil
	}

	if primary.Broken() {
		if err := primary.Reconnect(ctx); err != nil {
			return fmt.Errorf("cleanup reconnect: %w", err)
		}
	} else if err := primary.Rollback(ctx); err != nil {
		return fmt.Errorf("cleanup rollback: %w", err)
	}

	if _, err := primary.Exec(ctx, "SELECT repack.repack_drop($1)", j.TargetOID); err != nil {
		return fmt.Errorf("cleanup drop: %w", err)
	}

	if g.log != nil {
		g.log.Info("cleaned up workspace", "target", j.QualifiedName(), "target_oid", j.TargetOID)
	}
	g.Disarm()
	return nil
}
