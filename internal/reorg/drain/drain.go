// Package drain implements the log drainer (spec.md §4.5): it repeatedly
// applies captured changes to the shadow table until the change log is
// empty and every transaction concurrent with the copy snapshot has
// ended. That second half of the convergence condition is what spec.md
// §2 calls the "snapshot waiter" step; this package folds it into the
// same loop rather than polling the alive set twice; see DESIGN.md.
//
// Grounded on the teacher's watchdog.go ticker-plus-condition-check loop
// (internal/storage/dolt/watchdog.go), adapted from a health check to a
// convergence check, and logging only on alive-set-size change rather
// than on every tick.
package drain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/metrics"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/pgreorg/pgreorg/internal/reorg/vxid"
)

// ApplyCount is the batch cap passed to the companion's repack_apply on
// every iteration (spec.md §4.5).
const ApplyCount = 1000

// pollInterval is the sleep between drain iterations once the log is
// momentarily empty but pre-snapshot transactions are still alive.
const pollInterval = time.Second

// sleep is overridden in tests so the convergence loop doesn't actually
// wait a second per iteration.
var sleep = time.Sleep

// ApplyLog invokes the companion's repack_apply with j's five log
// fragments and limit, and returns the number of rows it applied.
func ApplyLog(ctx context.Context, q session.Querier, j *job.TableJob, limit int) (int, error) {
	var n int
	err := q.QueryRow(ctx, "SELECT repack.repack_apply($1, $2, $3, $4, $5, $6)",
		j.Fragments.SQLPeek, j.Fragments.SQLInsert, j.Fragments.SQLDelete,
		j.Fragments.SQLUpdate, j.Fragments.SQLPop, limit,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repack_apply: %w", err)
	}
	return n, nil
}

// Run drains j's change log against primary until convergence: no new log
// rows were applied on the last batch, and no member of snapshot is still
// alive. It never times out (spec.md §4.5's open question: the source
// waits indefinitely under sustained write pressure, and so does this).
func Run(ctx context.Context, primary session.Querier, j *job.TableJob, snapshot vxid.Set, log *slog.Logger) error {
	lastAliveCount := -1
	for {
		processed, err := ApplyLog(ctx, primary, j, ApplyCount)
		if err != nil {
			return err
		}
		metrics.RowsDrained(ctx, j.TargetOID, int64(processed))
		if processed > 0 {
			continue
		}

		alive, err := vxid.Poll(ctx, primary, snapshot)
		if err != nil {
			return fmt.Errorf("poll alive transactions: %w", err)
		}
		if len(alive.VXIDs) == 0 {
			return nil
		}
		if len(alive.VXIDs) != lastAliveCount {
			if log != nil {
				log.Info("waiting for pre-copy transactions to finish",
					"target_oid", j.TargetOID, "count", len(alive.VXIDs), "first_pid", alive.FirstPID)
			}
			lastAliveCount = len(alive.VXIDs)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sleep(pollInterval)
	}
}
