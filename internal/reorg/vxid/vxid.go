// Package vxid captures and polls the snapshot vxid set spec.md §3 and
// §4.4-§4.5 describe: the virtual transaction identifiers of sessions
// concurrent with the start of the copy transaction, whose completion is
// the second half of the log drainer's convergence condition.
package vxid

import (
	"context"
	"sort"

	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// sentinelVirtualXID and sentinelVirtualTransaction together identify the
// bgwriter's row on newly promoted servers (spec.md §6; the original's
// `(virtualxid, virtualtransaction) <> ('1/1', '-1/0')`,
// original_source/bin/pg_repack.c:41-44): it never commits in the
// ordinary sense and must be excluded from both capture and alive-polling,
// or drain would wait on it forever. The captured/polled column is
// virtualtransaction ('-1/0'); virtualxid ('1/1') is selected alongside it
// so the exclusion matches the exact tuple rather than just the value that
// happens to land in virtualtransaction, which a legitimate backend could
// otherwise collide with.
const (
	sentinelVirtualXID         = "1/1"
	sentinelVirtualTransaction = "-1/0"
)

// isSentinel reports whether (virtualxid, virtualtransaction) is the
// bgwriter sentinel tuple.
func isSentinel(virtualXID, virtualTransaction string) bool {
	return virtualXID == sentinelVirtualXID && virtualTransaction == sentinelVirtualTransaction
}

// Set is the snapshot vxid list captured at the start of the copy
// transaction. Order is insignificant; comparisons treat it as a set.
type Set []string

// Capture lists every virtual transaction id other than the caller's own
// backend and the bgwriter sentinel. Issued once, inside the SERIALIZABLE
// copy transaction, before delete_log and create_table run (spec.md
// §4.4 step 7).
func Capture(ctx context.Context, q session.Querier) (Set, error) {
	rows, err := q.Query(ctx, `
SELECT l.virtualxid, l.virtualtransaction
FROM pg_locks l
WHERE l.locktype = 'virtualxid'
  AND l.virtualtransaction IS NOT NULL
  AND l.pid IS DISTINCT FROM pg_backend_pid()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var set Set
	for rows.Next() {
		var vxid, v string
		if err := rows.Scan(&vxid, &v); err != nil {
			return nil, err
		}
		if isSentinel(vxid, v) {
			continue
		}
		set = append(set, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(set)
	return set, nil
}

// Alive reports which members of snapshot are still running, plus the pid
// of the first one found (for the drainer's "first PID" NOTICE, spec.md
// §4.5). Returns a nil/empty Alive with pid 0 once every pre-snapshot
// transaction has ended.
type Alive struct {
	VXIDs    Set
	FirstPID int32
}

// Poll queries pg_locks for which of snapshot's virtual transaction ids
// are still held by a live backend.
func Poll(ctx context.Context, q session.Querier, snapshot Set) (Alive, error) {
	if len(snapshot) == 0 {
		return Alive{}, nil
	}

	rows, err := q.Query(ctx, `
SELECT l.virtualxid, l.virtualtransaction, l.pid
FROM pg_locks l
WHERE l.locktype = 'virtualxid'
  AND l.virtualtransaction = ANY($1)`, []string(snapshot))
	if err != nil {
		return Alive{}, err
	}
	defer rows.Close()

	var out Alive
	for rows.Next() {
		var vxid, v string
		var pid int32
		if err := rows.Scan(&vxid, &v, &pid); err != nil {
			return Alive{}, err
		}
		if isSentinel(vxid, v) {
			continue
		}
		out.VXIDs = append(out.VXIDs, v)
		if out.FirstPID == 0 {
			out.FirstPID = pid
		}
	}
	if err := rows.Err(); err != nil {
		return Alive{}, err
	}
	sort.Strings(out.VXIDs)
	return out, nil
}
