package shadow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// RebuildIndexes queries pg_index for every index on j's target relation
// and, for each one that is valid, fetches its rebuild SQL from the
// companion's repack_indexdef helper and runs it against the shadow
// table. Invalid indexes are skipped with a warning log rather than
// failing the table (spec.md §4.4's index-rebuild substep); a failure
// rebuilding a *valid* index is not swallowed, since an invalid index
// surviving a swap would silently lose query plans or uniqueness
// enforcement (spec.md §7).
func RebuildIndexes(ctx context.Context, q session.Querier, j *job.TableJob, log *slog.Logger) ([]job.IndexSpec, error) {
	rows, err := q.Query(ctx, `
SELECT indexrelid, indisvalid, pg_get_indexdef(indexrelid)
FROM pg_index
WHERE indrelid = $1`, j.TargetOID)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}

	type rawIndex struct {
		oid   uint32
		valid bool
		def   string
	}
	var raw []rawIndex
	for rows.Next() {
		var r rawIndex
		if err := rows.Scan(&r.oid, &r.valid, &r.def); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pg_index row: %w", err)
		}
		raw = append(raw, r)
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("iterate pg_index: %w", closeErr)
	}

	var specs []job.IndexSpec
	for _, r := range raw {
		if !r.valid {
			if log != nil {
				log.Warn("skipping invalid index", "index_oid", r.oid, "target_oid", j.TargetOID, "definition", r.def)
			}
			specs = append(specs, job.IndexSpec{IndexOID: r.oid, Valid: false, Definition: r.def})
			continue
		}

		var rebuildSQL string
		if err := q.QueryRow(ctx, "SELECT repack.repack_indexdef($1, $2)", r.oid, j.TargetOID).Scan(&rebuildSQL); err != nil {
			return nil, fmt.Errorf("repack_indexdef(%d): %w", r.oid, err)
		}
		if _, err := q.Exec(ctx, rebuildSQL); err != nil {
			return nil, fmt.Errorf("rebuild index %d: %w", r.oid, err)
		}
		specs = append(specs, job.IndexSpec{IndexOID: r.oid, RebuildSQL: rebuildSQL, Valid: true, Definition: r.def})
	}
	return specs, nil
}
