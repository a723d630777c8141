// Package enumerate queries the companion extension's tables view to
// build the list of TableJobs one database run will process.
package enumerate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
)

// Run selects candidate tables from repack.tables and materializes one
// TableJob per row, with create_table post-processed according to
// opts.Mode(). When opts.Table is set, the selection is restricted to
// that single relation (by regclass) regardless of its key columns; the
// pkid/ckid filtering below only applies to the "all eligible tables"
// case.
func Run(ctx context.Context, q session.Querier, opts job.Options) ([]job.TableJob, error) {
	query := "SELECT * FROM repack.tables WHERE "
	var args []any

	switch {
	case opts.Table != "":
		query += "relid = $1::regclass"
		args = append(args, opts.Table)
	case opts.Mode() == job.OrderClustered:
		query += "pkid IS NOT NULL AND ckid IS NOT NULL"
	default:
		query += "pkid IS NOT NULL"
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []job.TableJob
	for rows.Next() {
		j, createTable, ckeySQL, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		j.CKeySQL = ckeySQL
		j.Fragments.CreateTable = composeCreateTable(createTable, ckeySQL, opts)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// scanRow reads one repack.tables row positionally, the same column
// order the original C client walks via its incrementing column index:
// target_name, target_oid, target_toast, target_tidx, pkid, ckid,
// create_pktype, create_log, create_trigger, enable_trigger,
// create_table, drop_columns, delete_log, lock_table, ckey, sql_peek,
// sql_insert, sql_delete, sql_update, sql_pop.
func scanRow(rows pgx.Rows) (job.TableJob, string, string, error) {
	var (
		j                        job.TableJob
		createTable, ckey        string
		dropColumns              *string
		toastOID, toastIndexOID  *uint32
		ckeyOID                  *uint32
		ckeyText                 *string
	)

	err := rows.Scan(
		&j.Table, &j.TargetOID, &toastOID, &toastIndexOID, &j.PKeyOID, &ckeyOID,
		&j.Fragments.CreatePKType, &j.Fragments.CreateLog, &j.Fragments.CreateTrigger, &j.Fragments.EnableTrigger,
		&createTable, &dropColumns, &j.Fragments.DeleteLog, &j.Fragments.LockTable, &ckeyText,
		&j.Fragments.SQLPeek, &j.Fragments.SQLInsert, &j.Fragments.SQLDelete, &j.Fragments.SQLUpdate, &j.Fragments.SQLPop,
	)
	if err != nil {
		return job.TableJob{}, "", "", fmt.Errorf("scan repack.tables row: %w", err)
	}

	if toastOID != nil {
		j.ToastOID = *toastOID
	}
	if toastIndexOID != nil {
		j.ToastIndexOID = *toastIndexOID
	}
	if ckeyOID != nil {
		j.CKeyOID = *ckeyOID
	}
	if dropColumns != nil {
		j.Fragments.DropColumns = *dropColumns
	}
	if ckeyText != nil {
		ckey = *ckeyText
	}
	return j, createTable, ckey, nil
}

// composeCreateTable appends the ORDER BY clause create_table needs,
// reproducing the original client's three-way branch: clustered mode
// appends the clustering fragment, vacuum-full mode leaves create_table
// verbatim, and user-order mode appends the caller's expression.
func composeCreateTable(createTable, ckeySQL string, opts job.Options) string {
	switch opts.Mode() {
	case job.OrderVacuumFull:
		return createTable
	case job.OrderUser:
		return createTable + " ORDER BY " + opts.OrderBy
	default: // OrderClustered
		return createTable + " ORDER BY " + ckeySQL
	}
}
