package shadow

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows is a scripted pgx.Rows backed by a slice of pre-scanned values.
type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = row[i].(string)
		case *uint32:
			*ptr = row[i].(uint32)
		case *bool:
			*ptr = row[i].(bool)
		}
	}
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if ptr, ok := d.(*string); ok {
			*ptr = r.values[i].(string)
		}
	}
	return nil
}

// fakeQuerier scripts responses keyed by a substring match against the
// statement text, in the spirit of lockwait_test.go's exact-match fake but
// relaxed to substrings since Build issues many distinct opaque fragments.
type fakeQuerier struct {
	execCalls  []string
	rowsByHint map[string]*fakeRows
	rowByHint  map[string]fakeRow
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	for hint, rows := range f.rowsByHint {
		if strings.Contains(sql, hint) {
			return rows, nil
		}
	}
	return &fakeRows{}, nil
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	for hint, row := range f.rowByHint {
		if strings.Contains(sql, hint) {
			return row
		}
	}
	return fakeRow{values: []any{""}}
}

func testJob() *job.TableJob {
	return &job.TableJob{
		Schema:    "public",
		Table:     "widgets",
		TargetOID: 16400,
		PKeyOID:   16401,
		Fragments: job.FragmentBundle{
			CreatePKType:  "CREATE TYPE repack.pk_16400 AS (id int)",
			CreateLog:     "CREATE TABLE repack.log_16400 (...)",
			CreateTrigger: "CREATE FUNCTION repack.trigger_16400() ...",
			EnableTrigger: "ALTER TABLE public.widgets ENABLE ALWAYS TRIGGER z_repack_trigger",
			CreateTable:   "CREATE TABLE repack.table_16400 AS SELECT * FROM public.widgets",
			DeleteLog:     "DELETE FROM repack.log_16400",
			LockTable:     "LOCK TABLE public.widgets IN ACCESS EXCLUSIVE MODE",
		},
	}
}

func TestBuild_HappyPath(t *testing.T) {
	q := &fakeQuerier{
		rowsByHint: map[string]*fakeRows{
			"conflicted_triggers": {},
			"pg_index":            {},
			"virtualxid":          {},
		},
		rowByHint: map[string]fakeRow{
			"maintenance_work_mem": {values: []any{"64MB"}},
		},
	}
	primary := session.WrapQuerier(q, nil)
	secondary := &fakeQuerier{rowsByHint: map[string]*fakeRows{}}

	armed := false
	res, err := Build(context.Background(), primary, secondary, testJob(), job.Options{}, 0, 170000, func() { armed = true }, nil)
	require.NoError(t, err)
	assert.True(t, armed, "cleanup guard must be armed once the log/trigger setup commits")
	assert.Empty(t, res.Snapshot)
	assert.Contains(t, q.execCalls, testJob().Fragments.CreateTable)
	assert.Contains(t, q.execCalls, `SELECT repack.disable_autovacuum('repack.log_16400')`)
	assert.Contains(t, q.execCalls, `SELECT repack.disable_autovacuum('repack.table_16400')`)
}

func TestBuild_ConflictedTriggerAborts(t *testing.T) {
	q := &fakeQuerier{
		rowsByHint: map[string]*fakeRows{
			"conflicted_triggers": {data: [][]any{{"z_repack_trigger"}}},
		},
	}
	primary := session.WrapQuerier(q, nil)
	secondary := &fakeQuerier{}

	_, err := Build(context.Background(), primary, secondary, testJob(), job.Options{}, 0, 170000, nil, nil)
	require.Error(t, err)
	var confErr *ConflictedTriggerError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "z_repack_trigger", confErr.Trigger)
}

func TestRebuildIndexes_SkipsInvalidExecutesValid(t *testing.T) {
	q := &fakeQuerier{
		rowsByHint: map[string]*fakeRows{
			"pg_index": {data: [][]any{
				{uint32(1), true, "CREATE INDEX widgets_pkey ..."},
				{uint32(2), false, "CREATE INDEX widgets_stale ..."},
			}},
		},
		rowByHint: map[string]fakeRow{
			"repack_indexdef": {values: []any{"CREATE UNIQUE INDEX CONCURRENTLY ... ON repack.table_16400 ..."}},
		},
	}

	specs, err := RebuildIndexes(context.Background(), q, testJob(), nil)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.True(t, specs[0].Valid)
	assert.NotEmpty(t, specs[0].RebuildSQL)
	assert.False(t, specs[1].Valid)
	assert.Empty(t, specs[1].RebuildSQL)
	assert.Contains(t, q.execCalls, "CREATE UNIQUE INDEX CONCURRENTLY ... ON repack.table_16400 ...")
}
