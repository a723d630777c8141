package drain

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/vxid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		if ptr, ok := d.(*int); ok {
			*ptr = r.values[i].(int)
		}
	}
	return nil
}

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
		case *int32:
			*ptr = row[i].(int32)
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

// fakeQuerier scripts a sequence of ApplyLog results followed by a
// sequence of alive-poll results.
type fakeQuerier struct {
	applyResults []int
	applyIdx     int
	aliveResults []*fakeRows
	aliveIdx     int
}

func (f *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	r := f.aliveResults[f.aliveIdx]
	f.aliveIdx++
	return r, nil
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	n := f.applyResults[f.applyIdx]
	f.applyIdx++
	return fakeRow{values: []any{n}}
}

func testJob() *job.TableJob {
	return &job.TableJob{
		TargetOID: 42,
		Fragments: job.FragmentBundle{
			SQLPeek: "peek", SQLInsert: "ins", SQLDelete: "del", SQLUpdate: "upd", SQLPop: "pop",
		},
	}
}

func TestRun_ConvergesWhenLogEmptyAndNoAliveTxns(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	q := &fakeQuerier{
		applyResults: []int{5, 0},
		aliveResults: []*fakeRows{{}},
	}
	err := Run(context.Background(), q, testJob(), vxid.Set{"1/1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, q.applyIdx)
	assert.Equal(t, 1, q.aliveIdx)
}

func TestRun_WaitsOutAliveTransactions(t *testing.T) {
	slept := 0
	orig := sleep
	sleep = func(time.Duration) { slept++ }
	defer func() { sleep = orig }()

	q := &fakeQuerier{
		applyResults: []int{0, 0, 0},
		aliveResults: []*fakeRows{
			{data: [][]any{{"1/3", "3/7", int32(111)}}},
			{data: [][]any{{"1/3", "3/7", int32(111)}}},
			{},
		},
	}
	err := Run(context.Background(), q, testJob(), vxid.Set{"3/7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, q.applyIdx)
	assert.Equal(t, 3, q.aliveIdx)
	assert.Equal(t, 2, slept, "sleeps once per poll that still finds an alive transaction")
}

func TestRun_ContinuesImmediatelyWhileLogHasRows(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) { t.Fatal("must not sleep while processed > 0") }
	defer func() { sleep = orig }()

	q := &fakeQuerier{
		applyResults: []int{1000, 1000, 0},
		aliveResults: []*fakeRows{{}},
	}
	err := Run(context.Background(), q, testJob(), vxid.Set{"1/1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, q.applyIdx)
}
