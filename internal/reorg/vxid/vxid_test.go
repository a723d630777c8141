package vxid

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type fakeQuerier struct {
	rows *fakeRows
}

func (f *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) { return f.rows, nil }
func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

func TestCapture_ExcludesSentinel(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{"2/9", "4/12"}, {sentinelVirtualXID, sentinelVirtualTransaction}, {"1/3", "3/7"},
	}}}
	set, err := Capture(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, Set{"3/7", "4/12"}, set)
}

// TestCapture_KeepsNonSentinelSameVirtualXID asserts that a legitimate
// backend whose virtualxid happens to be "1/1" (the sentinel's virtualxid)
// is not excluded unless its virtualtransaction also matches "-1/0" — the
// exclusion is on the tuple, not either field alone.
func TestCapture_KeepsNonSentinelSameVirtualXID(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{sentinelVirtualXID, "1/1"},
	}}}
	set, err := Capture(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, Set{"1/1"}, set)
}

func TestPoll_EmptySnapshotSkipsQuery(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{{"1/3", "3/7", int32(555)}}}}
	alive, err := Poll(context.Background(), q, nil)
	require.NoError(t, err)
	assert.Empty(t, alive.VXIDs)
	assert.Zero(t, alive.FirstPID)
}

func TestPoll_ReportsFirstPID(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{"2/9", "4/12", int32(222)}, {"1/3", "3/7", int32(111)},
	}}}
	alive, err := Poll(context.Background(), q, Set{"3/7", "4/12"})
	require.NoError(t, err)
	assert.Equal(t, Set{"3/7", "4/12"}, alive.VXIDs)
	assert.Equal(t, int32(222), alive.FirstPID)
}

func TestPoll_AllEndedReturnsEmpty(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: nil}}
	alive, err := Poll(context.Background(), q, Set{"3/7"})
	require.NoError(t, err)
	assert.Empty(t, alive.VXIDs)
}
