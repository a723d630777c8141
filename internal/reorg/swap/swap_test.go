package swap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct{ n int }

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*int) = r.n
	return nil
}

type fakeQuerier struct {
	calls []string
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, sql)
	return pgconn.CommandTag{}, nil
}
func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.calls = append(f.calls, sql)
	return fakeRow{n: 0}
}

func testJob() *job.TableJob {
	return &job.TableJob{
		TargetOID: 99,
		Fragments: job.FragmentBundle{
			LockTable: "LOCK TABLE t IN ACCESS EXCLUSIVE MODE",
			SQLPeek:   "peek", SQLInsert: "ins", SQLDelete: "del", SQLUpdate: "upd", SQLPop: "pop",
		},
		Schema: "public", Table: "widgets",
	}
}

func TestFinish_SwapsThenDropsInSeparateTransactions(t *testing.T) {
	q := &fakeQuerier{}
	primary := session.WrapQuerier(q, nil)
	secondary := &fakeQuerier{}

	err := Finish(context.Background(), primary, secondary, testJob(), time.Minute, 170000)
	require.NoError(t, err)

	assertOrder(t, q.calls, "repack.repack_swap", "COMMIT", "BEGIN", "repack.repack_drop", "COMMIT")
}

func TestAnalyze_RunsInOwnTransaction(t *testing.T) {
	q := &fakeQuerier{}
	primary := session.WrapQuerier(q, nil)

	err := Analyze(context.Background(), primary, testJob())
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", `ANALYZE "public"."widgets"`, "COMMIT"}, q.calls)
}

// assertOrder checks that each of wants appears in calls, in that
// relative order (other calls may interleave).
func assertOrder(t *testing.T, calls []string, wants ...string) {
	t.Helper()
	i := 0
	for _, c := range calls {
		if i < len(wants) && strings.Contains(c, wants[i]) {
			i++
		}
	}
	assert.Equal(t, len(wants), i, "expected calls in order %v, got %v", wants, calls)
}
