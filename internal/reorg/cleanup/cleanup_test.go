package cleanup

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgreorg/pgreorg/internal/reorg/job"
	"github.com/pgreorg/pgreorg/internal/reorg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	calls []string
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, sql)
	return pgconn.CommandTag{}, nil
}
func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

func TestRun_NoopWhenNothingArmed(t *testing.T) {
	g := New(nil)
	require.NoError(t, g.Run(context.Background(), false))
	assert.False(t, g.Armed())
}

func TestRun_FatalDoesNotTouchDatabase(t *testing.T) {
	q := &fakeQuerier{}
	primary := session.WrapQuerier(q, nil)
	g := New(nil)
	g.Arm(&job.TableJob{TargetOID: 1, Table: "widgets"}, primary)

	require.NoError(t, g.Run(context.Background(), true))
	assert.Empty(t, q.calls, "fatal cleanup must not issue any query")
	assert.True(t, g.Armed(), "a fatal run leaves the guard armed for the next run's drop to find")
}

func TestRun_RollsBackAndDropsThenDisarms(t *testing.T) {
	q := &fakeQuerier{}
	primary := session.WrapQuerier(q, nil)
	require.NoError(t, primary.Begin(context.Background(), "SERIALIZABLE"))

	g := New(nil)
	g.Arm(&job.TableJob{TargetOID: 7, Table: "widgets"}, primary)

	require.NoError(t, g.Run(context.Background(), false))
	assert.Contains(t, q.calls, "ROLLBACK")
	assert.Contains(t, q.calls, "SELECT repack.repack_drop($1)")
	assert.False(t, g.Armed())
}

func TestRun_IdempotentOnSecondCall(t *testing.T) {
	q := &fakeQuerier{}
	primary := session.WrapQuerier(q, nil)
	g := New(nil)
	g.Arm(&job.TableJob{TargetOID: 9, Table: "widgets"}, primary)

	require.NoError(t, g.Run(context.Background(), false))
	callsAfterFirst := len(q.calls)
	require.NoError(t, g.Run(context.Background(), false))
	assert.Equal(t, callsAfterFirst, len(q.calls), "second run is a no-op once disarmed")
}
