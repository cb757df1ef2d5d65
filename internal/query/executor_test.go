package query

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-stream/internal/config"
	"report-stream/internal/db"
	"report-stream/internal/domain"
	"report-stream/internal/testutil"
)

var discardLogger = testutil.DiscardLogger

func openPool(t *testing.T, driver string) *db.Pool {
	t.Helper()
	return testutil.OpenPool(t, driver, 2)
}

func TestRun_RowCountAndOrder(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	exec := NewExecutor(p, 0, discardLogger())

	seq, err := exec.Run(context.Background(), "generate_report", 50)
	require.NoError(t, err)
	defer seq.Close()

	assert.Equal(t, []string{"id", "big_number", "amount", "ratio", "is_active", "uuid", "created_at", "name", "description", "metadata"}, seq.Columns())

	var want int64 = 1
	for seq.Next() {
		row := seq.Row()
		assert.Equal(t, want, row["id"])
		assert.Equal(t, "Item "+itoa(want), row["name"])
		want++
	}
	require.NoError(t, seq.Err())
	assert.EqualValues(t, 50, seq.Count())
	assert.False(t, seq.Next(), "sequence is single pass")

	assert.Equal(t, db.HandleCompleting, seq.handle.State())
	assert.Equal(t, 0, seq.handle.Cancellations())
	assert.Equal(t, 0, p.InUse(), "connection released on completion")
}

func TestRun_CloseMidStreamCancelsOnce(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	exec := NewExecutor(p, 0, discardLogger())

	seq, err := exec.Run(context.Background(), "generate_report", 100000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, seq.Next())
	}
	seq.Close()
	seq.Close()

	assert.Equal(t, 1, seq.handle.Cancellations())
	assert.Equal(t, db.HandleCancelled, seq.handle.State())
	assert.False(t, seq.Next())
	assert.EqualValues(t, 3, seq.Count())
	assert.Equal(t, 0, p.InUse())
}

func TestRun_RequestCancelled(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	exec := NewExecutor(p, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := exec.Run(ctx, "generate_report", report1M)
	require.NoError(t, err)
	defer seq.Close()

	require.True(t, seq.Next())
	cancel()
	for seq.Next() {
	}

	require.Error(t, seq.Err())
	assert.Equal(t, domain.KindTransport, domain.KindOf(seq.Err()))
	assert.Less(t, seq.Count(), int64(report1M))
	assert.Equal(t, 0, p.InUse())

	seq.Close()
	assert.Equal(t, db.HandleCancelled, seq.handle.State())
	assert.Equal(t, 1, seq.handle.Cancellations(), "client disconnect cancels the query exactly once")
	assert.False(t, seq.Next(), "no rows are pulled after cancellation")
}

func TestRun_CancelledBeforeQuery(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	exec := NewExecutor(p, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Run(ctx, "generate_report", 10)
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
	assert.Equal(t, 0, p.InUse())
}

func TestRun_QueryTimeout(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	exec := NewExecutor(p, 20*time.Millisecond, discardLogger())

	seq, err := exec.Run(context.Background(), "generate_report", report1M)
	if err != nil {
		assert.Equal(t, domain.KindQueryTimeout, domain.KindOf(err))
		return
	}
	defer seq.Close()

	for seq.Next() {
		time.Sleep(time.Millisecond)
	}
	require.Error(t, seq.Err())
	assert.Equal(t, domain.KindQueryTimeout, domain.KindOf(seq.Err()))
}

func TestRun_AcquireFailure(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverSQLite)
	_, err := p.DrainAndClose(time.Second)
	require.NoError(t, err)

	exec := NewExecutor(p, 0, discardLogger())
	_, err = exec.Run(context.Background(), "generate_report", 10)
	require.Error(t, err)
	assert.Equal(t, domain.KindConnectivity, domain.KindOf(err))
	assert.Equal(t, db.CodePoolDraining, domain.CodeOf(err))
}

func TestRun_DuckDB(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverDuckDB)
	exec := NewExecutor(p, 0, discardLogger())

	seq, err := exec.Run(context.Background(), "generate_report", 3)
	require.NoError(t, err)
	defer seq.Close()

	var rows []domain.Row
	for seq.Next() {
		rows = append(rows, seq.Row())
	}
	require.NoError(t, seq.Err())
	require.Len(t, rows, 3)

	assert.EqualValues(t, 2, rows[1]["id"])
	assert.Equal(t, true, rows[1]["is_active"])
	assert.IsType(t, time.Time{}, rows[1]["created_at"])
	assert.Equal(t, "Item 2", rows[1]["name"])
}

func TestRun_UnknownProcedure(t *testing.T) {
	t.Parallel()
	p := openPool(t, config.DriverDuckDB)
	exec := NewExecutor(p, 0, discardLogger())

	_, err := exec.Run(context.Background(), "no_such_report", 3)
	require.Error(t, err)
	assert.Equal(t, domain.KindQuerySyntax, domain.KindOf(err))
	assert.Equal(t, 0, p.InUse())
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", normalize([]byte("abc"), false))
	assert.InDelta(t, 12.5, normalize([]byte("12.50"), true), 0)
	assert.InDelta(t, 1.25, normalize("1.25", true), 0)
	assert.Equal(t, "n/a", normalize("n/a", true))
	assert.Equal(t, int64(7), normalize(int64(7), true))
	assert.Nil(t, normalize(nil, false))
}

const report1M = 1000000

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
