package store

import (
	"context"
	"os"
	"testing"
	"time"

	"TronPayWatch/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to TEST_DB_DSN and recreates the orders table.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_orders.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS orders`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return NewPostgres(pool)
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10.000001", now)))
	assert.ErrorIs(t, s.Insert(ctx, newOrder("o1", "u1", "1", now)), ErrDuplicateOrder)

	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("10.000001")))
	assert.Equal(t, models.OrderPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(now))

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresGuardedUpdateAndClaims(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10", now)))
	require.NoError(t, s.Insert(ctx, newOrder("o2", "u2", "10", now)))

	ok, err := s.UpdateStatus(ctx, "o1", models.OrderPaid, models.OrderPending, models.Transition{PaidAt: &now, TxHash: ptr("tx1")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateStatus(ctx, "o1", models.OrderCancelled, models.OrderPending, models.Transition{CancelledAt: &now})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateStatus(ctx, "o2", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx1")})
	assert.ErrorIs(t, err, ErrTxClaimed)

	_, err = s.UpdateStatus(ctx, "ghost", models.OrderPaid, models.OrderPending, models.Transition{})
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := s.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalOrders)
	assert.Equal(t, int64(1), stats.PaidOrders)
	assert.True(t, stats.TotalPaidAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(2), stats.TotalUsers)
}

func TestPostgresRefundAndCleanup(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	require.NoError(t, s.Insert(ctx, newOrder("paid", "u1", "5", old)))
	require.NoError(t, s.Insert(ctx, newOrder("stale", "u1", "5", old)))
	_, err := s.UpdateStatus(ctx, "paid", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx")})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "stale", models.OrderTimeout, models.OrderPending, models.Transition{})
	require.NoError(t, err)

	ok, err := s.RequestRefund(ctx, "paid", "Taddr", "n")
	require.NoError(t, err)
	assert.True(t, ok)
	refunds, err := s.ListPendingRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"paid"}, ids(refunds))
	ok, err = s.ConfirmRefund(ctx, "paid", "rtx")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := s.List(ctx, models.OrderFilter{Status: models.OrderRefunded, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"paid"}, ids(list))
}

func TestPostgresNotesAppended(t *testing.T) {
	checkNotesAppended(t, newTestPostgres(t))
}
