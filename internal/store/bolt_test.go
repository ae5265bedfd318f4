package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"TronPayWatch/internal/models"
	"TronPayWatch/internal/pricing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Bolt {
	t.Helper()
	s, err := NewBolt(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newOrder(id, user string, amount string, created time.Time) *models.Order {
	return &models.Order{
		OrderID:   id,
		UserID:    user,
		Amount:    decimal.RequireFromString(amount),
		Status:    models.OrderPending,
		CreatedAt: created,
		TimeoutAt: created.Add(30 * time.Minute),
		Memo:      id,
	}
}

func ptr[T any](v T) *T { return &v }

func TestBoltInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10.5", now)))
	assert.ErrorIs(t, s.Insert(ctx, newOrder("o1", "u2", "1", now)), ErrDuplicateOrder)

	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, models.RefundNone, got.RefundStatus)
	assert.Nil(t, got.PaidAt)
	assert.Nil(t, got.TxHash)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltUpdateStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10", now)))

	paidAt := now.Add(time.Minute)
	ok, err := s.UpdateStatus(ctx, "o1", models.OrderPaid, models.OrderPending, models.Transition{
		PaidAt: &paidAt,
		TxHash: ptr("tx1"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	cancelledAt := now.Add(2 * time.Minute)
	ok, err = s.UpdateStatus(ctx, "o1", models.OrderCancelled, models.OrderPending, models.Transition{
		CancelledAt: &cancelledAt,
	})
	require.NoError(t, err)
	assert.False(t, ok, "guard no longer holds")

	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, "tx1", *got.TxHash)
	assert.True(t, got.PaidAt.Equal(paidAt))
	assert.Nil(t, got.CancelledAt)

	_, err = s.UpdateStatus(ctx, "missing", models.OrderPaid, models.OrderPending, models.Transition{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltTxHashSettlesOneOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10", now)))
	require.NoError(t, s.Insert(ctx, newOrder("o2", "u2", "10", now)))

	ok, err := s.UpdateStatus(ctx, "o1", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx1")})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpdateStatus(ctx, "o2", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx1")})
	assert.ErrorIs(t, err, ErrTxClaimed)
	assert.False(t, ok)

	got, err := s.Get(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestBoltListOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newOrder("a", "u1", "1", base)))
	require.NoError(t, s.Insert(ctx, newOrder("b", "u1", "2", base.Add(time.Minute))))
	require.NoError(t, s.Insert(ctx, newOrder("c", "u1", "3", base.Add(2*time.Minute))))
	require.NoError(t, s.Insert(ctx, newOrder("d", "u2", "4", base.Add(3*time.Minute))))
	_, err := s.UpdateStatus(ctx, "b", models.OrderTimeout, models.OrderPending, models.Transition{})
	require.NoError(t, err)

	got, err := s.ListByUser(ctx, "u1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(got))

	got, err = s.ListByUser(ctx, "u1", models.OrderPending, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))

	got, err = s.ListByStatus(ctx, models.OrderPending)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "a"}, ids(got))

	got, err = s.List(ctx, models.OrderFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(got))
}

func TestBoltRefundFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10", now)))

	ok, err := s.RequestRefund(ctx, "o1", "Taddr", "wrong plan")
	require.NoError(t, err)
	assert.False(t, ok, "pending orders cannot be refunded")

	_, err = s.UpdateStatus(ctx, "o1", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx1")})
	require.NoError(t, err)

	ok, err = s.RequestRefund(ctx, "o1", "Taddr", "wrong plan")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RequestRefund(ctx, "o1", "Tother", "again")
	require.NoError(t, err)
	assert.False(t, ok, "refund already requested")

	pending, err := s.ListPendingRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids(pending))

	ok, err = s.ConfirmRefund(ctx, "o1", "refund-tx")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConfirmRefund(ctx, "o1", "refund-tx-2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, got.Status)
	assert.Equal(t, models.RefundCompleted, got.RefundStatus)
	assert.Equal(t, "Taddr", *got.RefundAddress)
	assert.Equal(t, "refund-tx", *got.RefundTxHash)
	assert.Equal(t, "wrong plan", got.Notes)
}

// checkNotesAppended runs a plan-tagged order through cancel and refund notes
// and expects every note kept behind the tag.
func checkNotesAppended(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	paid := newOrder("paid", "u1", "10", now)
	paid.Notes = "plan:month"
	require.NoError(t, s.Insert(ctx, paid))
	_, err := s.UpdateStatus(ctx, "paid", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx-n1")})
	require.NoError(t, err)
	ok, err := s.RequestRefund(ctx, "paid", "Taddr", "refund requested: wrong plan")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, "plan:month | refund requested: wrong plan", got.Notes)
	key, ok := pricing.PlanFromNotes(got.Notes)
	assert.True(t, ok)
	assert.Equal(t, "month", key)

	cancelled := newOrder("cancelled", "u1", "25", now)
	cancelled.Notes = "plan:quarter"
	require.NoError(t, s.Insert(ctx, cancelled))
	_, err = s.UpdateStatus(ctx, "cancelled", models.OrderCancelled, models.OrderPending,
		models.Transition{CancelledAt: &now, Notes: ptr("cancelled: user request")})
	require.NoError(t, err)

	got, err = s.Get(ctx, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, "plan:quarter | cancelled: user request", got.Notes)

	untagged := newOrder("untagged", "u1", "5", now)
	require.NoError(t, s.Insert(ctx, untagged))
	_, err = s.UpdateStatus(ctx, "untagged", models.OrderTimeout, models.OrderPending, models.Transition{Notes: ptr("")})
	require.NoError(t, err)
	got, err = s.Get(ctx, "untagged")
	require.NoError(t, err)
	assert.Empty(t, got.Notes)
}

func TestBoltNotesAppended(t *testing.T) {
	checkNotesAppended(t, newTestStore(t))
}

func TestBoltStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "10", now)))
	require.NoError(t, s.Insert(ctx, newOrder("o2", "u1", "2.5", now)))
	require.NoError(t, s.Insert(ctx, newOrder("o3", "u2", "7", now)))
	require.NoError(t, s.Insert(ctx, newOrder("o4", "u3", "1", now)))
	_, err := s.UpdateStatus(ctx, "o1", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("t1")})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "o2", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("t2")})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "o3", models.OrderCancelled, models.OrderPending, models.Transition{})
	require.NoError(t, err)

	all, err := s.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.TotalOrders)
	assert.Equal(t, int64(2), all.PaidOrders)
	assert.True(t, all.TotalPaidAmount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, int64(1), all.PendingOrders)
	assert.Equal(t, int64(1), all.CancelledOrders)
	assert.Equal(t, int64(3), all.TotalUsers)

	u1, err := s.Statistics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u1.TotalOrders)
	assert.Equal(t, int64(0), u1.TotalUsers)
}

func TestBoltDeleteTerminalBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, o := range []*models.Order{
		newOrder("old-timeout", "u", "1", old),
		newOrder("old-cancelled", "u", "1", old),
		newOrder("old-paid", "u", "1", old),
		newOrder("old-pending", "u", "1", old),
		newOrder("new-timeout", "u", "1", recent),
	} {
		require.NoError(t, s.Insert(ctx, o))
	}
	for id, to := range map[string]models.OrderStatus{
		"old-timeout":   models.OrderTimeout,
		"old-cancelled": models.OrderCancelled,
		"new-timeout":   models.OrderTimeout,
	} {
		_, err := s.UpdateStatus(ctx, id, to, models.OrderPending, models.Transition{})
		require.NoError(t, err)
	}
	_, err := s.UpdateStatus(ctx, "old-paid", models.OrderPaid, models.OrderPending, models.Transition{TxHash: ptr("tx")})
	require.NoError(t, err)

	n, err := s.DeleteTerminalBefore(ctx, recent.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.List(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-paid", "old-pending", "new-timeout"}, ids(left))
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.db")
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, newOrder("o1", "u1", "3", now)))
	require.NoError(t, s.Close())

	s, err = NewBolt(path)
	require.NoError(t, err)
	defer s.Close()
	pending, err := s.ListByStatus(ctx, models.OrderPending)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids(pending))
}

func ids(orders []*models.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.OrderID)
	}
	return out
}
