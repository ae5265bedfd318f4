package store

import (
	"context"
	"errors"
	"time"

	"TronPayWatch/internal/models"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrTxClaimed is returned by UpdateStatus when the transaction hash
	// already settled another order.
	ErrTxClaimed = errors.New("transaction already settled another order")
)

// Store is the durable order table. Every write is committed before the call
// returns.
type Store interface {
	Insert(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
	// UpdateStatus applies the transition only while the stored status equals
	// guard and reports whether it took effect.
	UpdateStatus(ctx context.Context, orderID string, to, guard models.OrderStatus, tr models.Transition) (bool, error)
	ListByUser(ctx context.Context, userID string, status models.OrderStatus, limit int) ([]*models.Order, error)
	ListByStatus(ctx context.Context, status models.OrderStatus) ([]*models.Order, error)
	List(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error)
	RequestRefund(ctx context.Context, orderID, address, notes string) (bool, error)
	ConfirmRefund(ctx context.Context, orderID, txHash string) (bool, error)
	ListPendingRefunds(ctx context.Context) ([]*models.Order, error)
	Statistics(ctx context.Context, userID string) (models.Statistics, error)
	// DeleteTerminalBefore removes timeout and cancelled orders created before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// refundable reports whether a refund request may be recorded for order.
func refundable(order *models.Order) bool {
	if order.Status != models.OrderPaid {
		return false
	}
	return order.RefundStatus == "" || order.RefundStatus == models.RefundNone
}

// applyTransition copies the non-nil transition fields onto order.
func applyTransition(order *models.Order, to models.OrderStatus, tr models.Transition, now time.Time) {
	order.Status = to
	if tr.PaidAt != nil {
		order.PaidAt = tr.PaidAt
	}
	if tr.TxHash != nil {
		order.TxHash = tr.TxHash
	}
	if tr.CancelledAt != nil {
		order.CancelledAt = tr.CancelledAt
	}
	if tr.Notes != nil {
		order.Notes = appendNote(order.Notes, *tr.Notes)
	}
	order.UpdatedAt = now
}

// noteSeparator joins notes. It starts with a space so a leading plan tag
// stays parseable.
const noteSeparator = " | "

// appendNote adds note after the existing notes; notes are never replaced.
func appendNote(existing, note string) string {
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	}
	return existing + noteSeparator + note
}
