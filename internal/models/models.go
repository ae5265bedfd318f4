package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderTimeout   OrderStatus = "timeout"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderTimeout, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

// Terminal reports whether no watcher transition can leave s.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

type Order struct {
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	TimeoutAt     time.Time       `json:"timeout_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	Memo          string          `json:"memo"`
	TxHash        *string         `json:"tx_hash,omitempty"`
	RefundAddress *string         `json:"refund_address,omitempty"`
	RefundStatus  RefundStatus    `json:"refund_status"`
	RefundTxHash  *string         `json:"refund_tx_hash,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transition carries the fields written together with a guarded status change.
// Nil fields are left untouched.
type Transition struct {
	PaidAt      *time.Time
	TxHash      *string
	CancelledAt *time.Time
	// Notes is appended to the order's existing notes.
	Notes *string
}

// OrderFilter narrows admin listings. Zero values mean "no constraint".
type OrderFilter struct {
	Status OrderStatus
	From   time.Time
	To     time.Time
	Limit  int
}

type Statistics struct {
	TotalOrders     int64           `json:"total_orders"`
	PaidOrders      int64           `json:"paid_orders"`
	TotalPaidAmount decimal.Decimal `json:"total_paid_amount"`
	PendingOrders   int64           `json:"pending_orders"`
	TimeoutOrders   int64           `json:"timeout_orders"`
	CancelledOrders int64           `json:"cancelled_orders"`
	RefundedOrders  int64           `json:"refunded_orders"`
	TotalUsers      int64           `json:"total_users,omitempty"`
}

// Transfer is a token movement to the watched address as seen by the explorer.
type Transfer struct {
	TxHash    string
	From      string
	To        string
	Amount    decimal.Decimal
	Timestamp time.Time
	Confirmed bool
}
