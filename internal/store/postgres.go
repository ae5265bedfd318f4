package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `order_id, user_id, amount_micro, status, created_at, timeout_at,
	paid_at, cancelled_at, memo, tx_hash, refund_address, refund_status,
	refund_tx_hash, notes, updated_at`

// Postgres is the OrderStore backed by the orders table from migrations/.
// Guarded updates rely on row locks taken by UPDATE ... WHERE status=guard.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Postgres) Insert(ctx context.Context, order *models.Order) error {
	micro, err := payments.ToMicro(order.Amount)
	if err != nil {
		return err
	}
	if order.RefundStatus == "" {
		order.RefundStatus = models.RefundNone
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, user_id, amount_micro, status, created_at, timeout_at,
			memo, refund_status, notes, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$5)
	`,
		order.OrderID,
		order.UserID,
		micro,
		order.Status,
		order.CreatedAt,
		order.TimeoutAt,
		order.Memo,
		order.RefundStatus,
		order.Notes,
	)
	if isUniqueViolation(err, "orders_pkey") {
		return ErrDuplicateOrder
	}
	return err
}

func (s *Postgres) Get(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

func (s *Postgres) UpdateStatus(ctx context.Context, orderID string, to, guard models.OrderStatus, tr models.Transition) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2,
			paid_at=COALESCE($4, paid_at),
			tx_hash=COALESCE($5, tx_hash),
			cancelled_at=COALESCE($6, cancelled_at),
			notes=CASE
				WHEN COALESCE($7::text, '') = '' THEN notes
				WHEN notes = '' THEN $7::text
				ELSE notes || ' | ' || $7::text
			END,
			updated_at=now()
		WHERE order_id=$1 AND status=$3
	`, orderID, to, guard, tr.PaidAt, tr.TxHash, tr.CancelledAt, tr.Notes)
	if err != nil {
		if isUniqueViolation(err, "orders_tx_hash_key") {
			return false, ErrTxClaimed
		}
		return false, err
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, orderID)
}

func (s *Postgres) ListByUser(ctx context.Context, userID string, status models.OrderStatus, limit int) ([]*models.Order, error) {
	if status != "" {
		return s.query(ctx, `SELECT `+orderColumns+` FROM orders
			WHERE user_id=$1 AND status=$2 ORDER BY created_at DESC LIMIT $3`,
			userID, status, limitArg(limit))
	}
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limitArg(limit))
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.OrderStatus) ([]*models.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status=$1 ORDER BY created_at DESC`, status)
}

func (s *Postgres) List(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, "created_at <= $"+strconv.Itoa(len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitArg(filter.Limit))
	q += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))
	return s.query(ctx, q, args...)
}

func (s *Postgres) RequestRefund(ctx context.Context, orderID, address, notes string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET refund_address=$2, refund_status='pending', updated_at=now(),
			notes=CASE
				WHEN $3::text = '' THEN notes
				WHEN notes = '' THEN $3::text
				ELSE notes || ' | ' || $3::text
			END
		WHERE order_id=$1 AND status='paid' AND refund_status='none'
	`, orderID, address, notes)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, orderID)
}

func (s *Postgres) ConfirmRefund(ctx context.Context, orderID, txHash string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status='refunded', refund_status='completed', refund_tx_hash=$2, updated_at=now()
		WHERE order_id=$1 AND refund_status='pending'
	`, orderID, txHash)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.mustExist(ctx, orderID)
}

func (s *Postgres) ListPendingRefunds(ctx context.Context) ([]*models.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE refund_status='pending' ORDER BY created_at DESC`)
}

func (s *Postgres) Statistics(ctx context.Context, userID string) (models.Statistics, error) {
	q := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status='paid'),
			COALESCE(SUM(amount_micro) FILTER (WHERE status='paid'), 0),
			COUNT(*) FILTER (WHERE status='pending'),
			COUNT(*) FILTER (WHERE status='timeout'),
			COUNT(*) FILTER (WHERE status='cancelled'),
			COUNT(*) FILTER (WHERE status='refunded'),
			COUNT(DISTINCT user_id)
		FROM orders`
	var args []any
	if userID != "" {
		q += ` WHERE user_id=$1`
		args = append(args, userID)
	}

	var stats models.Statistics
	var paidMicro, users int64
	err := s.Pool.QueryRow(ctx, q, args...).Scan(
		&stats.TotalOrders,
		&stats.PaidOrders,
		&paidMicro,
		&stats.PendingOrders,
		&stats.TimeoutOrders,
		&stats.CancelledOrders,
		&stats.RefundedOrders,
		&users,
	)
	if err != nil {
		return models.Statistics{}, err
	}
	stats.TotalPaidAmount = payments.FromMicro(paidMicro)
	if userID == "" {
		stats.TotalUsers = users
	}
	return stats, nil
}

func (s *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		DELETE FROM orders
		WHERE created_at < $1 AND status IN ('timeout','cancelled')
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Postgres) mustExist(ctx context.Context, orderID string) error {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id=$1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) query(ctx context.Context, q string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var micro int64
	var paidAt, cancelledAt sql.NullTime
	var txHash, refundAddress, refundTxHash sql.NullString

	err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&micro,
		&order.Status,
		&order.CreatedAt,
		&order.TimeoutAt,
		&paidAt,
		&cancelledAt,
		&order.Memo,
		&txHash,
		&refundAddress,
		&order.RefundStatus,
		&refundTxHash,
		&order.Notes,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Amount = payments.FromMicro(micro)
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = &cancelledAt.Time
	}
	if txHash.Valid {
		order.TxHash = &txHash.String
	}
	if refundAddress.Valid {
		order.RefundAddress = &refundAddress.String
	}
	if refundTxHash.Valid {
		order.RefundTxHash = &refundTxHash.String
	}
	return &order, nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
