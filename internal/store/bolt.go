package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"TronPayWatch/internal/models"
)

var (
	ordersBucket   = []byte("orders")
	txClaimsBucket = []byte("tx_claims")
)

// Bolt keeps orders in a single BoltDB file. Bolt allows one writer at a
// time, which serialises every guarded update; readers see the last
// committed state without blocking on writers.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ordersBucket, txClaimsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Insert(ctx context.Context, order *models.Order) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		if b.Get([]byte(order.OrderID)) != nil {
			return ErrDuplicateOrder
		}
		if order.RefundStatus == "" {
			order.RefundStatus = models.RefundNone
		}
		if order.UpdatedAt.IsZero() {
			order.UpdatedAt = order.CreatedAt
		}
		return putOrder(b, order)
	})
}

func (s *Bolt) Get(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		order, err = getOrder(tx.Bucket(ordersBucket), orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Bolt) UpdateStatus(ctx context.Context, orderID string, to, guard models.OrderStatus, tr models.Transition) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		order, err := getOrder(b, orderID)
		if err != nil {
			return err
		}
		if order.Status != guard {
			return nil
		}
		if tr.TxHash != nil {
			claims := tx.Bucket(txClaimsBucket)
			if owner := claims.Get([]byte(*tr.TxHash)); owner != nil && string(owner) != orderID {
				return ErrTxClaimed
			}
			if err := claims.Put([]byte(*tr.TxHash), []byte(orderID)); err != nil {
				return err
			}
		}
		applyTransition(order, to, tr, s.now())
		updated = true
		return putOrder(b, order)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Bolt) ListByUser(ctx context.Context, userID string, status models.OrderStatus, limit int) ([]*models.Order, error) {
	return s.scan(limit, func(o *models.Order) bool {
		return o.UserID == userID && (status == "" || o.Status == status)
	})
}

func (s *Bolt) ListByStatus(ctx context.Context, status models.OrderStatus) ([]*models.Order, error) {
	return s.scan(0, func(o *models.Order) bool {
		return o.Status == status
	})
}

func (s *Bolt) List(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	return s.scan(filter.Limit, func(o *models.Order) bool {
		if filter.Status != "" && o.Status != filter.Status {
			return false
		}
		if !filter.From.IsZero() && o.CreatedAt.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && o.CreatedAt.After(filter.To) {
			return false
		}
		return true
	})
}

func (s *Bolt) RequestRefund(ctx context.Context, orderID, address, notes string) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		order, err := getOrder(b, orderID)
		if err != nil {
			return err
		}
		if !refundable(order) {
			return nil
		}
		order.RefundAddress = &address
		order.RefundStatus = models.RefundPending
		order.Notes = appendNote(order.Notes, notes)
		order.UpdatedAt = s.now()
		updated = true
		return putOrder(b, order)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Bolt) ConfirmRefund(ctx context.Context, orderID, txHash string) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		order, err := getOrder(b, orderID)
		if err != nil {
			return err
		}
		if order.RefundStatus != models.RefundPending {
			return nil
		}
		order.Status = models.OrderRefunded
		order.RefundStatus = models.RefundCompleted
		order.RefundTxHash = &txHash
		order.UpdatedAt = s.now()
		updated = true
		return putOrder(b, order)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Bolt) ListPendingRefunds(ctx context.Context) ([]*models.Order, error) {
	return s.scan(0, func(o *models.Order) bool {
		return o.RefundStatus == models.RefundPending
	})
}

func (s *Bolt) Statistics(ctx context.Context, userID string) (models.Statistics, error) {
	orders, err := s.scan(0, func(o *models.Order) bool {
		return userID == "" || o.UserID == userID
	})
	if err != nil {
		return models.Statistics{}, err
	}
	stats := models.Statistics{TotalPaidAmount: decimal.Zero}
	users := map[string]struct{}{}
	for _, o := range orders {
		stats.TotalOrders++
		users[o.UserID] = struct{}{}
		switch o.Status {
		case models.OrderPaid:
			stats.PaidOrders++
			stats.TotalPaidAmount = stats.TotalPaidAmount.Add(o.Amount)
		case models.OrderPending:
			stats.PendingOrders++
		case models.OrderTimeout:
			stats.TimeoutOrders++
		case models.OrderCancelled:
			stats.CancelledOrders++
		case models.OrderRefunded:
			stats.RefundedOrders++
		}
	}
	if userID == "" {
		stats.TotalUsers = int64(len(users))
	}
	return stats, nil
}

func (s *Bolt) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ordersBucket)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var o models.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.CreatedAt.Before(cutoff) && (o.Status == models.OrderTimeout || o.Status == models.OrderCancelled) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// scan returns matching orders, newest first, at most limit when limit > 0.
func (s *Bolt) scan(limit int, keep func(*models.Order) bool) ([]*models.Order, error) {
	var out []*models.Order
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(k, v []byte) error {
			var o models.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if keep(&o) {
				out = append(out, &o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func getOrder(b *bolt.Bucket, orderID string) (*models.Order, error) {
	v := b.Get([]byte(orderID))
	if v == nil {
		return nil, ErrNotFound
	}
	var o models.Order
	if err := json.Unmarshal(v, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func putOrder(b *bolt.Bucket, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return b.Put([]byte(order.OrderID), data)
}
