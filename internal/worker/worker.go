package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"
	"TronPayWatch/internal/store"

	"github.com/shopspring/decimal"
)

// Settings is shared by every watcher of a process.
type Settings struct {
	Store            store.Store
	Chain            chain.Querier
	Address          string
	Contract         string
	PollInterval     time.Duration
	DefaultTimeout   time.Duration
	TransferLimit    int
	MinConfirmations int
	Now              func() time.Time
	// OnSettled runs in the watcher goroutine after the watcher itself moved
	// the order out of pending. It is called at most once per order.
	OnSettled func(order *models.Order)
}

func (s *Settings) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// View mirrors the fields of an order the poll loop needs, so ticks don't
// read the store.
type View struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	Amount    decimal.Decimal    `json:"amount"`
	Status    models.OrderStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	TimeoutAt time.Time          `json:"timeout_at"`
	Memo      string             `json:"memo"`
}

// Watcher polls the explorer for a single pending order until it is paid,
// times out, or is told to stop.
type Watcher struct {
	settings *Settings

	mu   sync.RWMutex
	view View

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatcher(order *models.Order, settings *Settings) *Watcher {
	return &Watcher{
		settings: settings,
		view: View{
			OrderID:   order.OrderID,
			UserID:    order.UserID,
			Amount:    order.Amount,
			Status:    order.Status,
			CreatedAt: order.CreatedAt,
			TimeoutAt: order.TimeoutAt,
			Memo:      order.Memo,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (w *Watcher) View() View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.view
}

// Stop asks the loop to exit before its next tick. An in-flight explorer
// call is not interrupted.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	interval := w.settings.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if w.tick(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

// tick runs one poll and reports whether the loop is finished.
func (w *Watcher) tick(ctx context.Context) bool {
	view := w.View()
	now := w.settings.now()

	if now.After(view.TimeoutAt) {
		return w.transition(ctx, models.OrderTimeout)
	}

	transfers, err := w.settings.Chain.RecentTransfers(ctx, w.settings.Address, w.settings.Contract, w.settings.TransferLimit)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrMalformedResponse):
			log.Printf("order %s poll: bad explorer payload: %v", view.OrderID, err)
		case ctx.Err() != nil:
		default:
			log.Printf("order %s poll failed: %v", view.OrderID, err)
		}
		return false
	}

	window := payments.MatchWindow(view.CreatedAt, view.TimeoutAt, w.settings.DefaultTimeout, now)
	for _, t := range payments.Candidates(transfers, view.Amount, window) {
		if !t.Confirmed && w.settings.MinConfirmations > 1 {
			log.Printf("order %s tx=%s unconfirmed, min_confirmations=%d not enforced", view.OrderID, t.TxHash, w.settings.MinConfirmations)
		}
		paidAt := now
		hash := t.TxHash
		tr := models.Transition{PaidAt: &paidAt, TxHash: &hash}
		done, claimed := w.transitionPaid(ctx, tr, t.Amount)
		if claimed {
			continue
		}
		return done
	}
	return false
}

func (w *Watcher) transitionPaid(ctx context.Context, tr models.Transition, received decimal.Decimal) (done, claimed bool) {
	id := w.View().OrderID
	ok, err := w.settings.Store.UpdateStatus(ctx, id, models.OrderPaid, models.OrderPending, tr)
	if errors.Is(err, store.ErrTxClaimed) {
		log.Printf("order %s skip tx=%s: already settled another order", id, *tr.TxHash)
		return false, true
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("order %s vanished from store, watcher stops", id)
		return true, false
	}
	if err != nil {
		log.Printf("order %s mark paid failed: %v", id, err)
		return false, false
	}
	if !ok {
		log.Printf("order %s no longer pending, watcher stops", id)
		return true, false
	}
	log.Printf("order %s -> %s tx=%s amount=%s", id, models.OrderPaid, *tr.TxHash, received)
	w.settled(ctx, models.OrderPaid)
	return true, false
}

func (w *Watcher) transition(ctx context.Context, to models.OrderStatus) bool {
	id := w.View().OrderID
	ok, err := w.settings.Store.UpdateStatus(ctx, id, to, models.OrderPending, models.Transition{})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("order %s vanished from store, watcher stops", id)
			return true
		}
		log.Printf("order %s mark %s failed: %v", id, to, err)
		return false
	}
	if !ok {
		log.Printf("order %s no longer pending, watcher stops", id)
		return true
	}
	log.Printf("order %s -> %s", id, to)
	w.settled(ctx, to)
	return true
}

// settled updates the view and hands a fresh snapshot to OnSettled. The store
// write has already committed.
func (w *Watcher) settled(ctx context.Context, to models.OrderStatus) {
	w.mu.Lock()
	w.view.Status = to
	view := w.view
	w.mu.Unlock()

	if w.settings.OnSettled == nil {
		return
	}
	order, err := w.settings.Store.Get(ctx, view.OrderID)
	if err != nil {
		log.Printf("order %s reload after %s failed: %v", view.OrderID, to, err)
		order = &models.Order{
			OrderID:   view.OrderID,
			UserID:    view.UserID,
			Amount:    view.Amount,
			Status:    to,
			CreatedAt: view.CreatedAt,
			TimeoutAt: view.TimeoutAt,
			Memo:      view.Memo,
		}
	}
	w.settings.OnSettled(order)
}
