package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"
	"TronPayWatch/internal/store"
	"TronPayWatch/internal/worker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingUserID  = errors.New("missing user id")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidAddress = errors.New("invalid TRON address")
	ErrInvalidTimeout = errors.New("invalid timeout")
	ErrTooManyPending = errors.New("too many pending orders")
	ErrOrderTooSoon   = errors.New("order created too recently")
	ErrNoUniqueAmount = errors.New("no free payable amount near the requested one")
	ErrNotRefundable  = errors.New("order is not refundable")
	ErrMissingTxHash  = errors.New("missing transaction hash")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrServiceClosed  = errors.New("payment service is closed")
)

const (
	defaultListLimit  = 10
	defaultAdminLimit = 100
	maxAmountSteps    = 100
)

type Options struct {
	Store          store.Store
	Chain          chain.Querier
	Address        string
	Contract       string
	TokenSymbol    string
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	// MaxTimeout bounds a caller-supplied timeout, 24h when zero.
	MaxTimeout       time.Duration
	TransferLimit    int
	MinConfirmations int
	MaxAmount        decimal.Decimal
	// MaxPendingPerUser and MinOrderInterval are disabled when zero.
	MaxPendingPerUser int
	MinOrderInterval  time.Duration
	// UniqueAmounts bumps a new order's amount by micro-units until no other
	// pending order carries the same payable amount.
	UniqueAmounts bool
	Retention     time.Duration
	Now           func() time.Time
}

type CreateOrderRequest struct {
	UserID         string
	Amount         decimal.Decimal
	TimeoutMinutes int
	Notes          string
}

// OrderHandle is what a front-end needs to render a payment prompt.
type OrderHandle struct {
	OrderID       string          `json:"order_id"`
	Address       string          `json:"address"`
	PayURI        string          `json:"pay_uri"`
	QRPayload     string          `json:"qr_payload"`
	Amount        decimal.Decimal `json:"amount"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	TimeoutAt     time.Time       `json:"timeout_at"`
	TokenContract string          `json:"token_contract"`
	Memo          string          `json:"memo"`
}

type RefundInfo struct {
	OrderID       string              `json:"order_id"`
	UserID        string              `json:"user_id"`
	Amount        decimal.Decimal     `json:"amount"`
	RefundAddress string              `json:"refund_address"`
	RefundStatus  models.RefundStatus `json:"refund_status"`
	TxHash        string              `json:"tx_hash,omitempty"`
}

// PaymentService is the facade front-ends talk to. It owns the watcher
// supervisor and the callback table.
type PaymentService struct {
	store store.Store
	chain chain.Querier
	opts  Options
	sup   *worker.Supervisor

	createMu sync.Mutex
	closed   atomic.Bool

	cbMu      sync.RWMutex
	callbacks map[Event]Handler
}

func NewPaymentService(opts Options) (*PaymentService, error) {
	if opts.Store == nil || opts.Chain == nil {
		return nil, errors.New("store and chain querier are required")
	}
	if !chain.ValidAddress(opts.Address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, opts.Address)
	}
	if opts.Contract == "" {
		opts.Contract = chain.USDTContract
	}
	if opts.TokenSymbol == "" {
		opts.TokenSymbol = "USDT"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 24 * time.Hour
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &PaymentService{
		store:     opts.Store,
		chain:     opts.Chain,
		opts:      opts,
		callbacks: map[Event]Handler{},
	}
	s.sup = worker.NewSupervisor(&worker.Settings{
		Store:            opts.Store,
		Chain:            opts.Chain,
		Address:          opts.Address,
		Contract:         opts.Contract,
		PollInterval:     opts.PollInterval,
		DefaultTimeout:   opts.DefaultTimeout,
		TransferLimit:    opts.TransferLimit,
		MinConfirmations: opts.MinConfirmations,
		Now:              opts.Now,
		OnSettled:        s.onSettled,
	})
	if opts.MinConfirmations > 1 {
		log.Printf("min_confirmations=%d is accepted but transfers are final on first sighting", opts.MinConfirmations)
	}
	return s, nil
}

func (s *PaymentService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderHandle, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}
	if !chain.ValidAddress(s.opts.Address) {
		return nil, ErrInvalidAddress
	}
	if !payments.ValidAmount(req.Amount, s.opts.MaxAmount) {
		return nil, ErrInvalidAmount
	}
	if req.TimeoutMinutes < 0 || int64(req.TimeoutMinutes) > int64(s.opts.MaxTimeout/time.Minute) {
		return nil, ErrInvalidTimeout
	}
	timeout := s.opts.DefaultTimeout
	if req.TimeoutMinutes > 0 {
		timeout = time.Duration(req.TimeoutMinutes) * time.Minute
	}
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	now := s.opts.Now()
	if err := s.checkLimits(ctx, req.UserID, now); err != nil {
		return nil, err
	}

	amount := req.Amount
	if s.opts.UniqueAmounts {
		var err error
		if amount, err = s.uniqueAmount(ctx, req.Amount); err != nil {
			return nil, err
		}
	}

	id := newOrderID(req.UserID, now)
	order := &models.Order{
		OrderID:      id,
		UserID:       req.UserID,
		Amount:       amount,
		Status:       models.OrderPending,
		CreatedAt:    now,
		TimeoutAt:    now.Add(timeout),
		Memo:         id,
		RefundStatus: models.RefundNone,
		Notes:        req.Notes,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, order); err != nil {
		return nil, err
	}
	if err := s.sup.Spawn(order); err != nil {
		log.Printf("order %s stays pending without watcher: %v", id, err)
	}
	log.Printf("order %s created user=%s amount=%s timeout_at=%s", id, req.UserID, amount, order.TimeoutAt.Format(time.RFC3339))

	uri := s.payURI(amount, id)
	return &OrderHandle{
		OrderID:       id,
		Address:       s.opts.Address,
		PayURI:        uri,
		QRPayload:     uri,
		Amount:        amount,
		BaseAmount:    req.Amount,
		TimeoutAt:     order.TimeoutAt,
		TokenContract: s.opts.Contract,
		Memo:          id,
	}, nil
}

func (s *PaymentService) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.Get(ctx, orderID)
}

func (s *PaymentService) ListUserOrders(ctx context.Context, userID string, status models.OrderStatus, limit int) ([]*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListByUser(ctx, userID, status, limit)
}

func (s *PaymentService) ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAdminLimit
	}
	return s.store.List(ctx, filter)
}

// CancelOrder moves a pending order to cancelled. It returns false when the
// order already left pending.
func (s *PaymentService) CancelOrder(ctx context.Context, orderID, reason string) (bool, error) {
	now := s.opts.Now()
	tr := models.Transition{CancelledAt: &now}
	if reason != "" {
		note := "cancelled: " + reason
		tr.Notes = &note
	}
	ok, err := s.store.UpdateStatus(ctx, orderID, models.OrderCancelled, models.OrderPending, tr)
	if err != nil || !ok {
		return false, err
	}
	s.sup.Stop(orderID)
	log.Printf("order %s -> %s reason=%q", orderID, models.OrderCancelled, reason)

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		log.Printf("order %s reload after cancel failed: %v", orderID, err)
		return true, nil
	}
	s.fire(EventOrderCancelled, order)
	return true, nil
}

// RequestRefund records a refund request on a paid order. No funds move;
// an operator sends the refund and confirms it with ConfirmRefund.
func (s *PaymentService) RequestRefund(ctx context.Context, orderID, address, notes string) (*RefundInfo, error) {
	if !chain.ValidAddress(address) {
		return nil, ErrInvalidAddress
	}
	note := "refund requested"
	if notes != "" {
		note += ": " + notes
	}
	ok, err := s.store.RequestRefund(ctx, orderID, address, note)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRefundable
	}
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	log.Printf("order %s refund requested address=%s", orderID, address)

	info := &RefundInfo{
		OrderID:       order.OrderID,
		UserID:        order.UserID,
		Amount:        order.Amount,
		RefundAddress: address,
		RefundStatus:  order.RefundStatus,
	}
	if order.TxHash != nil {
		info.TxHash = *order.TxHash
	}
	return info, nil
}

func (s *PaymentService) ConfirmRefund(ctx context.Context, orderID, txHash string) (bool, error) {
	if strings.TrimSpace(txHash) == "" {
		return false, ErrMissingTxHash
	}
	ok, err := s.store.ConfirmRefund(ctx, orderID, txHash)
	if err != nil {
		return false, err
	}
	if ok {
		log.Printf("order %s -> %s refund_tx=%s", orderID, models.OrderRefunded, txHash)
	}
	return ok, nil
}

func (s *PaymentService) PendingRefunds(ctx context.Context) ([]*models.Order, error) {
	return s.store.ListPendingRefunds(ctx)
}

// GetStatistics aggregates over every order, or one user's when userID is set.
func (s *PaymentService) GetStatistics(ctx context.Context, userID string) (models.Statistics, error) {
	return s.store.Statistics(ctx, userID)
}

func (s *PaymentService) VerifyTransaction(ctx context.Context, txHash string) (*chain.TxInfo, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, ErrMissingTxHash
	}
	return s.chain.TransactionInfo(ctx, txHash)
}

// CleanupOldOrders deletes timeout and cancelled orders older than olderThan,
// or the configured retention when olderThan is zero.
func (s *PaymentService) CleanupOldOrders(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.opts.Retention
	}
	cutoff := s.opts.Now().Add(-olderThan)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Printf("cleanup removed=%d cutoff=%s", n, cutoff.Format(time.RFC3339))
	return n, nil
}

// ExportOrders writes the filtered orders as a JSON array. A zero limit
// exports everything.
func (s *PaymentService) ExportOrders(ctx context.Context, w io.Writer, filter models.OrderFilter) (int, error) {
	orders, err := s.store.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(orders); err != nil {
		return 0, err
	}
	return len(orders), nil
}

// Start finalises pending orders whose deadline passed while the process was
// down and resumes a watcher for every other pending order.
func (s *PaymentService) Start(ctx context.Context) error {
	pending, err := s.store.ListByStatus(ctx, models.OrderPending)
	if err != nil {
		return err
	}
	now := s.opts.Now()
	var resumed, expired int
	for _, order := range pending {
		if order.TimeoutAt.After(now) {
			if err := s.sup.Spawn(order); err != nil {
				return err
			}
			resumed++
			continue
		}
		ok, err := s.store.UpdateStatus(ctx, order.OrderID, models.OrderTimeout, models.OrderPending, models.Transition{})
		if err != nil {
			log.Printf("order %s reconcile timeout failed: %v", order.OrderID, err)
			continue
		}
		if !ok {
			continue
		}
		expired++
		log.Printf("order %s -> %s (expired while down)", order.OrderID, models.OrderTimeout)
		order.Status = models.OrderTimeout
		s.fire(EventOrderTimeout, order)
	}
	log.Printf("reconciled pending=%d resumed=%d expired=%d", len(pending), resumed, expired)
	return nil
}

// Close stops every watcher and waits for them. The store stays open.
func (s *PaymentService) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.sup.Shutdown(ctx)
}

// ActiveWatchers reports how many orders are being polled.
func (s *PaymentService) ActiveWatchers() int {
	return s.sup.Active()
}

func (s *PaymentService) checkLimits(ctx context.Context, userID string, now time.Time) error {
	if s.opts.MaxPendingPerUser > 0 {
		pending, err := s.store.ListByUser(ctx, userID, models.OrderPending, 0)
		if err != nil {
			return err
		}
		if len(pending) >= s.opts.MaxPendingPerUser {
			return fmt.Errorf("%w: %d of %d", ErrTooManyPending, len(pending), s.opts.MaxPendingPerUser)
		}
	}
	if s.opts.MinOrderInterval > 0 {
		last, err := s.store.ListByUser(ctx, userID, "", 1)
		if err != nil {
			return err
		}
		if len(last) > 0 {
			if wait := s.opts.MinOrderInterval - now.Sub(last[0].CreatedAt); wait > 0 {
				return fmt.Errorf("%w: retry in %s", ErrOrderTooSoon, wait.Round(time.Second))
			}
		}
	}
	return nil
}

func (s *PaymentService) uniqueAmount(ctx context.Context, base decimal.Decimal) (decimal.Decimal, error) {
	pending, err := s.store.ListByStatus(ctx, models.OrderPending)
	if err != nil {
		return decimal.Zero, err
	}
	taken := make(map[string]struct{}, len(pending))
	for _, o := range pending {
		taken[o.Amount.StringFixed(payments.Decimals)] = struct{}{}
	}
	for i := 0; i <= maxAmountSteps; i++ {
		candidate := payments.Step(base, i)
		if !payments.ValidAmount(candidate, s.opts.MaxAmount) {
			break
		}
		if _, busy := taken[candidate.StringFixed(payments.Decimals)]; !busy {
			return candidate, nil
		}
	}
	return decimal.Zero, ErrNoUniqueAmount
}

// PayURI rebuilds the wallet link of an existing order.
func (s *PaymentService) PayURI(order *models.Order) string {
	return s.payURI(order.Amount, order.Memo)
}

func (s *PaymentService) payURI(amount decimal.Decimal, memo string) string {
	return fmt.Sprintf("tron:%s?amount=%s&token=%s&memo=%s",
		s.opts.Address, payments.Format(amount), s.opts.TokenSymbol, url.QueryEscape(memo))
}

func newOrderID(userID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("order_%s_%d_%s", idSafe(userID), now.UnixMilli(), suffix)
}

// idSafe keeps the user part of an order id to a single URL path segment:
// ASCII letters, digits, '-' and '_' pass, anything else becomes '-'.
func idSafe(userID string) string {
	const maxLen = 32
	var b strings.Builder
	for _, r := range userID {
		if b.Len() == maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
