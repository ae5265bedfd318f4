package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"
	"TronPayWatch/internal/pricing"
	"TronPayWatch/internal/services"
	"TronPayWatch/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

type Handler struct {
	Payments *services.PaymentService
	Catalog  *pricing.Catalog
	Events   *EventHub
}

type createOrderRequest struct {
	Amount         *decimal.Decimal `json:"amount"`
	Plan           string           `json:"plan"`
	TimeoutMinutes int              `json:"timeout_minutes"`
	Notes          string           `json:"notes"`
}

type createOrderResponse struct {
	OrderID       string `json:"orderId"`
	Address       string `json:"address"`
	PayURI        string `json:"payUri"`
	QRPayload     string `json:"qrPayload"`
	Amount        string `json:"amount"`
	BaseAmount    string `json:"baseAmount"`
	TimeoutAt     string `json:"timeoutAt"`
	TokenContract string `json:"tokenContract"`
	Memo          string `json:"memo"`
	Plan          string `json:"plan,omitempty"`
}

type orderResponse struct {
	OrderID       string `json:"orderId"`
	UserID        string `json:"userId"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
	TimeoutAt     string `json:"timeoutAt"`
	PaidAt        string `json:"paidAt,omitempty"`
	CancelledAt   string `json:"cancelledAt,omitempty"`
	Memo          string `json:"memo"`
	TxHash        string `json:"txHash,omitempty"`
	RefundStatus  string `json:"refundStatus"`
	RefundAddress string `json:"refundAddress,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	Address string `json:"address"`
	Notes   string `json:"notes"`
}

func NewHandler(svc *services.PaymentService, catalog *pricing.Catalog, events *EventHub) *Handler {
	return &Handler{Payments: svc, Catalog: catalog, Events: events}
}

func toOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:      o.OrderID,
		UserID:       o.UserID,
		Amount:       payments.Format(o.Amount),
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
		TimeoutAt:    o.TimeoutAt.Format(time.RFC3339),
		Memo:         o.Memo,
		RefundStatus: string(o.RefundStatus),
		Notes:        o.Notes,
	}
	if o.PaidAt != nil {
		resp.PaidAt = o.PaidAt.Format(time.RFC3339)
	}
	if o.CancelledAt != nil {
		resp.CancelledAt = o.CancelledAt.Format(time.RFC3339)
	}
	if o.TxHash != nil {
		resp.TxHash = *o.TxHash
	}
	if o.RefundAddress != nil {
		resp.RefundAddress = *o.RefundAddress
	}
	if o.RefundTxHash != nil {
		resp.RefundTxHash = *o.RefundTxHash
	}
	return resp
}

func toOrderResponses(orders []*models.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	return out
}

func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.Catalog.Plans()})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	notes := req.Notes
	var amount decimal.Decimal
	switch {
	case req.Plan != "":
		plan, err := h.Catalog.Lookup(req.Plan)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		amount = plan.Price
		notes = pricing.Notes(plan.Key, req.Notes)
	case req.Amount != nil:
		amount = *req.Amount
	default:
		writeError(w, http.StatusBadRequest, "amount or plan is required")
		return
	}

	handle, err := h.Payments.CreateOrder(r.Context(), services.CreateOrderRequest{
		UserID:         r.Header.Get("X-User-Id"),
		Amount:         amount,
		TimeoutMinutes: req.TimeoutMinutes,
		Notes:          notes,
	})
	if err != nil {
		writeServiceError(w, err, "create order failed")
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:       handle.OrderID,
		Address:       handle.Address,
		PayURI:        handle.PayURI,
		QRPayload:     handle.QRPayload,
		Amount:        payments.Format(handle.Amount),
		BaseAmount:    payments.Format(handle.BaseAmount),
		TimeoutAt:     handle.TimeoutAt.Format(time.RFC3339),
		TokenContract: handle.TokenContract,
		Memo:          handle.Memo,
		Plan:          req.Plan,
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) OrderQR(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	png, err := qrcode.Encode(h.Payments.PayURI(order), qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// OrderEvents upgrades to a websocket that receives the order's current state
// followed by every transition.
func (h *Handler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := h.Events.subscribe(order.OrderID)
	// Reload after subscribing so a transition in between is not lost.
	if fresh, err := h.Payments.GetOrderStatus(r.Context(), order.OrderID); err == nil {
		order = fresh
	}
	if data, err := json.Marshal(orderEvent{Type: "snapshot", Order: toOrderResponse(order)}); err == nil {
		client.send <- data
	}
	h.Events.serve(conn, client)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	cancelled, err := h.Payments.CancelOrder(r.Context(), order.OrderID, req.Reason)
	if err != nil {
		writeServiceError(w, err, "cancel order failed")
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "order is not pending", Code: "NotPending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": order.OrderID, "cancelled": true})
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	info, err := h.Payments.RequestRefund(r.Context(), order.OrderID, req.Address, req.Notes)
	if err != nil {
		writeServiceError(w, err, "refund request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":       info.OrderID,
		"amount":        payments.Format(info.Amount),
		"refundAddress": info.RefundAddress,
		"refundStatus":  info.RefundStatus,
		"txHash":        info.TxHash,
	})
}

func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	status := models.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	orders, err := h.Payments.ListUserOrders(r.Context(), userID, status, limit)
	if err != nil {
		writeServiceError(w, err, "list orders failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": toOrderResponses(orders)})
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return nil, false
	}
	order, err := h.Payments.GetOrderStatus(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err, "get order failed")
		return nil, false
	}
	return order, true
}

// ownedOrder loads the path order and checks it belongs to the X-User-Id caller.
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return nil, false
	}
	order, ok := h.loadOrder(w, r)
	if !ok {
		return nil, false
	}
	if order.UserID != userID {
		writeError(w, http.StatusForbidden, "order belongs to another user")
		return nil, false
	}
	return order, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrMissingUserID):
		writeError(w, http.StatusUnauthorized, "missing user id")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrInvalidTimeout),
		errors.Is(err, services.ErrMissingTxHash):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrTooManyPending),
		errors.Is(err, services.ErrOrderTooSoon):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Code: "RateLimited"})
	case errors.Is(err, services.ErrNoUniqueAmount),
		errors.Is(err, services.ErrNotRefundable),
		errors.Is(err, store.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chain.ErrTxNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, chain.ErrTransientNetwork),
		errors.Is(err, chain.ErrMalformedResponse):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, services.ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
