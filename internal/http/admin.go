package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"

	"github.com/go-chi/chi/v5"
)

type confirmRefundRequest struct {
	TxHash string `json:"tx_hash"`
}

type statsResponse struct {
	TotalOrders     int64  `json:"totalOrders"`
	PaidOrders      int64  `json:"paidOrders"`
	TotalPaidAmount string `json:"totalPaidAmount"`
	PendingOrders   int64  `json:"pendingOrders"`
	TimeoutOrders   int64  `json:"timeoutOrders"`
	CancelledOrders int64  `json:"cancelledOrders"`
	RefundedOrders  int64  `json:"refundedOrders"`
	TotalUsers      int64  `json:"totalUsers,omitempty"`
	ActiveWatchers  int    `json:"activeWatchers"`
}

func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	orders, err := h.Payments.ListOrders(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, "list orders failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": toOrderResponses(orders)})
}

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Payments.GetStatistics(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeServiceError(w, err, "statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalOrders:     st.TotalOrders,
		PaidOrders:      st.PaidOrders,
		TotalPaidAmount: payments.Format(st.TotalPaidAmount),
		PendingOrders:   st.PendingOrders,
		TimeoutOrders:   st.TimeoutOrders,
		CancelledOrders: st.CancelledOrders,
		RefundedOrders:  st.RefundedOrders,
		TotalUsers:      st.TotalUsers,
		ActiveWatchers:  h.Payments.ActiveWatchers(),
	})
}

func (h *Handler) AdminPendingRefunds(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Payments.PendingRefunds(r.Context())
	if err != nil {
		writeServiceError(w, err, "list refunds failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": toOrderResponses(orders)})
}

func (h *Handler) AdminConfirmRefund(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req confirmRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ok, err := h.Payments.ConfirmRefund(r.Context(), orderID, req.TxHash)
	if err != nil {
		writeServiceError(w, err, "confirm refund failed")
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no pending refund for order", Code: "NoPendingRefund"})
		return
	}
	log.Printf("refund confirmed order=%s by=%s", orderID, adminSubject(r))
	writeJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "status": models.OrderRefunded})
}

func (h *Handler) AdminVerifyTx(w http.ResponseWriter, r *http.Request) {
	info, err := h.Payments.VerifyTransaction(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeServiceError(w, err, "verify transaction failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days")
	if !ok {
		return
	}
	n, err := h.Payments.CleanupOldOrders(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeServiceError(w, err, "cleanup failed")
		return
	}
	log.Printf("cleanup requested by=%s removed=%d", adminSubject(r), n)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (h *Handler) AdminExport(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	n, err := h.Payments.ExportOrders(r.Context(), &buf, filter)
	if err != nil {
		writeServiceError(w, err, "export failed")
		return
	}
	name := fmt.Sprintf("orders_%s.json", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Export-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, &buf); err != nil {
		log.Printf("export write failed: %v", err)
	}
}

// parseFilter reads status, from, to (RFC 3339) and limit from the query.
func parseFilter(w http.ResponseWriter, r *http.Request) (models.OrderFilter, bool) {
	q := r.URL.Query()
	var filter models.OrderFilter
	filter.Status = models.OrderStatus(q.Get("status"))
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return filter, false
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key)
			return filter, false
		}
		*dst = t
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return filter, false
	}
	filter.Limit = limit
	return filter, true
}
