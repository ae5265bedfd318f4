package payments

import (
	"time"

	"TronPayWatch/internal/models"

	"github.com/shopspring/decimal"
)

// Window is the half-open interval (After, Until] a transfer's block time must
// fall into to settle an order.
type Window struct {
	After time.Time
	Until time.Time
}

// MatchWindow ends at now. Its lower bound is the deadline minus the
// service-wide default timeout, pulled back to the creation time for orders
// whose own timeout is longer than the default.
func MatchWindow(createdAt, timeoutAt time.Time, defaultTimeout time.Duration, now time.Time) Window {
	after := timeoutAt.Add(-defaultTimeout)
	if createdAt.Before(after) {
		after = createdAt
	}
	return Window{After: after, Until: now}
}

func (w Window) Contains(t time.Time) bool {
	return t.After(w.After) && !t.After(w.Until)
}

// Matches reports whether a single transfer can settle an order of amount.
func Matches(t models.Transfer, amount decimal.Decimal, w Window) bool {
	if t.TxHash == "" {
		return false
	}
	if t.Amount.LessThan(amount) {
		return false
	}
	return w.Contains(t.Timestamp)
}

// Candidates returns every transfer that can settle the order. Exact-amount
// transfers come first so an overpayment meant for a larger order is only
// taken when nothing better is available; otherwise explorer order (most
// recent first) is kept.
func Candidates(transfers []models.Transfer, amount decimal.Decimal, w Window) []models.Transfer {
	var exact, over []models.Transfer
	seen := make(map[string]struct{}, len(transfers))
	for _, t := range transfers {
		if !Matches(t, amount, w) {
			continue
		}
		if _, dup := seen[t.TxHash]; dup {
			continue
		}
		seen[t.TxHash] = struct{}{}
		if t.Amount.Equal(amount) {
			exact = append(exact, t)
		} else {
			over = append(over, t)
		}
	}
	return append(exact, over...)
}
