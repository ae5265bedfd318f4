package chain

import (
	"context"
	"errors"
	"time"

	"TronPayWatch/internal/models"
)

// USDTContract is the TRC20 USDT contract on TRON mainnet.
const USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

var (
	// ErrTransientNetwork covers timeouts, transport failures and non-2xx
	// explorer answers. Callers retry on the next poll.
	ErrTransientNetwork = errors.New("explorer unavailable")
	// ErrMalformedResponse means the explorer answered but the payload could not be parsed.
	ErrMalformedResponse = errors.New("malformed explorer response")
)

// Querier lists recent token transfers to a watched address. Every call is a
// fresh page, most recent first.
type Querier interface {
	RecentTransfers(ctx context.Context, to, contract string, limit int) ([]models.Transfer, error)
	TransactionInfo(ctx context.Context, hash string) (*TxInfo, error)
}

type TxInfo struct {
	Hash      string    `json:"tx_hash"`
	Confirmed bool      `json:"confirmed"`
	Block     int64     `json:"block"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result,omitempty"`
}
