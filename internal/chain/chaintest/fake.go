// Package chaintest provides an in-memory chain.Querier for tests.
package chaintest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/models"

	"github.com/shopspring/decimal"
)

// Fake returns the pushed transfers, newest first, or the configured error.
type Fake struct {
	mu        sync.Mutex
	transfers []models.Transfer
	txs       map[string]*chain.TxInfo
	err       error
	calls     atomic.Int32
}

func (f *Fake) RecentTransfers(ctx context.Context, to, contract string, limit int) ([]models.Transfer, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := len(f.transfers)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]models.Transfer, n)
	copy(out, f.transfers[:n])
	return out, nil
}

func (f *Fake) TransactionInfo(ctx context.Context, hash string) (*chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *info
	return &cp, nil
}

// Push records a confirmed transfer of amount observed at block time at.
func (f *Fake) Push(hash, amount string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append([]models.Transfer{{
		TxHash:    hash,
		Amount:    decimal.RequireFromString(amount),
		Timestamp: at,
		Confirmed: true,
	}}, f.transfers...)
	if f.txs == nil {
		f.txs = map[string]*chain.TxInfo{}
	}
	f.txs[hash] = &chain.TxInfo{Hash: hash, Confirmed: true, Timestamp: at, Result: "SUCCESS"}
}

func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls counts RecentTransfers invocations.
func (f *Fake) Calls() int32 {
	return f.calls.Load()
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
