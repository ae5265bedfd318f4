package chain

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"TronPayWatch/internal/models"
)

// MultiQuerier fails over between explorer endpoints. It sticks to the
// current endpoint until it fails failThreshold times in a row.
type MultiQuerier struct {
	clients       []*TronScanClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiQuerier(endpoints []string, apiKey string, failThreshold int) (*MultiQuerier, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("explorer endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*TronScanClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewTronScanClient(ep, apiKey))
	}
	return &MultiQuerier{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiQuerier) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].BaseURL()
}

func (m *MultiQuerier) RecentTransfers(ctx context.Context, to, contract string, limit int) ([]models.Transfer, error) {
	var out []models.Transfer
	err := m.do(ctx, func(c *TronScanClient) error {
		var err error
		out, err = c.RecentTransfers(ctx, to, contract, limit)
		return err
	})
	return out, err
}

func (m *MultiQuerier) TransactionInfo(ctx context.Context, hash string) (*TxInfo, error) {
	var out *TxInfo
	err := m.do(ctx, func(c *TronScanClient) error {
		var err error
		out, err = c.TransactionInfo(ctx, hash)
		return err
	})
	return out, err
}

// do runs call against the current endpoint and, on a transient failure,
// against the following ones, each at most once per call.
func (m *MultiQuerier) do(ctx context.Context, call func(*TronScanClient) error) error {
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		err := call(client)
		if err == nil {
			m.resetFailures(idx)
			return nil
		}
		if !errors.Is(err, ErrTransientNetwork) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		m.noteFailure(idx)
		if !m.shouldRotate() {
			break
		}
		m.rotate(idx)
	}
	return lastErr
}

func (m *MultiQuerier) currentClient() (*TronScanClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiQuerier) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiQuerier) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiQuerier) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients) > 1 && m.failCount >= m.failThreshold
}

func (m *MultiQuerier) rotate(from int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != from {
		return
	}
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
	log.Printf("explorer failover to %s", m.clients[m.index].BaseURL())
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
