package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"TronPayWatch/internal/models"
	"TronPayWatch/internal/payments"
)

const DefaultTronScanEndpoint = "https://apilist.tronscanapi.com/api"

var ErrTxNotFound = errors.New("transaction not found")

// TronScanClient talks to the TronScan REST API (or a compatible mirror).
type TronScanClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewTronScanClient(baseURL, apiKey string) *TronScanClient {
	if baseURL == "" {
		baseURL = DefaultTronScanEndpoint
	}
	return &TronScanClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TronScanClient) BaseURL() string {
	return c.baseURL
}

func (c *TronScanClient) RecentTransfers(ctx context.Context, to, contract string, limit int) ([]models.Transfer, error) {
	if limit < 1 {
		limit = 20
	}
	u, err := url.Parse(c.baseURL + "/token_trc20/transfers")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("toAddress", to)
	values.Set("contractAddress", contract)
	values.Set("limit", strconv.Itoa(limit))
	values.Set("start", "0")
	values.Set("sort", "-timestamp")
	u.RawQuery = values.Encode()

	var resp transfersResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, err
	}
	if resp.Transfers == nil {
		return nil, fmt.Errorf("%w: token_transfers missing", ErrMalformedResponse)
	}

	out := make([]models.Transfer, 0, len(resp.Transfers))
	for _, tt := range resp.Transfers {
		if !succeeded(tt.ContractRet) || !succeeded(tt.FinalResult) {
			continue
		}
		if tt.ToAddress != "" && tt.ToAddress != to {
			continue
		}
		amount, err := payments.ParseQuant(string(tt.Quant))
		if err != nil {
			log.Printf("skip transfer tx=%s: bad quant %q: %v", tt.TransactionID, tt.Quant, err)
			continue
		}
		ts := tt.BlockTS
		if ts == 0 {
			ts = tt.BlockTimestamp
		}
		out = append(out, models.Transfer{
			TxHash:    tt.TransactionID,
			From:      tt.FromAddress,
			To:        tt.ToAddress,
			Amount:    amount,
			Timestamp: time.UnixMilli(ts).UTC(),
			Confirmed: tt.Confirmed,
		})
	}
	return out, nil
}

func (c *TronScanClient) TransactionInfo(ctx context.Context, hash string) (*TxInfo, error) {
	u, err := url.Parse(c.baseURL + "/transaction-info")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("hash", hash)
	u.RawQuery = values.Encode()

	var resp txInfoResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, err
	}
	if resp.Hash == "" {
		return nil, ErrTxNotFound
	}
	return &TxInfo{
		Hash:      resp.Hash,
		Confirmed: resp.Confirmed,
		Block:     resp.Block,
		Timestamp: time.UnixMilli(resp.Timestamp).UTC(),
		Result:    resp.ContractRet,
	}, nil
}

func (c *TronScanClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransientNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return fmt.Errorf("%w: http status %d: %s", ErrTransientNetwork, resp.StatusCode, msg)
		}
		return fmt.Errorf("%w: http status %d", ErrTransientNetwork, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func succeeded(result string) bool {
	return result == "" || strings.EqualFold(result, "SUCCESS")
}

// TronScan response types

type transfersResponse struct {
	Total     int64          `json:"total"`
	Transfers []tronTransfer `json:"token_transfers"`
}

type tronTransfer struct {
	TransactionID  string   `json:"transaction_id"`
	BlockTS        int64    `json:"block_ts"`
	BlockTimestamp int64    `json:"block_timestamp"`
	FromAddress    string   `json:"from_address"`
	ToAddress      string   `json:"to_address"`
	Quant          quantity `json:"quant"`
	Confirmed      bool     `json:"confirmed"`
	ContractRet    string   `json:"contractRet"`
	FinalResult    string   `json:"finalResult"`
}

type txInfoResponse struct {
	Hash        string `json:"hash"`
	Block       int64  `json:"block"`
	Timestamp   int64  `json:"timestamp"`
	Confirmed   bool   `json:"confirmed"`
	ContractRet string `json:"contractRet"`
}

// quantity accepts both "10000000" and 10000000.
type quantity string

func (q *quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*q = quantity(n.String())
	return nil
}
