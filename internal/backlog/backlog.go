// Package backlog reads an address's transaction history from an
// esplora-style REST API.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// PageSize is the fixed backlog page size. A page of exactly PageSize
// transactions signals that more history may follow.
const PageSize = 50

// Fetcher reads the transaction backlog for one address, oldest first.
// The resume hints allow an early exit: once resumeTxid has been
// observed and a confirmed transaction at or below resumeHeight has
// been observed, older history needs no re-verification. Empty
// resumeTxid and resumeHeight <= 0 mean "fetch everything".
type Fetcher interface {
	Fetch(ctx context.Context, address, resumeTxid string, resumeHeight int64) ([]types.Transaction, error)
}

// EsploraClient fetches backlog pages from an esplora-compatible HTTP
// API: GET /address/:addr/txs for the newest page and
// GET /address/:addr/txs/chain/:lastTxid for older confirmed history.
type EsploraClient struct {
	baseURL string
	http    *http.Client
}

// NewEsploraClient creates a client targeting the given API base URL.
func NewEsploraClient(baseURL string) *EsploraClient {
	return NewEsploraClientWithTimeout(baseURL, 10*time.Second)
}

// NewEsploraClientWithTimeout creates a client with a custom HTTP timeout.
func NewEsploraClientWithTimeout(baseURL string, timeout time.Duration) *EsploraClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EsploraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch pages through the address history newest-first and returns it
// oldest-first.
func (c *EsploraClient) Fetch(ctx context.Context, address, resumeTxid string, resumeHeight int64) ([]types.Transaction, error) {
	hinted := resumeTxid != "" || resumeHeight > 0

	var all []types.Transaction
	seenResumeTxid := false
	seenAtOrBelow := false
	lastConfirmed := ""

	url := fmt.Sprintf("%s/address/%s/txs", c.baseURL, address)
	for {
		page, err := c.getPage(ctx, url)
		if err != nil {
			return nil, err
		}

		for _, tx := range page {
			all = append(all, tx)
			if tx.TxID == resumeTxid {
				seenResumeTxid = true
			}
			if tx.Status.Confirmed {
				lastConfirmed = tx.TxID
				if tx.Status.BlockHeight <= resumeHeight {
					seenAtOrBelow = true
				}
			}
		}

		if len(page) < PageSize {
			break
		}
		if hinted && seenResumeTxid && seenAtOrBelow {
			break
		}

		// Older history is keyed on the last confirmed txid seen.
		url = fmt.Sprintf("%s/address/%s/txs/chain", c.baseURL, address)
		if lastConfirmed != "" {
			url += "/" + lastConfirmed
		}
	}

	// Pages arrive newest-first; callers apply oldest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// getPage performs one GET and decodes a transaction page.
func (c *EsploraClient) getPage(ctx context.Context, url string) ([]types.Transaction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("backlog page %s: status %d", url, resp.StatusCode)
	}

	var page []types.Transaction
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}
