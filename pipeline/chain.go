package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTxNotFound is returned by BundleStatus for transactions the gateway
// has never seen (dropped from the mempool or never arrived).
var ErrTxNotFound = errors.New("pipeline: transaction not found")

// TxStatus reports a posted bundle's standing on the chain.
type TxStatus struct {
	BlockHeight   int64
	Confirmations int64
	IndexedOnGQL  bool
}

// ChainClient is the slice of the permanent-storage chain the pipeline
// needs: post a bundle transaction, seed its chunks, and observe
// confirmation depth.
type ChainClient interface {
	// CurrentHeight reads the chain tip, used for receipt deadlines.
	CurrentHeight(ctx context.Context) (int64, error)
	// PostBundle broadcasts the bundle payload as a transaction and
	// returns the assigned transaction id.
	PostBundle(ctx context.Context, planID string, payload io.Reader, size int64) (string, error)
	// SeedChunks uploads the payload chunks for an already-posted
	// transaction.
	SeedChunks(ctx context.Context, bundleID string, payload io.Reader, size int64) error
	// BundleStatus reports confirmation depth and gateway indexing for a
	// posted transaction.
	BundleStatus(ctx context.Context, bundleID string) (*TxStatus, error)
}

// HTTPChainClient talks to an Arweave-gateway-compatible node.
type HTTPChainClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPChainClient constructs a client for the node at baseURL.
func NewHTTPChainClient(baseURL string) *HTTPChainClient {
	return &HTTPChainClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPChainClient) CurrentHeight(ctx context.Context) (int64, error) {
	var info struct {
		Height int64 `json:"height"`
	}
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

func (c *HTTPChainClient) PostBundle(ctx context.Context, planID string, payload io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", payload)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pipeline: post bundle for plan %s: %w", planID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("pipeline: post bundle returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var posted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &posted); err != nil || posted.ID == "" {
		return "", fmt.Errorf("pipeline: post bundle response missing transaction id")
	}
	return posted.ID, nil
}

func (c *HTTPChainClient) SeedChunks(ctx context.Context, bundleID string, payload io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunk/"+bundleID, payload)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: seed chunks for %s: %w", bundleID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pipeline: seed chunks returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPChainClient) BundleStatus(ctx context.Context, bundleID string) (*TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx/"+bundleID+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: tx status for %s: %w", bundleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, bundleID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline: tx status returned %d", resp.StatusCode)
	}
	var status struct {
		BlockHeight   int64 `json:"block_height"`
		Confirmations int64 `json:"number_of_confirmations"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&status); err != nil {
		return nil, fmt.Errorf("pipeline: parse tx status: %w", err)
	}
	indexed, err := c.indexedOnGQL(ctx, bundleID)
	if err != nil {
		indexed = false
	}
	return &TxStatus{
		BlockHeight:   status.BlockHeight,
		Confirmations: status.Confirmations,
		IndexedOnGQL:  indexed,
	}, nil
}

// indexedOnGQL asks the gateway's GraphQL endpoint whether the bundle
// transaction is queryable yet.
func (c *HTTPChainClient) indexedOnGQL(ctx context.Context, bundleID string) (bool, error) {
	query := map[string]string{
		"query": fmt.Sprintf(`{ transaction(id: %q) { id } }`, bundleID),
	}
	body, err := json.Marshal(query)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("pipeline: graphql returned %d", resp.StatusCode)
	}
	var result struct {
		Data struct {
			Transaction *struct {
				ID string `json:"id"`
			} `json:"transaction"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result); err != nil {
		return false, err
	}
	return result.Data.Transaction != nil && result.Data.Transaction.ID == bundleID, nil
}

func (c *HTTPChainClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline: get %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
