package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// HTTPRateSource fetches the USD price of the storage token from a
// coingecko-compatible simple-price endpoint.
type HTTPRateSource struct {
	endpoint string
	tokenID  string
	http     *http.Client
}

// NewHTTPRateSource constructs a rate source. endpoint should already
// include the query as served, e.g.
// https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd.
func NewHTTPRateSource(endpoint, tokenID string) *HTTPRateSource {
	return &HTTPRateSource{
		endpoint: strings.TrimSpace(endpoint),
		tokenID:  strings.ToLower(strings.TrimSpace(tokenID)),
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPRateSource) Name() string { return "simple-price" }

// Fetch resolves the current USD rate.
func (s *HTTPRateSource) Fetch(ctx context.Context) (*big.Rat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: fetch rate: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("pricing: read rate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing: rate endpoint returned %d", resp.StatusCode)
	}
	var body map[string]map[string]json.Number
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("pricing: parse rate response: %w", err)
	}
	entry, ok := body[s.tokenID]
	if !ok {
		return nil, fmt.Errorf("pricing: token %q missing from rate response", s.tokenID)
	}
	usd, ok := entry["usd"]
	if !ok {
		return nil, fmt.Errorf("pricing: usd rate missing for %q", s.tokenID)
	}
	rate, ok := new(big.Rat).SetString(usd.String())
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: invalid usd rate %q", usd.String())
	}
	return rate, nil
}

// FixedRateSource always returns the same rate. Used as a configured
// fallback and in tests.
type FixedRateSource struct {
	Rate *big.Rat
}

func (s FixedRateSource) Name() string { return "fixed" }

func (s FixedRateSource) Fetch(context.Context) (*big.Rat, error) {
	if s.Rate == nil || s.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: fixed rate not configured")
	}
	return new(big.Rat).Set(s.Rate), nil
}
