package x402

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the wire shape a facilitator endpoint speaks.
type Dialect string

const (
	// DialectREST is the community facilitator shape: POST /verify and
	// POST /settle with {x402Version, paymentPayload, paymentRequirements}.
	DialectREST Dialect = "rest"
	// DialectCDP is the Coinbase CDP hosted facilitator, which requires
	// string-typed authorization timestamps and signed auth headers.
	DialectCDP Dialect = "cdp"
)

const (
	verifyTimeout = 10 * time.Second
	settleTimeout = 60 * time.Second
)

// FacilitatorConfig describes one facilitator endpoint.
type FacilitatorConfig struct {
	BaseURL      string
	Dialect      Dialect
	APIKeyID     string
	APIKeySecret string
}

// Facilitator talks to a single facilitator endpoint. Retries and fallback
// are the pool's responsibility; the client performs none internally.
type Facilitator struct {
	cfg    FacilitatorConfig
	verify *http.Client
	settle *http.Client
}

// NewFacilitator constructs a facilitator client with the protocol-mandated
// timeouts (verification 10s, settlement 60s).
func NewFacilitator(cfg FacilitatorConfig) *Facilitator {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Dialect == "" {
		cfg.Dialect = DialectREST
	}
	return &Facilitator{
		cfg:    cfg,
		verify: &http.Client{Timeout: verifyTimeout},
		settle: &http.Client{Timeout: settleTimeout},
	}
}

// wirePayload mirrors PaymentPayload but with the authorization timestamps
// normalised to strings, which both dialects accept.
type wirePayload struct {
	X402Version int        `json:"x402Version"`
	Scheme      string     `json:"scheme"`
	Network     string     `json:"network"`
	Payload     wireDetail `json:"payload"`
}

type wireDetail struct {
	Signature     string   `json:"signature"`
	Authorization wireAuth `json:"authorization"`
}

type wireAuth struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

func toWire(p *PaymentPayload) wirePayload {
	auth := p.Payload.Authorization
	return wirePayload{
		X402Version: p.X402Version,
		Scheme:      p.Scheme,
		Network:     p.Network,
		Payload: wireDetail{
			Signature: p.Payload.Signature,
			Authorization: wireAuth{
				From:        auth.From,
				To:          auth.To,
				Value:       auth.Value,
				ValidAfter:  strconv.FormatInt(auth.ValidAfter.Unix(), 10),
				ValidBefore: strconv.FormatInt(auth.ValidBefore.Unix(), 10),
				Nonce:       auth.Nonce,
			},
		},
	}
}

type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      wirePayload         `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type facilitatorResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Success       bool   `json:"success"`
	ErrorReason   string `json:"errorReason,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
	TxHash        string `json:"transactionHash,omitempty"`
	Network       string `json:"network,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

func (r facilitatorResponse) transactionHash() string {
	if r.Transaction != "" {
		return r.Transaction
	}
	return r.TxHash
}

func requirementsFor(target VerifyTarget, resource string) PaymentRequirements {
	amount := "0"
	if target.MaxAmountRequired != nil {
		amount = target.MaxAmountRequired.String()
	}
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           target.Network,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       "bundlergw data upload",
		MimeType:          "application/octet-stream",
		PayTo:             target.PayTo,
		MaxTimeoutSeconds: int(target.MaxTimeoutSeconds),
		Asset:             target.Asset,
		Extra: map[string]string{
			"name":    target.AssetName,
			"version": target.AssetVersion,
		},
	}
}

func (f *Facilitator) do(ctx context.Context, client *http.Client, path string, payload *PaymentPayload, target VerifyTarget) (*facilitatorResponse, error) {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      toWire(payload),
		PaymentRequirements: requirementsFor(target, ""),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Dialect == DialectCDP {
		f.authorize(req, body)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator %s: %w", f.cfg.BaseURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("facilitator %s: read response: %w", f.cfg.BaseURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("facilitator %s: status %d: %s", f.cfg.BaseURL, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed facilitatorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("facilitator %s: parse response: %w", f.cfg.BaseURL, err)
	}
	return &parsed, nil
}

// authorize attaches the CDP key-derived auth header. The hosted facilitator
// expects an HMAC over timestamp, method, and path keyed by the API secret.
func (f *Facilitator) authorize(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(f.cfg.APIKeySecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.Path))
	mac.Write(body)
	req.Header.Set("X-Api-Key", f.cfg.APIKeyID)
	req.Header.Set("X-Api-Timestamp", ts)
	req.Header.Set("X-Api-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

// Verify asks the facilitator to validate the authorization.
func (f *Facilitator) Verify(ctx context.Context, payload *PaymentPayload, target VerifyTarget) error {
	resp, err := f.do(ctx, f.verify, "/verify", payload, target)
	if err != nil {
		return err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "facilitator rejected authorization"
		}
		return fmt.Errorf("facilitator %s: %s", f.cfg.BaseURL, reason)
	}
	return nil
}

// Settle asks the facilitator to broadcast the transfer. A missing
// transaction hash is treated as failure even on HTTP 2xx.
func (f *Facilitator) Settle(ctx context.Context, payload *PaymentPayload, target VerifyTarget) (*SettlementResult, error) {
	resp, err := f.do(ctx, f.settle, "/settle", payload, target)
	if err != nil {
		return nil, err
	}
	if resp.ErrorReason != "" {
		return nil, fmt.Errorf("facilitator %s: %s", f.cfg.BaseURL, resp.ErrorReason)
	}
	hash := resp.transactionHash()
	if hash == "" {
		return nil, fmt.Errorf("facilitator %s: settlement response missing transaction hash", f.cfg.BaseURL)
	}
	network := resp.Network
	if network == "" {
		network = target.Network
	}
	return &SettlementResult{TransactionHash: hash, Network: network}, nil
}

// FacilitatorPool tries facilitators in declared order until one succeeds.
type FacilitatorPool struct {
	clients []*Facilitator
}

// NewFacilitatorPool builds a pool preserving the declared endpoint order.
func NewFacilitatorPool(configs []FacilitatorConfig) *FacilitatorPool {
	pool := &FacilitatorPool{}
	for _, cfg := range configs {
		pool.clients = append(pool.clients, NewFacilitator(cfg))
	}
	return pool
}

// Len reports the number of configured facilitators.
func (p *FacilitatorPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.clients)
}

// Verify returns nil as soon as any facilitator validates the payment.
func (p *FacilitatorPool) Verify(ctx context.Context, payload *PaymentPayload, target VerifyTarget) error {
	if p.Len() == 0 {
		return nil
	}
	var reasons []string
	for _, client := range p.clients {
		if err := client.Verify(ctx, payload, target); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		return nil
	}
	return invalid("all facilitators rejected the authorization", &SettlementError{Reasons: reasons})
}

// Settle walks the facilitators in order and returns the first successful
// settlement. All failure reasons are aggregated when every endpoint fails.
func (p *FacilitatorPool) Settle(ctx context.Context, payload *PaymentPayload, target VerifyTarget) (*SettlementResult, error) {
	if p.Len() == 0 {
		return nil, &SettlementError{Reasons: []string{"no facilitators configured"}}
	}
	var reasons []string
	for _, client := range p.clients {
		result, err := client.Settle(ctx, payload, target)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		return result, nil
	}
	return nil, &SettlementError{Reasons: reasons}
}
