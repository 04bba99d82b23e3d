package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Version is the only protocol revision the gateway accepts.
const Version = 1

// SchemeExact is the sole payment scheme supported in v1.
const SchemeExact = "exact"

// Header names used on the wire.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-Payment-Response"
)

// PaymentRequirements describes one acceptable payment method inside a 402
// response.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body returned with HTTP 402.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error"`
}

// Timestamp accepts both JSON numbers and decimal strings; facilitator
// dialects disagree on the encoding of validAfter/validBefore.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("x402: invalid timestamp %q: %w", raw, err)
	}
	*t = Timestamp(v)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

// Unix returns the timestamp as epoch seconds.
func (t Timestamp) Unix() int64 { return int64(t) }

// Authorization carries the EIP-3009 TransferWithAuthorization fields.
type Authorization struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       string    `json:"value"`
	ValidAfter  Timestamp `json:"validAfter"`
	ValidBefore Timestamp `json:"validBefore"`
	Nonce       string    `json:"nonce"`
}

// ValueBig parses the authorized amount in USDC atomic units.
func (a Authorization) ValueBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(a.Value), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("x402: invalid authorization value %q", a.Value)
	}
	return v, nil
}

// ExactPayload is the scheme-specific payload for the exact scheme.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// DecodePaymentHeader decodes the base64 JSON X-PAYMENT header value.
func DecodePaymentHeader(headerB64 string) (*PaymentPayload, error) {
	trimmed := strings.TrimSpace(headerB64)
	if trimmed == "" {
		return nil, fmt.Errorf("x402: empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("x402: decode payment header: %w", err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("x402: parse payment header: %w", err)
	}
	return &payload, nil
}

// Encode serialises the payload for the X-PAYMENT header, primarily used by
// tests and example clients.
func (p *PaymentPayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SettlementResult is the normalised outcome of a successful settlement.
type SettlementResult struct {
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
}

// PaymentResponse is serialised into the X-Payment-Response header on
// successful admission.
type PaymentResponse struct {
	PaymentID       string `json:"paymentId"`
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
	Mode            string `json:"mode"`
}

// EncodePaymentResponse renders the response header value.
func EncodePaymentResponse(resp PaymentResponse) string {
	raw, _ := json.Marshal(resp)
	return base64.StdEncoding.EncodeToString(raw)
}

// Token identifies a currency/network pair in URL path segments, e.g.
// "usdc-base-sepolia".
type Token struct {
	Currency string
	Network  string
}

// KnownNetworks the gateway will quote for.
var KnownNetworks = map[string]bool{
	"base":             true,
	"base-sepolia":     true,
	"ethereum-mainnet": true,
	"polygon-mainnet":  true,
}

// ParseToken splits a {currency}-{network} path segment. Only usdc is
// recognised in v1.
func ParseToken(raw string) (Token, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	currency, network, found := strings.Cut(trimmed, "-")
	if !found || currency != "usdc" {
		return Token{}, fmt.Errorf("x402: unsupported token %q", raw)
	}
	if !KnownNetworks[network] {
		return Token{}, fmt.Errorf("x402: unknown network %q", network)
	}
	return Token{Currency: currency, Network: network}, nil
}

func (t Token) String() string { return t.Currency + "-" + t.Network }
