package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testPayload() *PaymentPayload {
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		Payload: ExactPayload{
			Signature: "0xdeadbeef",
			Authorization: Authorization{
				From:        "0x3333333333333333333333333333333333333333",
				To:          "0x1111111111111111111111111111111111111111",
				Value:       "20000",
				ValidBefore: 4102444800,
			},
		},
	}
}

func TestFacilitatorPoolSettleFallsBack(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer broken.Close()

	var gotBody facilitatorRequest
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transaction": "0xabc", "network": "base-sepolia"})
	}))
	defer healthy.Close()

	pool := NewFacilitatorPool([]FacilitatorConfig{
		{BaseURL: broken.URL},
		{BaseURL: healthy.URL},
	})
	result, err := pool.Settle(context.Background(), testPayload(), testTarget)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.TransactionHash != "0xabc" {
		t.Fatalf("transaction hash = %s, want 0xabc", result.TransactionHash)
	}
	if gotBody.PaymentPayload.Payload.Authorization.ValidBefore != "4102444800" {
		t.Fatalf("validBefore not stringified: %q", gotBody.PaymentPayload.Payload.Authorization.ValidBefore)
	}
}

func TestFacilitatorPoolSettleAggregatesReasons(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 2xx with no transaction hash still counts as failure.
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer second.Close()

	pool := NewFacilitatorPool([]FacilitatorConfig{
		{BaseURL: first.URL},
		{BaseURL: second.URL},
	})
	_, err := pool.Settle(context.Background(), testPayload(), testTarget)
	if err == nil {
		t.Fatal("expected aggregated failure")
	}
	var settleErr *SettlementError
	if !errors.As(err, &settleErr) {
		t.Fatalf("expected SettlementError, got %T", err)
	}
	if len(settleErr.Reasons) != 2 {
		t.Fatalf("reasons = %v, want 2 entries", settleErr.Reasons)
	}
}

func TestFacilitatorVerifyInvalidReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": false, "invalidReason": "nonce already used"})
	}))
	defer srv.Close()

	client := NewFacilitator(FacilitatorConfig{BaseURL: srv.URL})
	err := client.Verify(context.Background(), testPayload(), testTarget)
	if err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestFacilitatorCDPAuthHeaders(t *testing.T) {
	var gotKey, gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotSig = r.Header.Get("X-Api-Signature")
		gotTS = r.Header.Get("X-Api-Timestamp")
		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer srv.Close()

	client := NewFacilitator(FacilitatorConfig{
		BaseURL:      srv.URL,
		Dialect:      DialectCDP,
		APIKeyID:     "key-id",
		APIKeySecret: "key-secret",
	})
	if err := client.Verify(context.Background(), testPayload(), testTarget); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotKey != "key-id" || gotSig == "" || gotTS == "" {
		t.Fatalf("missing CDP auth headers: key=%q sig=%q ts=%q", gotKey, gotSig, gotTS)
	}
}
