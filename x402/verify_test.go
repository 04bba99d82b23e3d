package x402

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var testTarget = VerifyTarget{
	Network:           "base-sepolia",
	ChainID:           big.NewInt(84532),
	MaxAmountRequired: big.NewInt(15000),
	PayTo:             "0x1111111111111111111111111111111111111111",
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	AssetName:         "USD Coin",
	AssetVersion:      "2",
	MaxTimeoutSeconds: 3600,
}

func signedPayment(t *testing.T, mutate func(*PaymentPayload)) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	payload := &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     testTarget.Network,
		Payload: ExactPayload{
			Authorization: Authorization{
				From:        payer,
				To:          testTarget.PayTo,
				Value:       "20000",
				ValidAfter:  0,
				ValidBefore: Timestamp(time.Now().Add(2 * time.Hour).Unix()),
				Nonce:       "0x" + hex.EncodeToString(make([]byte, 31)) + "07",
			},
		},
	}
	digest, _, err := authorizationDigest(testTarget, payload.Payload.Authorization)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Emit the wallet-style 27/28 recovery id.
	sig[64] += 27
	payload.Payload.Signature = "0x" + hex.EncodeToString(sig)
	if mutate != nil {
		mutate(payload)
	}
	encoded, err := payload.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoded, payer
}

func TestVerifyAcceptsValidAuthorization(t *testing.T) {
	header, payer := signedPayment(t, nil)
	verifier := NewVerifier()
	result, err := verifier.Verify(context.Background(), header, testTarget)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Payer != payer {
		t.Fatalf("payer = %s, want %s", result.Payer, payer)
	}
	if result.Amount.Cmp(big.NewInt(20000)) != 0 {
		t.Fatalf("amount = %s, want 20000", result.Amount)
	}
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	header, _ := signedPayment(t, func(p *PaymentPayload) {
		p.Payload.Authorization.Value = "999999"
	})
	verifier := NewVerifier()
	if _, err := verifier.Verify(context.Background(), header, testTarget); err == nil {
		t.Fatal("expected tampered value to be rejected")
	}
}

func TestVerifyRejectsLowAmount(t *testing.T) {
	header, _ := signedPayment(t, func(p *PaymentPayload) {
		p.Payload.Authorization.Value = "100"
	})
	verifier := NewVerifier()
	_, err := verifier.Verify(context.Background(), header, testTarget)
	if err == nil {
		t.Fatal("expected low amount rejection")
	}
	var invalidErr *InvalidError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidError, got %T", err)
	}
	if !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("expected ErrAmountTooLow, got %v", err)
	}
}

func TestVerifyRejectsWrongRecipient(t *testing.T) {
	header, _ := signedPayment(t, func(p *PaymentPayload) {
		p.Payload.Authorization.To = "0x2222222222222222222222222222222222222222"
	})
	verifier := NewVerifier()
	if _, err := verifier.Verify(context.Background(), header, testTarget); err == nil {
		t.Fatal("expected recipient mismatch rejection")
	}
}

func TestVerifyRejectsExpiredAuthorization(t *testing.T) {
	header, _ := signedPayment(t, func(p *PaymentPayload) {
		p.Payload.Authorization.ValidBefore = Timestamp(time.Now().Add(10 * time.Minute).Unix())
	})
	// maxTimeoutSeconds is 3600, so a 10 minute validity window is too short.
	verifier := NewVerifier()
	if _, err := verifier.Verify(context.Background(), header, testTarget); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestVerifyRejectsWrongNetwork(t *testing.T) {
	header, _ := signedPayment(t, func(p *PaymentPayload) {
		p.Network = "polygon-mainnet"
	})
	verifier := NewVerifier()
	if _, err := verifier.Verify(context.Background(), header, testTarget); err == nil {
		t.Fatal("expected network mismatch rejection")
	}
}

func TestTimestampUnmarshalAcceptsStringsAndNumbers(t *testing.T) {
	var ts Timestamp
	if err := ts.UnmarshalJSON([]byte(`"1717171717"`)); err != nil || ts.Unix() != 1717171717 {
		t.Fatalf("string timestamp: %v (%d)", err, ts)
	}
	if err := ts.UnmarshalJSON([]byte(`1717171718`)); err != nil || ts.Unix() != 1717171718 {
		t.Fatalf("numeric timestamp: %v (%d)", err, ts)
	}
}

func TestParseToken(t *testing.T) {
	token, err := ParseToken("usdc-base-sepolia")
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if token.Network != "base-sepolia" || token.Currency != "usdc" {
		t.Fatalf("unexpected token %+v", token)
	}
	if _, err := ParseToken("dai-base"); err == nil {
		t.Fatal("expected unsupported currency rejection")
	}
	if _, err := ParseToken("usdc-unknownnet"); err == nil {
		t.Fatal("expected unknown network rejection")
	}
}
