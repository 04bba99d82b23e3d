package x402

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignAuthorization produces a complete payment payload for the given
// authorization, signed by the payer key. It is the client-side counterpart
// of Verifier.Verify, used by SDK consumers and tests.
func SignAuthorization(key *ecdsa.PrivateKey, target VerifyTarget, auth Authorization) (*PaymentPayload, error) {
	payload := &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     target.Network,
		Payload:     ExactPayload{Authorization: auth},
	}
	digest, _, err := authorizationDigest(target, auth)
	if err != nil {
		return nil, fmt.Errorf("x402: authorization digest: %w", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign authorization: %w", err)
	}
	sig[64] += 27
	payload.Payload.Signature = "0x" + hex.EncodeToString(sig)
	return payload, nil
}
