package x402

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Type hashes are constant across every EIP-3009 token contract.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// VerifyTarget describes what an incoming payment must satisfy. It is the
// server-side view of the PaymentRequirements the client was quoted.
type VerifyTarget struct {
	Network           string
	ChainID           *big.Int
	MaxAmountRequired *big.Int
	PayTo             string
	Asset             string
	AssetName         string
	AssetVersion      string
	MaxTimeoutSeconds int64
}

// VerifyResult reports the recovered payer and authorized amount.
type VerifyResult struct {
	Payer  string
	Amount *big.Int
	Nonce  [32]byte
}

// Verifier checks EIP-3009 payment authorizations locally and, when a
// facilitator pool is configured, re-verifies through it.
type Verifier struct {
	facilitators *FacilitatorPool
	nowFn        func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithFacilitators enables facilitator re-verification after local checks.
func WithFacilitators(pool *FacilitatorPool) VerifierOption {
	return func(v *Verifier) { v.facilitators = pool }
}

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.nowFn = now }
}

// NewVerifier constructs a verifier.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{nowFn: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify decodes and validates the X-PAYMENT header against target. All
// failures are returned as *InvalidError so callers can surface the reason in
// the 402 body.
func (v *Verifier) Verify(ctx context.Context, headerB64 string, target VerifyTarget) (*VerifyResult, error) {
	payload, err := DecodePaymentHeader(headerB64)
	if err != nil {
		return nil, invalid("malformed payment header", err)
	}
	if payload.X402Version != Version {
		return nil, invalid(fmt.Sprintf("unsupported x402Version %d", payload.X402Version), ErrVersionMismatch)
	}
	if payload.Scheme != SchemeExact {
		return nil, invalid(fmt.Sprintf("unsupported scheme %q", payload.Scheme), ErrSchemeMismatch)
	}
	if !strings.EqualFold(payload.Network, target.Network) {
		return nil, invalid(fmt.Sprintf("network %q does not match %q", payload.Network, target.Network), ErrNetworkMismatch)
	}

	auth := payload.Payload.Authorization
	value, err := auth.ValueBig()
	if err != nil {
		return nil, invalid("unparseable authorization value", err)
	}
	if target.MaxAmountRequired != nil && value.Cmp(target.MaxAmountRequired) < 0 {
		return nil, invalid(fmt.Sprintf("authorized %s below required %s", value, target.MaxAmountRequired), ErrAmountTooLow)
	}
	if !strings.EqualFold(auth.To, target.PayTo) {
		return nil, invalid(fmt.Sprintf("authorization.to %s is not the configured payTo", auth.To), ErrRecipientMismatch)
	}

	now := v.nowFn()
	validBefore := auth.ValidBefore.Unix()
	if validBefore < now.Unix()+target.MaxTimeoutSeconds {
		return nil, invalid("authorization expires before the settlement window closes", ErrAuthorizationExpired)
	}
	if validBefore*1000 <= now.UnixMilli() {
		return nil, invalid("authorization already expired", ErrAuthorizationExpired)
	}

	digest, nonce, err := authorizationDigest(target, auth)
	if err != nil {
		return nil, invalid("cannot compute typed-data digest", err)
	}
	payer, err := recoverSigner(digest, payload.Payload.Signature)
	if err != nil {
		return nil, invalid("signature recovery failed", err)
	}
	if !strings.EqualFold(payer.Hex(), auth.From) {
		return nil, invalid(fmt.Sprintf("recovered signer %s does not match authorization.from %s", payer.Hex(), auth.From), ErrSignatureInvalid)
	}

	if v.facilitators != nil {
		if err := v.facilitators.Verify(ctx, payload, target); err != nil {
			return nil, err
		}
	}

	return &VerifyResult{Payer: payer.Hex(), Amount: value, Nonce: nonce}, nil
}

// authorizationDigest computes the EIP-712 digest over the
// TransferWithAuthorization struct under the token contract domain.
func authorizationDigest(target VerifyTarget, auth Authorization) (common.Hash, [32]byte, error) {
	if target.ChainID == nil {
		return common.Hash{}, [32]byte{}, fmt.Errorf("x402: missing chain id for network %s", target.Network)
	}
	nonceHex := strings.TrimPrefix(strings.TrimSpace(auth.Nonce), "0x")
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceBytes) > 32 {
		return common.Hash{}, [32]byte{}, fmt.Errorf("x402: invalid nonce %q", auth.Nonce)
	}
	var nonce [32]byte
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	value, err := auth.ValueBig()
	if err != nil {
		return common.Hash{}, [32]byte{}, err
	}

	ds := domainSeparator(target.AssetName, target.AssetVersion, target.ChainID, common.HexToAddress(target.Asset))
	ah := structHash(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter.Unix()),
		big.NewInt(auth.ValidBefore.Unix()),
		nonce,
	)
	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return digest, nonce, nil
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], padAddress(contract))
	return crypto.Keccak256Hash(enc)
}

func structHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], padAddress(from))
	copy(enc[64:96], padAddress(to))
	copy(enc[96:128], pad32(value))
	copy(enc[128:160], pad32(validAfter))
	copy(enc[160:192], pad32(validBefore))
	copy(enc[192:224], nonce[:])
	return crypto.Keccak256Hash(enc)
}

func recoverSigner(digest common.Hash, signature string) (common.Address, error) {
	sigHex := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("x402: malformed signature")
	}
	// ecrecover expects recovery id 0/1, wallets emit 27/28.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubBytes, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("x402: ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("x402: unmarshal pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func padAddress(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}
