package dataitem

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the server's long-lived secp256k1 signing key. It signs
// server-assembled data items and upload receipts.
type Wallet struct {
	key *ecdsa.PrivateKey
}

// LoadWallet parses a hex-encoded private key.
func LoadWallet(hexKey string) (*Wallet, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("dataitem: wallet key required")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("dataitem: invalid wallet key: %w", err)
	}
	return &Wallet{key: key}, nil
}

// GenerateWallet creates an ephemeral wallet, used by tests.
func GenerateWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key}, nil
}

// Owner returns the 65-byte uncompressed public key, the ANS-104 owner
// field for the ethereum signature type.
func (w *Wallet) Owner() []byte {
	return crypto.FromECDSAPub(&w.key.PublicKey)
}

// OwnerB64 returns the owner field base64url-encoded, as carried in
// receipts.
func (w *Wallet) OwnerB64() string {
	return base64.RawURLEncoding.EncodeToString(w.Owner())
}

// Address returns the ethereum address of the wallet.
func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

// SignMessage signs data with the EIP-191 personal-message prefix and
// returns a 65-byte signature with a 27/28 recovery id. RFC-6979 makes the
// signature deterministic, which keeps signed data item ids stable across
// retries.
func (w *Wallet) SignMessage(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(personalDigest(data), w.key)
	if err != nil {
		return nil, fmt.Errorf("dataitem: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// VerifyMessage checks a personal-message signature against an expected
// owner public key.
func VerifyMessage(owner, data, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	recovered, err := crypto.Ecrecover(personalDigest(data), normalized)
	if err != nil {
		return false
	}
	if len(owner) != len(recovered) {
		return false
	}
	for i := range owner {
		if owner[i] != recovered[i] {
			return false
		}
	}
	return true
}

func personalDigest(data []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(prefixed))
}
