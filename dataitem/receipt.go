package dataitem

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// ReceiptVersion is the wire version stamped on every signed receipt.
const ReceiptVersion = "0.2.0"

// ErrReceiptSignature marks a receipt whose signature does not match its
// fields.
var ErrReceiptSignature = errors.New("dataitem: receipt signature mismatch")

// Receipt is the signed promise returned on a successful upload: the
// bundler commits to making the data item permanent before the deadline
// height.
type Receipt struct {
	ID             string   `json:"id"`
	Timestamp      int64    `json:"timestamp"`
	Version        string   `json:"version"`
	DeadlineHeight int64    `json:"deadlineHeight"`
	Winc           string   `json:"winc"`
	Public         string   `json:"public"`
	Signature      string   `json:"signature"`
	DataCaches     []string `json:"dataCaches,omitempty"`
	FastFinality   []string `json:"fastFinalityIndexes,omitempty"`
}

// SignReceipt produces a signed receipt for a data item id. The
// signature covers (app name, version, id, deadline height, timestamp)
// under the Arweave deep-hash construction.
func (w *Wallet) SignReceipt(id string, deadlineHeight, timestampMillis int64) (*Receipt, error) {
	digest := receiptDigest(id, deadlineHeight, timestampMillis)
	sig, err := w.SignMessage(digest[:])
	if err != nil {
		return nil, err
	}
	return &Receipt{
		ID:             id,
		Timestamp:      timestampMillis,
		Version:        ReceiptVersion,
		DeadlineHeight: deadlineHeight,
		Public:         w.OwnerB64(),
		Signature:      base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// VerifyReceipt checks a receipt's signature against its own fields.
func VerifyReceipt(r *Receipt) error {
	owner, err := base64.RawURLEncoding.DecodeString(r.Public)
	if err != nil {
		return ErrReceiptSignature
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return ErrReceiptSignature
	}
	digest := receiptDigest(r.ID, r.DeadlineHeight, r.Timestamp)
	if !VerifyMessage(owner, digest[:], sig) {
		return ErrReceiptSignature
	}
	return nil
}

func receiptDigest(id string, deadlineHeight, timestampMillis int64) [48]byte {
	return DeepHash([][]byte{
		[]byte("Bundlr"),
		[]byte(ReceiptVersion),
		[]byte(id),
		[]byte(strconv.FormatInt(deadlineHeight, 10)),
		[]byte(strconv.FormatInt(timestampMillis, 10)),
	})
}
