package dataitem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

const (
	bundlerAppName = "bundlergw"
	uploadTypeTag  = "raw-data-x402"

	defaultContentType = "application/octet-stream"
)

// BuildParams describes a server-side data item assembled from an
// unsigned payload. The resulting item is signed by the server wallet
// with the ethereum signature type.
type BuildParams struct {
	Payload     []byte
	ContentType string
	Tags        []Tag

	// Provenance tags stamped by the paid write path.
	PayerAddress string
	PaymentID    string
	TxHash       string
	Network      string
	Timestamp    time.Time
}

// Build assembles, signs and serializes a data item. Signing is
// deterministic, so retrying an identical upload yields an identical
// signature and therefore the same data item id.
func (w *Wallet) Build(p BuildParams) (*Info, []byte, error) {
	tags := canonicalTags(p)
	tagBytes := encodeTags(tags)
	if len(tagBytes) > MaxTagBytes {
		return nil, nil, fmt.Errorf("%w: tag block %d exceeds %d bytes", ErrMalformed, len(tagBytes), MaxTagBytes)
	}

	owner := w.Owner()
	digest := signingDigest(SignatureEthereum, owner, nil, nil, tagBytes, p.Payload)
	signature, err := w.SignMessage(digest[:])
	if err != nil {
		return nil, nil, err
	}

	raw := serialize(SignatureEthereum, signature, owner, nil, nil, tags, tagBytes, p.Payload)
	info, _, err := ParseBytes(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("dataitem: reparse after build: %w", err)
	}
	return info, raw, nil
}

// VerifySignature checks a parsed data item's signature against its
// payload for signature types the server can verify locally. Other
// types return true; the gateway leans on their structural validation
// only.
func VerifySignature(info *Info, payload []byte) bool {
	switch info.SignatureType {
	case SignatureEthereum:
		digest := signingDigest(info.SignatureType, info.Owner, info.Target, info.Anchor, encodeTags(info.Tags), payload)
		return VerifyMessage(info.Owner, digest[:], info.Signature)
	default:
		return true
	}
}

// canonicalTags fixes the tag order: Content-Type first, caller tags
// next, bundler provenance tags last.
func canonicalTags(p BuildParams) []Tag {
	contentType := p.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	tags := make([]Tag, 0, len(p.Tags)+7)
	tags = append(tags, Tag{Name: "Content-Type", Value: contentType})
	for _, t := range p.Tags {
		if t.Name == "Content-Type" {
			continue
		}
		tags = append(tags, t)
	}
	tags = append(tags, Tag{Name: "Bundler", Value: bundlerAppName})
	tags = append(tags, Tag{Name: "Upload-Type", Value: uploadTypeTag})
	if p.PayerAddress != "" {
		tags = append(tags, Tag{Name: "Payer-Address", Value: p.PayerAddress})
	}
	if p.TxHash != "" {
		tags = append(tags, Tag{Name: "X402-TX-Hash", Value: p.TxHash})
	}
	if p.PaymentID != "" {
		tags = append(tags, Tag{Name: "X402-Payment-ID", Value: p.PaymentID})
	}
	if p.Network != "" {
		tags = append(tags, Tag{Name: "X402-Network", Value: p.Network})
	}
	if !p.Timestamp.IsZero() {
		tags = append(tags, Tag{Name: "Upload-Timestamp", Value: strconv.FormatInt(p.Timestamp.UnixMilli(), 10)})
	}
	return tags
}

// signingDigest computes the ANS-104 deep hash a data item signature
// commits to.
func signingDigest(sigType int, owner, target, anchor, tagBytes, payload []byte) [48]byte {
	return DeepHash([][]byte{
		[]byte("dataitem"),
		[]byte("1"),
		[]byte(strconv.Itoa(sigType)),
		owner,
		target,
		anchor,
		tagBytes,
		payload,
	})
}

func serialize(sigType int, signature, owner, target, anchor []byte, tags []Tag, tagBytes, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(2 + len(signature) + len(owner) + 2 + 64 + 16 + len(tagBytes) + len(payload))

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(sigType))
	buf.Write(u16[:])
	buf.Write(signature)
	buf.Write(owner)
	writeOptionalField(&buf, target)
	writeOptionalField(&buf, anchor)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(tags)))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(len(tagBytes)))
	buf.Write(u64[:])
	buf.Write(tagBytes)
	buf.Write(payload)
	return buf.Bytes()
}

func writeOptionalField(buf *bytes.Buffer, field []byte) {
	if len(field) == 0 {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(field)
}
