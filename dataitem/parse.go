package dataitem

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrTruncated marks a stream that ended before the binary header was
	// complete.
	ErrTruncated = errors.New("dataitem: truncated header")
	// ErrUnknownSignatureType marks a signature type outside the registry.
	ErrUnknownSignatureType = errors.New("dataitem: unknown signature type")
	// ErrMalformed marks structural violations such as an invalid presence
	// byte or an oversized tag block.
	ErrMalformed = errors.New("dataitem: malformed header")
)

// MaxTagBytes bounds the serialized tag block. Anything larger is
// rejected before allocation.
const MaxTagBytes = 4096

// Tag is a single ANS-104 name/value pair.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Info is the decoded envelope of a signed data item. Payload bytes are
// not retained; PayloadDataStart locates them inside the raw stream.
type Info struct {
	ID               string
	SignatureType    int
	Signature        []byte
	Owner            []byte
	OwnerAddress     string
	Target           []byte
	Anchor           []byte
	Tags             []Tag
	PayloadDataStart int64
	ContentType      string
}

// ByteCountWithPayload returns the full data item size given the payload
// length that follows the header.
func (i *Info) ByteCountWithPayload(payloadLen int64) int64 {
	return i.PayloadDataStart + payloadLen
}

// IsBundle reports whether the item's tags declare a nested ANS-104
// bundle, i.e. its payload is itself a list of data items.
func (i *Info) IsBundle() bool {
	var format, version bool
	for _, tag := range i.Tags {
		switch tag.Name {
		case "Bundle-Format":
			format = tag.Value == "binary"
		case "Bundle-Version":
			version = tag.Value != ""
		}
	}
	return format && version
}

// Parse reads and validates the binary header of a signed data item from
// r, leaving r positioned at the first payload byte. The payload itself
// is never buffered.
func Parse(r io.Reader) (*Info, error) {
	var sigTypeBuf [2]byte
	if _, err := io.ReadFull(r, sigTypeBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: signature type", ErrTruncated)
	}
	sigType := int(binary.LittleEndian.Uint16(sigTypeBuf[:]))
	cfg, ok := ConfigFor(sigType)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignatureType, sigType)
	}

	signature := make([]byte, cfg.SignatureLength)
	if _, err := io.ReadFull(r, signature); err != nil {
		return nil, fmt.Errorf("%w: signature", ErrTruncated)
	}
	owner := make([]byte, cfg.OwnerLength)
	if _, err := io.ReadFull(r, owner); err != nil {
		return nil, fmt.Errorf("%w: owner", ErrTruncated)
	}

	offset := int64(2 + cfg.SignatureLength + cfg.OwnerLength)

	target, n, err := readOptionalField(r, "target")
	if err != nil {
		return nil, err
	}
	offset += n
	anchor, n, err := readOptionalField(r, "anchor")
	if err != nil {
		return nil, err
	}
	offset += n

	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: tag count", ErrTruncated)
	}
	tagCount := binary.LittleEndian.Uint64(countBuf[:])
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: tag bytes length", ErrTruncated)
	}
	tagBytesLen := binary.LittleEndian.Uint64(countBuf[:])
	if tagBytesLen > MaxTagBytes {
		return nil, fmt.Errorf("%w: tag block %d exceeds %d bytes", ErrMalformed, tagBytesLen, MaxTagBytes)
	}
	if tagCount == 0 && tagBytesLen != 0 {
		return nil, fmt.Errorf("%w: tag bytes without tags", ErrMalformed)
	}

	tagBytes := make([]byte, tagBytesLen)
	if _, err := io.ReadFull(r, tagBytes); err != nil {
		return nil, fmt.Errorf("%w: tags", ErrTruncated)
	}
	tags, err := decodeTags(tagBytes, tagCount)
	if err != nil {
		return nil, err
	}
	offset += 16 + int64(tagBytesLen)

	info := &Info{
		SignatureType:    sigType,
		Signature:        signature,
		Owner:            owner,
		Target:           target,
		Anchor:           anchor,
		Tags:             tags,
		PayloadDataStart: offset,
	}
	info.ID = IDForSignature(signature)
	info.OwnerAddress = ownerAddress(sigType, owner)
	for _, t := range tags {
		if t.Name == "Content-Type" {
			info.ContentType = t.Value
			break
		}
	}
	return info, nil
}

// ParseBytes parses a fully buffered data item and returns its payload
// slice alongside the header info.
func ParseBytes(raw []byte) (*Info, []byte, error) {
	info, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	if int64(len(raw)) < info.PayloadDataStart {
		return nil, nil, ErrTruncated
	}
	return info, raw[info.PayloadDataStart:], nil
}

// IDForSignature derives the data item id, the base64url-encoded SHA-256
// of the signature bytes.
func IDForSignature(signature []byte) string {
	sum := sha256.Sum256(signature)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LooksSigned reports whether the first two bytes of an upload look like
// a known ANS-104 signature type, used to route auto-detected uploads.
func LooksSigned(prefix []byte) bool {
	if len(prefix) < 2 {
		return false
	}
	return KnownSignatureType(int(binary.LittleEndian.Uint16(prefix[:2])))
}

func readOptionalField(r io.Reader, name string) ([]byte, int64, error) {
	var presence [1]byte
	if _, err := io.ReadFull(r, presence[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %s presence", ErrTruncated, name)
	}
	switch presence[0] {
	case 0:
		return nil, 1, nil
	case 1:
		field := make([]byte, 32)
		if _, err := io.ReadFull(r, field); err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrTruncated, name)
		}
		return field, 33, nil
	default:
		return nil, 0, fmt.Errorf("%w: %s presence byte %d", ErrMalformed, name, presence[0])
	}
}

func ownerAddress(sigType int, owner []byte) string {
	switch sigType {
	case SignatureEthereum, SignatureTypedEthereum, SignatureKyve:
		pub, err := crypto.UnmarshalPubkey(owner)
		if err != nil {
			return ""
		}
		return crypto.PubkeyToAddress(*pub).Hex()
	default:
		// Arweave-style addresses: base64url sha256 of the owner key.
		sum := sha256.Sum256(owner)
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}
}
