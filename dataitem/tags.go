package dataitem

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tags travel inside the data item as an Avro array of {name, value}
// records: a zigzag-varint element count, the records, then a zero
// terminator. Negative block counts (which Avro uses to prefix a byte
// size) are not produced by any bundler we interoperate with and are
// rejected.

func encodeTags(tags []Tag) []byte {
	if len(tags) == 0 {
		return nil
	}
	var buf bytes.Buffer
	writeZigZag(&buf, int64(len(tags)))
	for _, t := range tags {
		writeZigZag(&buf, int64(len(t.Name)))
		buf.WriteString(t.Name)
		writeZigZag(&buf, int64(len(t.Value)))
		buf.WriteString(t.Value)
	}
	writeZigZag(&buf, 0)
	return buf.Bytes()
}

func decodeTags(raw []byte, expected uint64) ([]Tag, error) {
	if expected == 0 {
		return nil, nil
	}
	r := bytes.NewReader(raw)
	tags := make([]Tag, 0, expected)
	for {
		count, err := readZigZag(r)
		if err != nil {
			return nil, fmt.Errorf("%w: tag block count", ErrMalformed)
		}
		if count == 0 {
			break
		}
		if count < 0 {
			return nil, fmt.Errorf("%w: negative tag block count", ErrMalformed)
		}
		for i := int64(0); i < count; i++ {
			name, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("%w: tag name", ErrMalformed)
			}
			value, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("%w: tag value", ErrMalformed)
			}
			tags = append(tags, Tag{Name: name, Value: value})
		}
	}
	if uint64(len(tags)) != expected {
		return nil, fmt.Errorf("%w: tag count mismatch: header %d, block %d", ErrMalformed, expected, len(tags))
	}
	return tags, nil
}

func writeZigZag(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64((v<<1)^(v>>63)))
	buf.Write(tmp[:n])
}

func readZigZag(r *bytes.Reader) (int64, error) {
	u, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readZigZag(r)
	if err != nil {
		return "", err
	}
	if n < 0 || int64(r.Len()) < n {
		return "", ErrMalformed
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
