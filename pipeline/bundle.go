package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"bundlergw/dataitem"
	"bundlergw/objectstore"
	"bundlergw/storage"
)

// bundleEntry locates one data item inside an assembled bundle payload.
type bundleEntry struct {
	DataItemID string
	Size       int64
	Offset     int64
}

// assembleBundle writes the ANS-104 bundle payload for a plan's items
// into the object store at bundle-payload/{planId} and returns the
// total payload size plus per-item offsets.
//
// Layout: a 32-byte little-endian item count, one 64-byte header entry
// per item (32-byte size, 32-byte raw id), then the raw items in entry
// order.
func assembleBundle(ctx context.Context, objects objectstore.Store, planID string, items []storage.PlannedDataItem) (int64, []bundleEntry, error) {
	entries := make([]bundleEntry, len(items))
	headerSize := int64(32 + 64*len(items))
	offset := headerSize
	for i, item := range items {
		entries[i] = bundleEntry{DataItemID: item.DataItemID, Size: item.ByteCount, Offset: offset}
		offset += item.ByteCount
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeBundle(ctx, pw, objects, entries))
	}()

	size, err := objects.Put(ctx, objectstore.BundlePayloadPrefix+planID, pr)
	if err != nil {
		pr.CloseWithError(err)
		return 0, nil, fmt.Errorf("pipeline: write bundle payload for plan %s: %w", planID, err)
	}
	if size != offset {
		return 0, nil, fmt.Errorf("pipeline: bundle payload size %d, expected %d", size, offset)
	}
	return size, entries, nil
}

func writeBundle(ctx context.Context, w io.Writer, objects objectstore.Store, entries []bundleEntry) error {
	var count [32]byte
	binary.LittleEndian.PutUint64(count[:8], uint64(len(entries)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}

	var header [64]byte
	for _, e := range entries {
		for i := range header {
			header[i] = 0
		}
		binary.LittleEndian.PutUint64(header[:8], uint64(e.Size))
		rawID, err := base64.RawURLEncoding.DecodeString(e.DataItemID)
		if err != nil || len(rawID) != 32 {
			return fmt.Errorf("pipeline: data item id %q is not a 32-byte content address", e.DataItemID)
		}
		copy(header[32:], rawID)
		if _, err := w.Write(header[:]); err != nil {
			return err
		}
	}

	for _, e := range entries {
		rc, size, err := objects.Get(ctx, objectstore.RawDataItemPrefix+e.DataItemID)
		if err != nil {
			return fmt.Errorf("pipeline: open raw item %s: %w", e.DataItemID, err)
		}
		if size != e.Size {
			rc.Close()
			return fmt.Errorf("pipeline: raw item %s is %d bytes, recorded %d", e.DataItemID, size, e.Size)
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			return fmt.Errorf("pipeline: copy raw item %s: %w", e.DataItemID, err)
		}
		rc.Close()
	}
	return nil
}

// nestedBundle describes a bundle carried as a data item payload.
type nestedBundle struct {
	payloadStart int64
	entries      []bundleEntry
}

// parseNestedHeader parses a bundled data item: the outer ANS-104
// header followed by a bundle entry table in the payload.
func parseNestedHeader(r io.Reader) (*nestedBundle, error) {
	info, err := dataitem.Parse(r)
	if err != nil {
		return nil, err
	}
	entries, err := parseBundleHeader(r)
	if err != nil {
		return nil, err
	}
	return &nestedBundle{payloadStart: info.PayloadDataStart, entries: entries}, nil
}

// parseBundleHeader reads the entry table of an assembled bundle.
func parseBundleHeader(r io.Reader) ([]bundleEntry, error) {
	var count [32]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("pipeline: read bundle count: %w", err)
	}
	n := binary.LittleEndian.Uint64(count[:8])
	const maxItems = 1 << 20
	if n == 0 || n > maxItems {
		return nil, fmt.Errorf("pipeline: bundle item count %d out of range", n)
	}

	entries := make([]bundleEntry, n)
	offset := int64(32 + 64*n)
	var header [64]byte
	for i := range entries {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("pipeline: read bundle entry %d: %w", i, err)
		}
		size := int64(binary.LittleEndian.Uint64(header[:8]))
		entries[i] = bundleEntry{
			DataItemID: base64.RawURLEncoding.EncodeToString(header[32:]),
			Size:       size,
			Offset:     offset,
		}
		offset += size
	}
	return entries, nil
}
