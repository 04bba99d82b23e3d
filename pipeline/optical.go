package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bundlergw/dataitem"
	"bundlergw/objectstore"
)

// OpticalPoster forwards newly admitted data item headers to optical
// bridge endpoints so indexers can surface the item before the bundle
// lands on chain. Posting is best-effort.
type OpticalPoster struct {
	endpoints []string
	objects   objectstore.Store
	http      *http.Client
}

// NewOpticalPoster constructs a poster for the given bridge URLs.
func NewOpticalPoster(endpoints []string, objects objectstore.Store) *OpticalPoster {
	cleaned := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return &OpticalPoster{
		endpoints: cleaned,
		objects:   objects,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// opticalHeader is the bridge wire format: the signed header fields
// without the payload.
type opticalHeader struct {
	ID            string         `json:"id"`
	Owner         string         `json:"owner"`
	OwnerAddress  string         `json:"owner_address"`
	SignatureType int            `json:"signature_type"`
	Tags          []dataitem.Tag `json:"tags"`
	ContentType   string         `json:"content_type,omitempty"`
	DataSize      int64          `json:"data_size"`
}

// Post reads the stored data item header and forwards it to every
// configured endpoint. The first error is returned after all endpoints
// were attempted.
func (o *OpticalPoster) Post(ctx context.Context, dataItemID string) error {
	if len(o.endpoints) == 0 {
		return nil
	}
	rc, size, err := o.objects.Get(ctx, objectstore.RawDataItemPrefix+dataItemID)
	if err != nil {
		return fmt.Errorf("pipeline: optical read %s: %w", dataItemID, err)
	}
	info, err := dataitem.Parse(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("pipeline: optical parse %s: %w", dataItemID, err)
	}

	body, err := json.Marshal(opticalHeader{
		ID:            info.ID,
		Owner:         base64RawURL(info.Owner),
		OwnerAddress:  info.OwnerAddress,
		SignatureType: info.SignatureType,
		Tags:          info.Tags,
		ContentType:   info.ContentType,
		DataSize:      size - info.PayloadDataStart,
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, endpoint := range o.endpoints {
		if err := o.post(ctx, endpoint, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *OpticalPoster) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: optical post to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pipeline: optical post to %s returned %d", endpoint, resp.StatusCode)
	}
	return nil
}

func base64RawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
