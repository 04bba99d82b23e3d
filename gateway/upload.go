package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bundlergw/dataitem"
	"bundlergw/ledger"
	"bundlergw/objectstore"
	"bundlergw/pricing"
	"bundlergw/queue"
	"bundlergw/storage"
	"bundlergw/x402"
)

// handleSignedUpload admits a client-signed ANS-104 data item.
func (s *Server) handleSignedUpload(w http.ResponseWriter, r *http.Request) {
	s.signedUpload(w, r, nil)
}

// handleLegacyTx auto-detects signed vs raw bodies by peeking at the 16-bit
// signature-type prefix. Bodies shorter than the minimal header are not a
// data item and are rejected outright.
func (s *Server) handleLegacyTx(w http.ResponseWriter, r *http.Request) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(r.Body, prefix); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body too short"})
		return
	}
	if dataitem.LooksSigned(prefix) {
		if r.ContentLength >= 0 && r.ContentLength < dataitem.MinHeaderSize {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "body shorter than data item header"})
			return
		}
		s.signedUpload(w, r, prefix)
		return
	}
	s.unsignedUpload(w, r, prefix)
}

func (s *Server) signedUpload(w http.ResponseWriter, r *http.Request, prefix []byte) {
	ctx := r.Context()
	network, netCfg, ok := s.networkFor(chiToken(r).Network)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown payment network"})
		return
	}

	// Parse the header only; the tee captures the consumed bytes so the
	// full stream can be replayed into the object store.
	var header bytes.Buffer
	body := io.Reader(r.Body)
	if len(prefix) > 0 {
		body = io.MultiReader(bytes.NewReader(prefix), body)
	}
	info, err := dataitem.Parse(io.TeeReader(body, &header))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed data item: " + err.Error()})
		return
	}

	announced := r.ContentLength
	free := s.isFreeUpload(info, announced)

	var payment *admittedPayment
	var quote *pricing.Quote
	if !free {
		// The quote is priced off the announced size; a chunked body with
		// no length would let a minimal quote admit an unbounded stream.
		if announced < 0 {
			s.metrics.UploadRejected("length_required")
			writeJSON(w, http.StatusLengthRequired, errorBody{Error: "Content-Length required for paid uploads"})
			return
		}
		quote, err = s.oracle.QuoteDataItem(ctx, maxInt64(announced, int64(header.Len())), int64(len(info.Tags)))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		headerB64 := r.Header.Get(x402.PaymentHeader)
		if headerB64 == "" {
			s.metrics.UploadRejected("payment_required")
			s.writePaymentRequired(w, r, network, netCfg, quote.USDCAtomic.String(), "payment required")
			return
		}
		payment, err = s.admitPayment(ctx, headerB64, network, netCfg, quote, announced, ledger.ModePAYG)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	stream := io.MultiReader(bytes.NewReader(header.Bytes()), body)
	s.storeAndRespond(w, r, info, stream, payment, quote, free)
}

// handleUnsignedUpload wraps raw payload bytes in a server-signed data item.
// Accepts either a JSON envelope or a binary body with X-Tag-* headers.
func (s *Server) handleUnsignedUpload(w http.ResponseWriter, r *http.Request) {
	s.unsignedUpload(w, r, nil)
}

func (s *Server) unsignedUpload(w http.ResponseWriter, r *http.Request, prefix []byte) {
	ctx := r.Context()
	if !s.cfg.RawUploadsEnabled {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "raw uploads are disabled"})
		return
	}
	network, netCfg, ok := s.networkFor(chiToken(r).Network)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown payment network"})
		return
	}

	payload, contentType, tags, err := readUnsignedBody(r, prefix)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	free := s.cfg.FreeUploadLimitBytes > 0 && int64(len(payload)) <= s.cfg.FreeUploadLimitBytes

	var payment *admittedPayment
	var quote *pricing.Quote
	if !free {
		quote, err = s.oracle.QuoteDataItem(ctx, int64(len(payload)), int64(len(tags)))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		headerB64 := r.Header.Get(x402.PaymentHeader)
		if headerB64 == "" {
			s.metrics.UploadRejected("payment_required")
			s.writePaymentRequired(w, r, network, netCfg, quote.USDCAtomic.String(), "payment required")
			return
		}
		payment, err = s.admitPayment(ctx, headerB64, network, netCfg, quote, int64(len(payload)), ledger.ModePAYG)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	params := dataitem.BuildParams{
		Payload:     payload,
		ContentType: contentType,
		Tags:        tags,
		Timestamp:   s.nowFn(),
	}
	if payment != nil {
		params.PayerAddress = payment.Record.PayerAddress
		params.PaymentID = payment.Record.PaymentID
		params.TxHash = payment.TxHash
		params.Network = payment.Network
	}
	info, raw, err := s.wallet.Build(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storeAndRespond(w, r, info, bytes.NewReader(raw), payment, quote, free)
}

// storeAndRespond finishes admission: raw bytes into the object store, the
// SQL row, the payment link, the pipeline jobs, then the signed receipt.
// Partial failures compensate so the object store and SQL never disagree.
func (s *Server) storeAndRespond(w http.ResponseWriter, r *http.Request, info *dataitem.Info, stream io.Reader, payment *admittedPayment, quote *pricing.Quote, free bool) {
	ctx := r.Context()
	key := objectstore.RawDataItemPrefix + info.ID

	size, err := s.objects.Put(ctx, key, stream)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The stored size is the ground truth; a body that outgrew the quoted
	// on-wire allowance was paid for a smaller object and is rejected with
	// the blob removed.
	if quote != nil && size > quote.WireSize {
		if derr := s.objects.Delete(ctx, key); derr != nil {
			s.log.Error("delete oversized object", "id", info.ID, "err", derr)
		}
		s.metrics.UploadRejected("size_exceeds_quote")
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: fmt.Sprintf("body is %d bytes but %d were quoted", size, quote.WireSize),
		})
		return
	}

	item := &storage.NewDataItem{}
	item.DataItemID = info.ID
	item.OwnerAddress = info.OwnerAddress
	item.ByteCount = size
	item.PayloadDataStart = info.PayloadDataStart
	item.PayloadContentType = info.ContentType
	item.SignatureType = info.SignatureType
	item.UploadedAt = s.nowFn()
	if quote != nil {
		item.AssessedWinc = quote.Winc.String()
	}
	if err := s.store.InsertNewDataItem(ctx, item); err != nil {
		if derr := s.objects.Delete(ctx, key); derr != nil {
			s.log.Error("delete orphan object", "id", info.ID, "err", derr)
		}
		s.writeError(w, r, err)
		return
	}

	if payment != nil {
		if err := s.ledger.LinkToDataItem(ctx, payment.Record.PaymentID, info.ID); err != nil {
			if !errors.Is(err, ledger.ErrAlreadyLinked) {
				s.writeError(w, r, err)
				return
			}
			// A replay of the same authorization already linked here.
			existing, lerr := s.ledger.GetByID(ctx, payment.Record.PaymentID)
			if lerr != nil || existing.DataItemID == nil || *existing.DataItemID != info.ID {
				s.writeError(w, r, err)
				return
			}
		}
	}

	if _, err := s.jobs.Enqueue(queue.NewDataItem, map[string]string{"dataItemId": info.ID}); err != nil {
		s.log.Error("enqueue new-data-item", "id", info.ID, "err", err)
	}
	if _, err := s.jobs.Enqueue(queue.OpticalPost, map[string]string{"dataItemId": info.ID}); err != nil {
		s.log.Warn("enqueue optical-post", "id", info.ID, "err", err)
	}
	if info.IsBundle() {
		if _, err := s.jobs.Enqueue(queue.UnbundleBDI, map[string]string{"dataItemId": info.ID}); err != nil {
			s.log.Warn("enqueue unbundle-bdi", "id", info.ID, "err", err)
		}
	}

	mode := "paid"
	if free {
		mode = "free"
	}
	s.metrics.UploadAdmitted(mode, size)

	receipt, err := s.signReceipt(ctx, info.ID, quote)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if payment != nil {
		s.paymentResponseHeader(w, payment)
		code = http.StatusCreated
	}
	writeJSON(w, code, receipt)
}

// signReceipt signs the admission receipt against the current chain tip.
func (s *Server) signReceipt(ctx context.Context, id string, quote *pricing.Quote) (*dataitem.Receipt, error) {
	height, err := s.chain.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := s.wallet.SignReceipt(id, height+s.cfg.DeadlineHeightDelta, s.nowFn().UnixMilli())
	if err != nil {
		return nil, err
	}
	receipt.Winc = "0"
	if quote != nil {
		receipt.Winc = quote.Winc.String()
	}
	receipt.DataCaches = s.cfg.DataCaches
	receipt.FastFinality = s.cfg.FastFinalityIndexes
	s.metrics.ReceiptSigned()
	return receipt, nil
}

func (s *Server) isFreeUpload(info *dataitem.Info, announced int64) bool {
	if s.whitelist[strings.ToLower(info.OwnerAddress)] {
		return true
	}
	if s.allowedSigs[info.SignatureType] {
		return true
	}
	return s.cfg.FreeUploadLimitBytes > 0 && announced >= 0 && announced <= s.cfg.FreeUploadLimitBytes
}

type unsignedEnvelope struct {
	Data        string `json:"data"`
	ContentType string `json:"contentType"`
	Tags        []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"tags"`
}

// readUnsignedBody accepts either the JSON envelope or a binary body whose
// tags arrive as X-Tag-* headers, converted kebab to proper case.
func readUnsignedBody(r *http.Request, prefix []byte) ([]byte, string, []dataitem.Tag, error) {
	body := io.Reader(r.Body)
	if len(prefix) > 0 {
		body = io.MultiReader(bytes.NewReader(prefix), body)
	}
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/json") && len(prefix) == 0 {
		var env unsignedEnvelope
		if err := json.NewDecoder(body).Decode(&env); err != nil {
			return nil, "", nil, errors.New("malformed upload envelope")
		}
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, "", nil, errors.New("envelope data is not base64")
		}
		tags := make([]dataitem.Tag, 0, len(env.Tags))
		for _, t := range env.Tags {
			tags = append(tags, dataitem.Tag{Name: t.Name, Value: t.Value})
		}
		return payload, env.ContentType, tags, nil
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, "", nil, errors.New("read body")
	}
	return payload, contentType, headerTags(r.Header), nil
}

// headerTags lifts X-Tag-* headers into data-item tags: x-tag-app-name
// becomes App-Name.
func headerTags(h http.Header) []dataitem.Tag {
	var tags []dataitem.Tag
	for name, values := range h {
		rest, ok := strings.CutPrefix(strings.ToLower(name), "x-tag-")
		if !ok || rest == "" || len(values) == 0 {
			continue
		}
		parts := strings.Split(rest, "-")
		for i, p := range parts {
			if p == "" {
				continue
			}
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
		tags = append(tags, dataitem.Tag{Name: strings.Join(parts, "-"), Value: values[0]})
	}
	return tags
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
