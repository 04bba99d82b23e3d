package gateway

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bundlergw/ledger"
	"bundlergw/multipart"
	"bundlergw/pricing"
	"bundlergw/storage"
	"bundlergw/x402"
)

// handleChunkGet serves two shapes: uploadID -1 creates a new multipart
// session against a deposit payment, anything else reports session status.
func (s *Server) handleChunkGet(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "-1" {
		s.createChunkedUpload(w, r)
		return
	}
	upload, err := s.uploads.Status(r.Context(), uploadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadView(upload))
}

// handleChunkPost puts one chunk at an offset; offset -1 finalizes.
func (s *Server) handleChunkPost(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	rawOffset := chi.URLParam(r, "offset")
	if rawOffset == "-1" {
		s.finalizeChunkedUpload(w, r, uploadID)
		return
	}
	offset, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad chunk offset"})
		return
	}
	n, err := s.uploads.PutChunk(r.Context(), uploadID, offset, r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploadId": uploadID, "offset": offset, "size": n})
}

func (s *Server) handleChunkFinalize(w http.ResponseWriter, r *http.Request) {
	s.finalizeChunkedUpload(w, r, chi.URLParam(r, "uploadID"))
}

// createChunkedUpload opens a session bound to a prior deposit payment. The
// deposit payment id arrives as a header or query parameter; the chunk size
// defaults to the oracle's chunk granularity.
func (s *Server) createChunkedUpload(w http.ResponseWriter, r *http.Request) {
	paymentID := r.Header.Get("X-Payment-Id")
	if paymentID == "" {
		paymentID = r.URL.Query().Get("paymentId")
	}
	if paymentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "deposit paymentId required"})
		return
	}
	chunkSize := int64(0)
	if raw := r.URL.Query().Get("chunkSize"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad chunkSize"})
			return
		}
		chunkSize = parsed
	}
	upload, err := s.uploads.CreateUpload(r.Context(), paymentID, chunkSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.MultipartSession("created")
	writeJSON(w, http.StatusCreated, uploadView(upload))
}

// finalizeChunkedUpload settles the session against the declared size and
// responds with a signed receipt. An underfunded session answers 402 with a
// top-up requirement and no state change; retrying with an X-PAYMENT header
// covering the deficit admits the top-up, binds it to the session and
// settles again in one request.
func (s *Server) finalizeChunkedUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	declared, err := strconv.ParseInt(r.Header.Get("X-Declared-Byte-Count"), 10, 64)
	if err != nil || declared <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "X-Declared-Byte-Count header required"})
		return
	}
	result, err := s.uploads.Finalize(r.Context(), uploadID, declared)
	var topUp *multipart.TopUpRequiredError
	if errors.As(err, &topUp) {
		if headerB64 := r.Header.Get(x402.PaymentHeader); headerB64 != "" {
			result, err = s.finalizeWithTopUp(r, uploadID, declared, headerB64, topUp)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.MultipartSession("finalized")
	s.metrics.UploadAdmitted("multipart", result.TotalSize)

	receipt, err := s.signReceipt(r.Context(), result.Info.ID, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Winc was assessed at finalize time and stored on the item row.
	if winc := s.assessedWinc(r, result.Info.ID); winc != "" {
		receipt.Winc = winc
	}
	writeJSON(w, http.StatusOK, receipt)
}

// finalizeWithTopUp admits the deficit payment presented with the finalize
// retry, binds it to the session and runs settlement again.
func (s *Server) finalizeWithTopUp(r *http.Request, uploadID string, declared int64, headerB64 string, topUp *multipart.TopUpRequiredError) (*multipart.FinalizeResult, error) {
	ctx := r.Context()
	network, netCfg, ok := s.networkFor(r.URL.Query().Get("network"))
	if !ok {
		return nil, &x402.InvalidError{Reason: "unknown payment network"}
	}
	quote := &pricing.Quote{USDCAtomic: topUp.DeficitUSDC, Winc: new(big.Int)}
	payment, err := s.admitPayment(ctx, headerB64, network, netCfg, quote, declared, ledger.ModeTopup)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.LinkToUpload(ctx, payment.Record.PaymentID, uploadID); err != nil {
		return nil, err
	}
	s.metrics.MultipartSession("topped_up")
	return s.uploads.Finalize(ctx, uploadID, declared)
}

func (s *Server) assessedWinc(r *http.Request, id string) string {
	var item storage.NewDataItem
	if err := s.store.DB().WithContext(r.Context()).
		First(&item, "data_item_id = ?", id).Error; err != nil {
		return ""
	}
	return item.AssessedWinc
}

func uploadView(u *storage.MultipartUpload) map[string]any {
	return map[string]any{
		"uploadId":     u.UploadID,
		"state":        u.State,
		"chunkSize":    u.ChunkSize,
		"payerAddress": u.PayerAddress,
		"dataItemId":   u.DataItemID,
		"ttlExpiresAt": u.TTLExpiresAt,
	}
}
