package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bundlergw/ledger"
	"bundlergw/x402"
)

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetDataItemStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTxOffsets(w http.ResponseWriter, r *http.Request) {
	offsets, err := s.store.GetOffsets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offsets)
}

// handleDataItemPrice quotes an already-signed data item: the byte count is
// the full on-wire size, so no envelope overhead is added.
func (s *Server) handleDataItemPrice(w http.ResponseWriter, r *http.Request) {
	s.priceQuote(w, r, 0)
}

// handleDataPrice quotes raw payload bytes the server will wrap, so the
// quote covers the signed envelope and the system tags.
func (s *Server) handleDataPrice(w http.ResponseWriter, r *http.Request) {
	s.priceQuote(w, r, 8)
}

func (s *Server) priceQuote(w http.ResponseWriter, r *http.Request, tagCount int64) {
	token, err := x402.ParseToken(chi.URLParam(r, "token"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	network, netCfg, ok := s.networkFor(token.Network)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown payment network"})
		return
	}
	byteCount, err := strconv.ParseInt(chi.URLParam(r, "byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad byteCount"})
		return
	}
	quote, err := s.oracle.QuoteDataItem(r.Context(), byteCount, tagCount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"byteCount":  quote.ByteCount,
		"wireSize":   quote.WireSize,
		"winc":       quote.Winc.String(),
		"usdcAmount": quote.USDCAtomic.String(),
		"network":    network,
		"asset":      netCfg.Asset,
		"payTo":      netCfg.PayTo,
	})
}

// handleLegacyPrice quotes per (signatureType, address) with the byte count
// in the query string, answering with the full 402 requirements document the
// client will later present a payment against.
func (s *Server) handleLegacyPrice(w http.ResponseWriter, r *http.Request) {
	network, netCfg, ok := s.networkFor(r.URL.Query().Get("network"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown payment network"})
		return
	}
	byteCount, err := strconv.ParseInt(r.URL.Query().Get("byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad byteCount"})
		return
	}
	quote, err := s.oracle.QuoteDataItem(r.Context(), byteCount, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirements{s.requirementsFor(r, network, netCfg, quote.USDCAtomic.String())},
	})
}

// handleLegacyPayment creates a standalone payment, used as the deposit for
// chunked uploads. The payment stays unlinked until an upload claims it.
func (s *Server) handleLegacyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	network, netCfg, ok := s.networkFor(r.URL.Query().Get("network"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown payment network"})
		return
	}
	byteCount, err := strconv.ParseInt(r.URL.Query().Get("byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		byteCount = 0
	}
	quote, err := s.oracle.QuoteDataItem(ctx, byteCount, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	headerB64 := r.Header.Get(x402.PaymentHeader)
	if headerB64 == "" {
		s.writePaymentRequired(w, r, network, netCfg, quote.USDCAtomic.String(), "payment required")
		return
	}
	payment, err := s.admitPayment(ctx, headerB64, network, netCfg, quote, byteCount, ledger.ModePAYG)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.paymentResponseHeader(w, payment)
	writeJSON(w, http.StatusCreated, map[string]any{
		"paymentId":       payment.Record.PaymentID,
		"transactionHash": payment.TxHash,
		"network":         payment.Network,
		"usdcAmount":      payment.Record.USDCAmount,
	})
}
