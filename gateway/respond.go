package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"bundlergw/ledger"
	"bundlergw/multipart"
	"bundlergw/storage"
	"bundlergw/x402"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto transport codes: payment failures are
// 402, binding conflicts 409, missing resources 404, and anything else
// surfaces as a 503 so clients retry against a healthy replica.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *x402.InvalidError
	var settlement *x402.SettlementError
	var topUp *multipart.TopUpRequiredError

	switch {
	case errors.As(err, &topUp):
		s.writeTopUpRequired(w, r, topUp)
	case errors.As(err, &invalid):
		s.metrics.UploadRejected("payment_invalid")
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: invalid.Error()})
	case errors.As(err, &settlement):
		s.metrics.UploadRejected("settlement_failed")
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: settlement.Error()})
	case errors.Is(err, multipart.ErrFraudDetected):
		s.metrics.UploadRejected("fraud")
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: err.Error()})
	case errors.Is(err, multipart.ErrDepositBound),
		errors.Is(err, ledger.ErrAlreadyLinked):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, multipart.ErrDepositTooSmall),
		errors.Is(err, multipart.ErrTooManyUploads),
		errors.Is(err, multipart.ErrUploadExpired),
		errors.Is(err, multipart.ErrUploadClosed):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, multipart.ErrDepositNotFound),
		errors.Is(err, multipart.ErrUploadNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, storage.ErrDataItemNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		s.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporary failure, retry later"})
	}
}

// writePaymentRequired answers 402 with the quote the client must satisfy.
func (s *Server) writePaymentRequired(w http.ResponseWriter, r *http.Request, network string, netCfg NetworkConfig, amount string, reason string) {
	doc := x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Accepts: []x402.PaymentRequirements{
			s.requirementsFor(r, network, netCfg, amount),
		},
		Error: reason,
	}
	writeJSON(w, http.StatusPaymentRequired, doc)
}

func (s *Server) writeTopUpRequired(w http.ResponseWriter, r *http.Request, topUp *multipart.TopUpRequiredError) {
	network, netCfg, ok := s.networkFor(chiToken(r).Network)
	if !ok {
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: topUp.Error()})
		return
	}
	s.writePaymentRequired(w, r, network, netCfg, topUp.DeficitUSDC.String(), topUp.Error())
}

func (s *Server) requirementsFor(r *http.Request, network string, netCfg NetworkConfig, amount string) x402.PaymentRequirements {
	mime := r.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           network,
		MaxAmountRequired: amount,
		Resource:          r.URL.Path,
		Description:       "bundlergw upload",
		MimeType:          mime,
		PayTo:             netCfg.PayTo,
		MaxTimeoutSeconds: s.cfg.PaymentTimeoutSeconds,
		Asset:             netCfg.Asset,
		Extra: map[string]string{
			"name":    netCfg.AssetName,
			"version": netCfg.AssetVersion,
		},
	}
}
