package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bundlergw/ledger"
	"bundlergw/observability/logging"
	"bundlergw/pricing"
	"bundlergw/x402"
)

// admittedPayment is the outcome of verify → settle → insert. The ledger row
// is in pending_validation and not yet linked to a data item.
type admittedPayment struct {
	Record  *ledger.PaymentRecord
	TxHash  string
	Network string
}

func (s *Server) verifyTarget(network string, netCfg NetworkConfig, required *big.Int) x402.VerifyTarget {
	return x402.VerifyTarget{
		Network:           network,
		ChainID:           big.NewInt(netCfg.ChainID),
		MaxAmountRequired: required,
		PayTo:             netCfg.PayTo,
		Asset:             netCfg.Asset,
		AssetName:         netCfg.AssetName,
		AssetVersion:      netCfg.AssetVersion,
		MaxTimeoutSeconds: int64(s.cfg.PaymentTimeoutSeconds),
	}
}

// admitPayment runs the admission ordering: verify the authorization, settle
// through the facilitator pool, then insert the ledger row keyed by txHash.
// Replays of the same authorization collide on txHash and reuse the existing
// payment id. Without facilitators the txHash is derived from the
// authorization nonce and the row carries SettledByAuthorization so the
// ledger never passes it off as an on-chain transfer.
func (s *Server) admitPayment(ctx context.Context, headerB64, network string, netCfg NetworkConfig, quote *pricing.Quote, declaredByteCount int64, mode string) (*admittedPayment, error) {
	target := s.verifyTarget(network, netCfg, quote.USDCAtomic)
	result, err := s.cfg.Verifier.Verify(ctx, headerB64, target)
	if err != nil {
		s.log.Warn("payment rejected", "network", network,
			logging.MaskField(strings.ToLower(x402.PaymentHeader), headerB64), "err", err)
		return nil, err
	}

	txHash := "0x" + hex.EncodeToString(result.Nonce[:])
	settledBy := ledger.SettledByAuthorization
	if s.cfg.Facilitators != nil && s.cfg.Facilitators.Len() > 0 {
		payload, err := x402.DecodePaymentHeader(headerB64)
		if err != nil {
			return nil, &x402.InvalidError{Reason: "malformed payment header", Err: err}
		}
		settled, err := s.cfg.Facilitators.Settle(ctx, payload, target)
		if err != nil {
			return nil, err
		}
		txHash = settled.TransactionHash
		settledBy = ledger.SettledByFacilitator
	}

	record := &ledger.PaymentRecord{
		PaymentID:         uuid.NewString(),
		TxHash:            txHash,
		Network:           network,
		PayerAddress:      result.Payer,
		USDCAmount:        result.Amount.String(),
		WincAmount:        quote.Winc.String(),
		Mode:              mode,
		SettledBy:         settledBy,
		DeclaredByteCount: declaredByteCount,
		Status:            ledger.StatusPendingValidation,
		PaidAt:            s.nowFn(),
	}
	inserted, err := s.ledger.Insert(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	s.metrics.PaymentSettled(network)
	return &admittedPayment{Record: inserted, TxHash: txHash, Network: network}, nil
}

func (s *Server) paymentResponseHeader(w http.ResponseWriter, p *admittedPayment) {
	w.Header().Set(x402.PaymentResponseHeader, x402.EncodePaymentResponse(x402.PaymentResponse{
		PaymentID:       p.Record.PaymentID,
		TransactionHash: p.TxHash,
		Network:         p.Network,
		Mode:            p.Record.Mode,
	}))
}

// chiToken reads the {token} URL segment, tolerating its absence on legacy
// routes.
func chiToken(r *http.Request) x402.Token {
	raw := chi.URLParam(r, "token")
	if raw == "" {
		return x402.Token{Currency: "usdc"}
	}
	tok, err := x402.ParseToken(raw)
	if err != nil {
		return x402.Token{Currency: "usdc"}
	}
	return tok
}
