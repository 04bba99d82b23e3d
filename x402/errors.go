package x402

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPaymentRequired indicates the request carried no payment header.
	ErrPaymentRequired = errors.New("x402: payment required")
	// ErrVersionMismatch indicates an unsupported x402Version.
	ErrVersionMismatch = errors.New("x402: unsupported protocol version")
	// ErrSchemeMismatch indicates a scheme other than exact.
	ErrSchemeMismatch = errors.New("x402: unsupported scheme")
	// ErrNetworkMismatch indicates the payload targets a different network.
	ErrNetworkMismatch = errors.New("x402: network mismatch")
	// ErrAmountTooLow indicates the authorized value is below the quote.
	ErrAmountTooLow = errors.New("x402: authorized amount below requirement")
	// ErrRecipientMismatch indicates authorization.to differs from payTo.
	ErrRecipientMismatch = errors.New("x402: recipient mismatch")
	// ErrAuthorizationExpired indicates the validBefore window has closed or
	// leaves no room for settlement.
	ErrAuthorizationExpired = errors.New("x402: authorization expired")
	// ErrSignatureInvalid indicates the EIP-712 signature did not recover to
	// the claimed payer.
	ErrSignatureInvalid = errors.New("x402: signature invalid")
)

// InvalidError wraps a verification failure with the reason surfaced to the
// client in the 402 body.
type InvalidError struct {
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("x402: payment invalid: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("x402: payment invalid: %s", e.Reason)
}

func (e *InvalidError) Unwrap() error { return e.Err }

func invalid(reason string, err error) *InvalidError {
	return &InvalidError{Reason: reason, Err: err}
}

// SettlementError aggregates the per-facilitator failure reasons collected
// during sequential fallback.
type SettlementError struct {
	Reasons []string
}

func (e *SettlementError) Error() string {
	return "x402: settlement failed: " + strings.Join(e.Reasons, "; ")
}
