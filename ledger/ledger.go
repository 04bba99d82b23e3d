package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Payment modes.
const (
	ModePAYG   = "payg"
	ModeTopup  = "topup"
	ModeHybrid = "hybrid"
)

// Settlement provenance. Facilitator settles are broadcast on chain;
// authorization settles only verified the signed EIP-3009 authorization
// locally and must not be read as an on-chain transfer.
const (
	SettledByFacilitator   = "facilitator"
	SettledByAuthorization = "authorization"
)

// Payment statuses. pending_validation is the only state that can move.
const (
	StatusPendingValidation = "pending_validation"
	StatusConfirmed         = "confirmed"
	StatusRefunded          = "refunded"
	StatusFraudPenalty      = "fraud_penalty"
)

var (
	// ErrPaymentNotFound indicates no record matches the lookup.
	ErrPaymentNotFound = errors.New("ledger: payment not found")
	// ErrAlreadyLinked indicates the payment is bound to a different target.
	ErrAlreadyLinked = errors.New("ledger: payment already linked")
	// ErrNotPending indicates a finalize on a non-pending payment.
	ErrNotPending = errors.New("ledger: payment is not pending validation")
)

// PaymentRecord is one settled x402 payment. Amounts are decimal strings;
// arithmetic happens on math/big only, never through floats.
type PaymentRecord struct {
	PaymentID         string    `gorm:"primaryKey;size:36;column:payment_id"`
	TxHash            string    `gorm:"uniqueIndex;size:130;not null;column:tx_hash"`
	Network           string    `gorm:"size:32;index:idx_payments_network_paid,priority:1"`
	PayerAddress      string    `gorm:"size:64;index;index:idx_payments_payer_paid,priority:1"`
	USDCAmount        string    `gorm:"size:40;not null;column:usdc_amount"`
	WincAmount        string    `gorm:"size:40;column:winc_amount"`
	Mode              string    `gorm:"size:16;not null"`
	SettledBy         string    `gorm:"size:16;column:settled_by"`
	DataItemID        *string   `gorm:"size:64;index;column:data_item_id"`
	UploadID          *string   `gorm:"size:64;index;column:upload_id"`
	DeclaredByteCount int64     `gorm:"column:declared_byte_count"`
	ActualByteCount   int64     `gorm:"column:actual_byte_count"`
	Status            string    `gorm:"size:24;index:idx_payments_status_paid,priority:1;not null"`
	PaidAt            time.Time `gorm:"index:idx_payments_network_paid,priority:2;index:idx_payments_status_paid,priority:2;index:idx_payments_payer_paid,priority:2;not null"`
	FinalizedAt       *time.Time
	RefundWinc        string `gorm:"size:40;column:refund_winc"`
}

func (PaymentRecord) TableName() string { return "payments" }

// USDCBig parses the payment amount in atomic units.
func (p *PaymentRecord) USDCBig() *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(p.USDCAmount), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Ledger records settled payments idempotently keyed by transaction hash.
type Ledger struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

// New constructs a ledger over an existing database handle.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AutoMigrate creates or upgrades the payments table.
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&PaymentRecord{})
}

// Insert writes a payment in pending_validation. A transaction hash
// collision is success: the existing record is returned so that replayed
// requests reuse the same payment id.
func (l *Ledger) Insert(ctx context.Context, record *PaymentRecord) (*PaymentRecord, error) {
	if record.PaymentID == "" {
		record.PaymentID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = StatusPendingValidation
	}
	if record.PaidAt.IsZero() {
		record.PaidAt = l.nowFn()
	}
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: insert payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return l.GetByTxHash(ctx, record.TxHash)
	}
	return record, nil
}

// LinkToDataItem binds the payment to a data item. Linking is optimistic:
// the update only applies while the payment is unbound or already bound to
// the same id.
func (l *Ledger) LinkToDataItem(ctx context.Context, paymentID, dataItemID string) error {
	return l.link(ctx, paymentID, "data_item_id", dataItemID)
}

// LinkToUpload binds the payment to a multipart upload session.
func (l *Ledger) LinkToUpload(ctx context.Context, paymentID, uploadID string) error {
	return l.link(ctx, paymentID, "upload_id", uploadID)
}

func (l *Ledger) link(ctx context.Context, paymentID, column, target string) error {
	res := l.db.WithContext(ctx).Model(&PaymentRecord{}).
		Where("payment_id = ?", paymentID).
		Where(fmt.Sprintf("%s IS NULL OR %s = ?", column, column), target).
		Update(column, target)
	if res.Error != nil {
		return fmt.Errorf("ledger: link payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := l.GetByID(ctx, paymentID); err != nil {
			return err
		}
		return fmt.Errorf("%w: payment %s", ErrAlreadyLinked, paymentID)
	}
	return nil
}

// FinalizeParams closes out a pending payment.
type FinalizeParams struct {
	PaymentID       string
	ActualByteCount int64
	Status          string
	RefundWinc      string
}

// Finalize transitions pending_validation to a terminal status. Terminal
// records are immutable; a second finalize is rejected.
func (l *Ledger) Finalize(ctx context.Context, params FinalizeParams) error {
	switch params.Status {
	case StatusConfirmed, StatusRefunded, StatusFraudPenalty:
	default:
		return fmt.Errorf("ledger: invalid terminal status %q", params.Status)
	}
	now := l.nowFn()
	updates := map[string]interface{}{
		"status":            params.Status,
		"actual_byte_count": params.ActualByteCount,
		"finalized_at":      &now,
	}
	if params.RefundWinc != "" {
		updates["refund_winc"] = params.RefundWinc
	}
	res := l.db.WithContext(ctx).Model(&PaymentRecord{}).
		Where("payment_id = ? AND status = ?", params.PaymentID, StatusPendingValidation).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("ledger: finalize payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := l.GetByID(ctx, params.PaymentID); err != nil {
			return err
		}
		return fmt.Errorf("%w: payment %s", ErrNotPending, params.PaymentID)
	}
	return nil
}

// GetByID fetches one payment.
func (l *Ledger) GetByID(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	return l.get(ctx, "payment_id = ?", paymentID)
}

// GetByTxHash fetches the payment settled under the given transaction hash.
func (l *Ledger) GetByTxHash(ctx context.Context, txHash string) (*PaymentRecord, error) {
	return l.get(ctx, "tx_hash = ?", txHash)
}

// GetByDataItemID fetches the payment linked to a data item.
func (l *Ledger) GetByDataItemID(ctx context.Context, dataItemID string) (*PaymentRecord, error) {
	return l.get(ctx, "data_item_id = ?", dataItemID)
}

// GetByUploadID lists every payment linked to a multipart upload, oldest
// first. The deposit is always the first row.
func (l *Ledger) GetByUploadID(ctx context.Context, uploadID string) ([]PaymentRecord, error) {
	var records []PaymentRecord
	err := l.db.WithContext(ctx).
		Order("paid_at asc, payment_id asc").
		Find(&records, "upload_id = ?", uploadID).Error
	return records, err
}

// SumForUpload adds the USDC amounts of every payment bound to an upload.
func (l *Ledger) SumForUpload(ctx context.Context, uploadID string) (*big.Int, []PaymentRecord, error) {
	records, err := l.GetByUploadID(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	sum := new(big.Int)
	for i := range records {
		sum.Add(sum, records[i].USDCBig())
	}
	return sum, records, nil
}

func (l *Ledger) get(ctx context.Context, query string, args ...interface{}) (*PaymentRecord, error) {
	var record PaymentRecord
	if err := l.db.WithContext(ctx).First(&record, append([]interface{}{query}, args...)...).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &record, nil
}
