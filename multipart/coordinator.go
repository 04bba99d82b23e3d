// Package multipart implements the two-stage paid upload: a USDC deposit
// opens a session, chunks stream into the object store, and finalize
// settles the true price against the assembled size.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bundlergw/dataitem"
	"bundlergw/ledger"
	"bundlergw/objectstore"
	"bundlergw/pricing"
	"bundlergw/queue"
	"bundlergw/storage"
)

var (
	// ErrDepositNotFound means no ledger row matches the deposit payment id.
	ErrDepositNotFound = errors.New("multipart: deposit payment not found")
	// ErrDepositTooSmall means the deposit is under the configured floor.
	ErrDepositTooSmall = errors.New("multipart: deposit below minimum")
	// ErrDepositBound means the deposit already opened another upload.
	ErrDepositBound = errors.New("multipart: deposit already bound to an upload")
	// ErrTooManyUploads enforces the per-payer concurrent session cap.
	ErrTooManyUploads = errors.New("multipart: too many in-flight uploads for payer")
	// ErrUploadNotFound means no session matches the upload id.
	ErrUploadNotFound = errors.New("multipart: upload not found")
	// ErrUploadClosed means the session already reached a terminal state.
	ErrUploadClosed = errors.New("multipart: upload already finalized or failed")
	// ErrUploadExpired means the session TTL elapsed before finalize.
	ErrUploadExpired = errors.New("multipart: upload expired")
	// ErrFraudDetected means the assembled size exceeded the declared size
	// beyond tolerance; all linked payments were penalized.
	ErrFraudDetected = errors.New("multipart: assembled size exceeds declared size")
)

// TopUpRequiredError reports an underfunded finalize. No state changes;
// the caller answers 402 with a payment requirement for the deficit.
type TopUpRequiredError struct {
	RequiredUSDC *big.Int
	PaidUSDC     *big.Int
	DeficitUSDC  *big.Int
}

func (e *TopUpRequiredError) Error() string {
	return fmt.Sprintf("multipart: top-up required: paid %s of %s USDC atomic", e.PaidUSDC, e.RequiredUSDC)
}

// Config tunes session lifetime and settlement tolerances.
type Config struct {
	// TTLHours bounds the session lifetime. Default 24.
	TTLHours int
	// MaxPerAddress caps concurrent in-flight sessions per payer. Default 10.
	MaxPerAddress int
	// FraudTolerancePercent allows the assembled size to exceed the
	// declared size by this much before penalizing. Default 10.
	FraudTolerancePercent int64
	// RefundThresholdPercent refunds the overage when payments exceed the
	// required amount by more than this. Default 10.
	RefundThresholdPercent int64
}

func (c Config) withDefaults() Config {
	if c.TTLHours <= 0 {
		c.TTLHours = 24
	}
	if c.MaxPerAddress <= 0 {
		c.MaxPerAddress = 10
	}
	if c.FraudTolerancePercent <= 0 {
		c.FraudTolerancePercent = 10
	}
	if c.RefundThresholdPercent <= 0 {
		c.RefundThresholdPercent = 10
	}
	return c
}

// Enqueuer is the slice of the job queue the coordinator needs.
type Enqueuer interface {
	Enqueue(queueName string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Coordinator owns multipart upload sessions and their deposit coupling.
type Coordinator struct {
	cfg     Config
	db      *gorm.DB
	ledger  *ledger.Ledger
	oracle  *pricing.Oracle
	objects objectstore.Store
	jobs    Enqueuer
	log     *slog.Logger
	nowFn   func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFn = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New wires the coordinator over the shared database handle.
func New(cfg Config, db *gorm.DB, led *ledger.Ledger, oracle *pricing.Oracle, objects objectstore.Store, jobs Enqueuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		db:      db,
		ledger:  led,
		oracle:  oracle,
		objects: objects,
		jobs:    jobs,
		log:     slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func uploadKey(uploadID string) string {
	return "multipart/" + uploadID
}

// CreateUpload opens a session against a settled deposit. Deposit check,
// payment binding and session insert happen in one transaction so a
// deposit can never open two sessions.
func (c *Coordinator) CreateUpload(ctx context.Context, depositPaymentID string, chunkSize int64) (*storage.MultipartUpload, error) {
	if chunkSize <= 0 {
		chunkSize = pricing.DefaultChunkSize
	}
	now := c.nowFn()
	upload := &storage.MultipartUpload{
		UploadID:         uuid.NewString(),
		ChunkSize:        chunkSize,
		DepositPaymentID: depositPaymentID,
		State:            storage.UploadInFlight,
		CreatedAt:        now,
		TTLExpiresAt:     now.Add(time.Duration(c.cfg.TTLHours) * time.Hour),
	}
	upload.UploadKey = uploadKey(upload.UploadID)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deposit ledger.PaymentRecord
		if err := tx.First(&deposit, "payment_id = ?", depositPaymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDepositNotFound
			}
			return err
		}
		if deposit.Status != ledger.StatusPendingValidation || deposit.UploadID != nil {
			return ErrDepositBound
		}
		if deposit.USDCBig().Cmp(c.oracle.DepositUSDC()) < 0 {
			return fmt.Errorf("%w: %s USDC atomic", ErrDepositTooSmall, deposit.USDCAmount)
		}

		var inFlight int64
		if err := tx.Model(&storage.MultipartUpload{}).
			Where("payer_address = ? AND state = ?", deposit.PayerAddress, storage.UploadInFlight).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight >= int64(c.cfg.MaxPerAddress) {
			return fmt.Errorf("%w: %d in flight", ErrTooManyUploads, inFlight)
		}

		res := tx.Model(&ledger.PaymentRecord{}).
			Where("payment_id = ? AND upload_id IS NULL", depositPaymentID).
			Update("upload_id", upload.UploadID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDepositBound
		}

		upload.PayerAddress = deposit.PayerAddress
		return tx.Create(upload).Error
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("multipart upload created",
		"uploadId", upload.UploadID, "payer", upload.PayerAddress, "deposit", depositPaymentID)
	return upload, nil
}

// PutChunk streams one chunk into the session's native multipart upload.
// No payment re-check happens here.
func (c *Coordinator) PutChunk(ctx context.Context, uploadID string, offset int64, r io.Reader) (int64, error) {
	upload, err := c.getInFlight(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	n, err := c.objects.PutPart(ctx, upload.UploadKey, offset, r)
	if err != nil {
		return 0, fmt.Errorf("multipart: put chunk at %d: %w", offset, err)
	}
	return n, nil
}

// Status returns the session row.
func (c *Coordinator) Status(ctx context.Context, uploadID string) (*storage.MultipartUpload, error) {
	var upload storage.MultipartUpload
	if err := c.db.WithContext(ctx).First(&upload, "upload_id = ?", uploadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	return &upload, nil
}

// FinalizeResult reports a successful settlement.
type FinalizeResult struct {
	Upload       *storage.MultipartUpload
	Info         *dataitem.Info
	TotalSize    int64
	PaidUSDC     *big.Int
	RequiredUSDC *big.Int
}

// Finalize assembles the uploaded chunks, settles the true price against
// every payment bound to the session, and hands the data item to the
// bundling pipeline. Safe to retry: a finalized session short-circuits.
func (c *Coordinator) Finalize(ctx context.Context, uploadID string, declaredByteCount int64) (*FinalizeResult, error) {
	upload, err := c.Status(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	switch upload.State {
	case storage.UploadFinalized:
		return c.finalizedResult(ctx, upload)
	case storage.UploadFailed:
		return nil, fmt.Errorf("%w: %s", ErrUploadClosed, upload.FailedReason)
	}
	if c.nowFn().After(upload.TTLExpiresAt) {
		c.failUpload(ctx, upload, "ttl_expired")
		return nil, ErrUploadExpired
	}

	paid, payments, err := c.ledger.SumForUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ErrDepositNotFound
	}

	totalSize, err := c.objects.CompleteMultipart(ctx, upload.UploadKey)
	if err != nil {
		// A prior finalize may already have consumed the parts (e.g. it
		// answered with a top-up requirement). The assembled object is the
		// durable artifact.
		size, herr := c.objects.Head(ctx, upload.UploadKey)
		if herr != nil {
			return nil, fmt.Errorf("multipart: assemble: %w", err)
		}
		totalSize = size
	}

	// Fraud gate: declared size bounds what the deposit was quoted for.
	limit := declaredByteCount + declaredByteCount*c.cfg.FraudTolerancePercent/100
	if declaredByteCount > 0 && totalSize > limit {
		c.penalize(ctx, upload, payments, totalSize)
		return nil, fmt.Errorf("%w: declared %d, assembled %d", ErrFraudDetected, declaredByteCount, totalSize)
	}

	info, err := c.parseAssembled(ctx, upload.UploadKey)
	if err != nil {
		c.failUpload(ctx, upload, "invalid_data_item")
		return nil, err
	}

	quote, err := c.oracle.QuoteDataItem(ctx, totalSize, int64(len(info.Tags)))
	if err != nil {
		return nil, err
	}
	if paid.Cmp(quote.USDCAtomic) < 0 {
		return nil, &TopUpRequiredError{
			RequiredUSDC: quote.USDCAtomic,
			PaidUSDC:     paid,
			DeficitUSDC:  new(big.Int).Sub(quote.USDCAtomic, paid),
		}
	}

	if err := c.settle(ctx, payments, paid, quote, totalSize); err != nil {
		return nil, err
	}
	if err := c.promote(ctx, upload, info, totalSize, quote.Winc.String()); err != nil {
		return nil, err
	}

	upload.State = storage.UploadFinalized
	upload.DataItemID = info.ID
	return &FinalizeResult{
		Upload:       upload,
		Info:         info,
		TotalSize:    totalSize,
		PaidUSDC:     paid,
		RequiredUSDC: quote.USDCAtomic,
	}, nil
}

// settle moves every linked payment to a terminal status. When the total
// exceeds the requirement beyond the refund threshold, the overage
// accrues as internal credit on the last payment.
func (c *Coordinator) settle(ctx context.Context, payments []ledger.PaymentRecord, paid *big.Int, quote *pricing.Quote, totalSize int64) error {
	refundLast := false
	threshold := new(big.Int).Mul(quote.USDCAtomic, big.NewInt(100+c.cfg.RefundThresholdPercent))
	threshold.Div(threshold, big.NewInt(100))
	if paid.Cmp(threshold) > 0 {
		refundLast = true
	}

	for i := range payments {
		params := ledger.FinalizeParams{
			PaymentID:       payments[i].PaymentID,
			ActualByteCount: totalSize,
			Status:          ledger.StatusConfirmed,
		}
		if refundLast && i == len(payments)-1 {
			params.Status = ledger.StatusRefunded
			params.RefundWinc = refundWinc(paid, quote)
		}
		if err := c.ledger.Finalize(ctx, params); err != nil && !errors.Is(err, ledger.ErrNotPending) {
			return err
		}
	}
	return nil
}

// refundWinc converts the USDC overage into winston credit at the quoted
// rate.
func refundWinc(paid *big.Int, quote *pricing.Quote) string {
	excess := new(big.Int).Sub(paid, quote.USDCAtomic)
	if excess.Sign() <= 0 || quote.USDCAtomic.Sign() == 0 {
		return "0"
	}
	winc := new(big.Int).Mul(excess, quote.Winc)
	winc.Div(winc, quote.USDCAtomic)
	return winc.String()
}

// promote copies the assembled object to its content-addressed key,
// records the data item and enqueues the pipeline job.
func (c *Coordinator) promote(ctx context.Context, upload *storage.MultipartUpload, info *dataitem.Info, totalSize int64, assessedWinc string) error {
	rc, _, err := c.objects.Get(ctx, upload.UploadKey)
	if err != nil {
		return fmt.Errorf("multipart: open assembled object: %w", err)
	}
	defer rc.Close()
	if _, err := c.objects.Put(ctx, objectstore.RawDataItemPrefix+info.ID, rc); err != nil {
		return fmt.Errorf("multipart: promote object: %w", err)
	}

	now := c.nowFn()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&storage.MultipartUpload{}).
			Where("upload_id = ? AND state = ?", upload.UploadID, storage.UploadInFlight).
			Updates(map[string]interface{}{"state": storage.UploadFinalized, "data_item_id": info.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUploadClosed
		}
		item := &storage.NewDataItem{}
		item.DataItemID = info.ID
		item.OwnerAddress = info.OwnerAddress
		item.ByteCount = totalSize
		item.PayloadDataStart = info.PayloadDataStart
		item.PayloadContentType = info.ContentType
		item.SignatureType = info.SignatureType
		item.UploadedAt = now
		item.AssessedWinc = assessedWinc
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(item).Error
	})
	if err != nil {
		if derr := c.objects.Delete(ctx, objectstore.RawDataItemPrefix+info.ID); derr != nil {
			c.log.Error("delete orphan object", "id", info.ID, "error", derr)
		}
		return err
	}

	if _, err := c.jobs.Enqueue(queue.NewDataItem, map[string]string{"dataItemId": info.ID}); err != nil {
		c.log.Error("enqueue new-data-item", "id", info.ID, "error", err)
	}
	if info.IsBundle() {
		if _, err := c.jobs.Enqueue(queue.UnbundleBDI, map[string]string{"dataItemId": info.ID}); err != nil {
			c.log.Error("enqueue unbundle-bdi", "id", info.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) penalize(ctx context.Context, upload *storage.MultipartUpload, payments []ledger.PaymentRecord, totalSize int64) {
	for i := range payments {
		err := c.ledger.Finalize(ctx, ledger.FinalizeParams{
			PaymentID:       payments[i].PaymentID,
			ActualByteCount: totalSize,
			Status:          ledger.StatusFraudPenalty,
		})
		if err != nil && !errors.Is(err, ledger.ErrNotPending) {
			c.log.Error("penalize payment", "paymentId", payments[i].PaymentID, "error", err)
		}
	}
	c.failUpload(ctx, upload, "fraud_penalty")
}

func (c *Coordinator) failUpload(ctx context.Context, upload *storage.MultipartUpload, reason string) {
	err := c.db.WithContext(ctx).Model(&storage.MultipartUpload{}).
		Where("upload_id = ? AND state = ?", upload.UploadID, storage.UploadInFlight).
		Updates(map[string]interface{}{"state": storage.UploadFailed, "failed_reason": reason}).Error
	if err != nil {
		c.log.Error("fail upload", "uploadId", upload.UploadID, "error", err)
	}
	if aerr := c.objects.AbortMultipart(ctx, upload.UploadKey); aerr != nil {
		c.log.Error("abort multipart", "uploadId", upload.UploadID, "error", aerr)
	}
}

func (c *Coordinator) getInFlight(ctx context.Context, uploadID string) (*storage.MultipartUpload, error) {
	upload, err := c.Status(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.State != storage.UploadInFlight {
		return nil, ErrUploadClosed
	}
	if c.nowFn().After(upload.TTLExpiresAt) {
		return nil, ErrUploadExpired
	}
	return upload, nil
}

// finalizedResult reconstructs the result of an already-finalized
// session so replayed finalize requests stay idempotent.
func (c *Coordinator) finalizedResult(ctx context.Context, upload *storage.MultipartUpload) (*FinalizeResult, error) {
	info, err := c.parseAssembled(ctx, objectstore.RawDataItemPrefix+upload.DataItemID)
	if err != nil {
		return nil, err
	}
	paid, _, err := c.ledger.SumForUpload(ctx, upload.UploadID)
	if err != nil {
		return nil, err
	}
	size, err := c.objects.Head(ctx, objectstore.RawDataItemPrefix+upload.DataItemID)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{Upload: upload, Info: info, TotalSize: size, PaidUSDC: paid}, nil
}

func (c *Coordinator) parseAssembled(ctx context.Context, key string) (*dataitem.Info, error) {
	rc, _, err := c.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("multipart: open %s: %w", key, err)
	}
	defer rc.Close()
	info, err := dataitem.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("multipart: parse assembled upload: %w", err)
	}
	return info, nil
}
