package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:ledgertest-%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	l := New(db)
	if err := l.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return l
}

func pending(txHash string) *PaymentRecord {
	return &PaymentRecord{
		TxHash:       txHash,
		Network:      "base-sepolia",
		PayerAddress: "0x3333333333333333333333333333333333333333",
		USDCAmount:   "15000",
		Mode:         ModePAYG,
	}
}

func TestInsertIdempotentOnTxHash(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Insert(ctx, pending("0xaaa"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	replay, err := l.Insert(ctx, pending("0xaaa"))
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if replay.PaymentID != first.PaymentID {
		t.Fatalf("replay id %s != original %s", replay.PaymentID, first.PaymentID)
	}

	var count int64
	if err := l.db.Model(&PaymentRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("payments = %d, want 1", count)
	}
}

func TestLinkRefusesRebinding(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	record, err := l.Insert(ctx, pending("0xbbb"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.LinkToDataItem(ctx, record.PaymentID, "item-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Re-linking to the same target is a no-op success (replay safety).
	if err := l.LinkToDataItem(ctx, record.PaymentID, "item-1"); err != nil {
		t.Fatalf("relink same: %v", err)
	}
	if err := l.LinkToDataItem(ctx, record.PaymentID, "item-2"); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("relink other err = %v, want ErrAlreadyLinked", err)
	}
}

func TestFinalizeIsMonotonic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	record, err := l.Insert(ctx, pending("0xccc"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Finalize(ctx, FinalizeParams{PaymentID: record.PaymentID, ActualByteCount: 42, Status: StatusConfirmed}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	err = l.Finalize(ctx, FinalizeParams{PaymentID: record.PaymentID, Status: StatusRefunded})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("second finalize err = %v, want ErrNotPending", err)
	}
	got, err := l.GetByID(ctx, record.PaymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed || got.ActualByteCount != 42 || got.FinalizedAt == nil {
		t.Fatalf("record = %+v", got)
	}
}

func TestFinalizeRejectsInvalidStatus(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Finalize(context.Background(), FinalizeParams{PaymentID: "x", Status: StatusPendingValidation}); err == nil {
		t.Fatal("expected invalid status rejection")
	}
}

func TestSumForUpload(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	deposit, err := l.Insert(ctx, pending("0xd01"))
	if err != nil {
		t.Fatalf("insert deposit: %v", err)
	}
	topup := pending("0xd02")
	topup.USDCAmount = "250000"
	topup.Mode = ModeTopup
	topupRec, err := l.Insert(ctx, topup)
	if err != nil {
		t.Fatalf("insert topup: %v", err)
	}
	if err := l.LinkToUpload(ctx, deposit.PaymentID, "upload-1"); err != nil {
		t.Fatalf("link deposit: %v", err)
	}
	if err := l.LinkToUpload(ctx, topupRec.PaymentID, "upload-1"); err != nil {
		t.Fatalf("link topup: %v", err)
	}

	sum, records, err := l.SumForUpload(ctx, "upload-1")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum.Cmp(big.NewInt(265000)) != 0 {
		t.Fatalf("sum = %s, want 265000", sum)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
}

func TestGetByTxHashMissing(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.GetByTxHash(context.Background(), "0xmissing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("err = %v, want ErrPaymentNotFound", err)
	}
}
