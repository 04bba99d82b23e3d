package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"bundlergw/dataitem"
	"bundlergw/ledger"
	"bundlergw/objectstore"
	"bundlergw/pricing"
	"bundlergw/queue"
	"bundlergw/storage"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *fakeQueue) Enqueue(queueName string, payload any, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queueName)
	return "job-1", nil
}

type env struct {
	store   *storage.Store
	ledger  *ledger.Ledger
	objects *objectstore.Memory
	jobs    *fakeQueue
	coord   *Coordinator
	wallet  *dataitem.Wallet
	now     time.Time
}

func newEnv(t *testing.T, mpCfg Config, priceCfg pricing.Config) *env {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:multipart-%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	led := ledger.New(store.DB())
	if err := led.AutoMigrate(); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	wallet, err := dataitem.GenerateWallet()
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}

	e := &env{
		store:   store,
		ledger:  led,
		objects: objectstore.NewMemory(),
		jobs:    &fakeQueue{},
		wallet:  wallet,
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	oracle := pricing.NewOracle(priceCfg, pricing.FixedRateSource{Rate: big.NewRat(10, 1)})
	e.coord = New(mpCfg, store.DB(), led, oracle, e.objects, e.jobs,
		WithClock(func() time.Time { return e.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return e
}

func (e *env) deposit(t *testing.T, txHash, payer string, amount int64) *ledger.PaymentRecord {
	t.Helper()
	rec, err := e.ledger.Insert(context.Background(), &ledger.PaymentRecord{
		TxHash:       txHash,
		Network:      "base-sepolia",
		PayerAddress: payer,
		USDCAmount:   fmt.Sprintf("%d", amount),
		Mode:         ledger.ModeTopup,
	})
	if err != nil {
		t.Fatalf("insert deposit: %v", err)
	}
	return rec
}

func (e *env) signedItem(t *testing.T, payloadSize int) []byte {
	t.Helper()
	_, raw, err := e.wallet.Build(dataitem.BuildParams{
		Payload:   bytes.Repeat([]byte("a"), payloadSize),
		Timestamp: e.now,
	})
	if err != nil {
		t.Fatalf("build data item: %v", err)
	}
	return raw
}

func (e *env) uploadAll(t *testing.T, uploadID string, raw []byte) {
	t.Helper()
	half := len(raw) / 2
	if _, err := e.coord.PutChunk(context.Background(), uploadID, int64(half), bytes.NewReader(raw[half:])); err != nil {
		t.Fatalf("put chunk 2: %v", err)
	}
	if _, err := e.coord.PutChunk(context.Background(), uploadID, 0, bytes.NewReader(raw[:half])); err != nil {
		t.Fatalf("put chunk 1: %v", err)
	}
}

func TestCreateUploadBindsDeposit(t *testing.T) {
	e := newEnv(t, Config{}, pricing.Config{})
	ctx := context.Background()
	dep := e.deposit(t, "0xdep1", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if upload.State != storage.UploadInFlight {
		t.Fatalf("state = %s", upload.State)
	}

	bound, err := e.ledger.GetByID(ctx, dep.PaymentID)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if bound.UploadID == nil || *bound.UploadID != upload.UploadID {
		t.Fatalf("deposit not bound to upload")
	}

	if _, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0); !errors.Is(err, ErrDepositBound) {
		t.Fatalf("rebind err = %v, want ErrDepositBound", err)
	}
}

func TestCreateUploadValidatesDeposit(t *testing.T) {
	e := newEnv(t, Config{}, pricing.Config{})
	ctx := context.Background()

	if _, err := e.coord.CreateUpload(ctx, "missing-id", 0); !errors.Is(err, ErrDepositNotFound) {
		t.Fatalf("missing err = %v, want ErrDepositNotFound", err)
	}

	small := e.deposit(t, "0xsmall", "0xpayer", 500)
	if _, err := e.coord.CreateUpload(ctx, small.PaymentID, 0); !errors.Is(err, ErrDepositTooSmall) {
		t.Fatalf("small err = %v, want ErrDepositTooSmall", err)
	}

	confirmed := e.deposit(t, "0xdone", "0xpayer", 10_000)
	if err := e.ledger.Finalize(ctx, ledger.FinalizeParams{
		PaymentID: confirmed.PaymentID, Status: ledger.StatusConfirmed,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := e.coord.CreateUpload(ctx, confirmed.PaymentID, 0); !errors.Is(err, ErrDepositBound) {
		t.Fatalf("confirmed err = %v, want ErrDepositBound", err)
	}
}

func TestCreateUploadCapsInFlightPerPayer(t *testing.T) {
	e := newEnv(t, Config{MaxPerAddress: 1}, pricing.Config{})
	ctx := context.Background()

	first := e.deposit(t, "0xcap1", "0xsame", 10_000)
	if _, err := e.coord.CreateUpload(ctx, first.PaymentID, 0); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second := e.deposit(t, "0xcap2", "0xsame", 10_000)
	if _, err := e.coord.CreateUpload(ctx, second.PaymentID, 0); !errors.Is(err, ErrTooManyUploads) {
		t.Fatalf("err = %v, want ErrTooManyUploads", err)
	}
}

func TestFinalizeHappyPath(t *testing.T) {
	// Minimum payment equal to the deposit keeps the settlement inside the
	// refund threshold, so every payment confirms.
	e := newEnv(t, Config{}, pricing.Config{MinimumPaymentUSDC: 10_000})
	ctx := context.Background()
	dep := e.deposit(t, "0xhappy", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	raw := e.signedItem(t, 1024)
	e.uploadAll(t, upload.UploadID, raw)

	result, err := e.coord.Finalize(ctx, upload.UploadID, int64(len(raw)))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result.TotalSize != int64(len(raw)) {
		t.Fatalf("total size = %d, want %d", result.TotalSize, len(raw))
	}

	settled, err := e.ledger.GetByID(ctx, dep.PaymentID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if settled.Status != ledger.StatusConfirmed {
		t.Fatalf("payment status = %s, want confirmed", settled.Status)
	}

	if _, _, err := e.objects.Get(ctx, objectstore.RawDataItemPrefix+result.Info.ID); err != nil {
		t.Fatalf("promoted object missing: %v", err)
	}
	status, err := e.store.GetDataItemStatus(ctx, result.Info.ID)
	if err != nil {
		t.Fatalf("data item status: %v", err)
	}
	if status.Status != "pending" {
		t.Fatalf("data item status = %s, want pending", status.Status)
	}
	if len(e.jobs.jobs) != 1 || e.jobs.jobs[0] != queue.NewDataItem {
		t.Fatalf("jobs = %v", e.jobs.jobs)
	}

	// Replay is idempotent.
	again, err := e.coord.Finalize(ctx, upload.UploadID, int64(len(raw)))
	if err != nil {
		t.Fatalf("replay finalize: %v", err)
	}
	if again.Info.ID != result.Info.ID {
		t.Fatalf("replay id %s != %s", again.Info.ID, result.Info.ID)
	}
}

func TestFinalizeTopUpThenSettle(t *testing.T) {
	e := newEnv(t, Config{}, pricing.Config{MinimumPaymentUSDC: 50_000})
	ctx := context.Background()
	dep := e.deposit(t, "0xtopup", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	raw := e.signedItem(t, 256)
	e.uploadAll(t, upload.UploadID, raw)

	_, err = e.coord.Finalize(ctx, upload.UploadID, int64(len(raw)))
	var topUp *TopUpRequiredError
	if !errors.As(err, &topUp) {
		t.Fatalf("err = %v, want TopUpRequiredError", err)
	}
	if topUp.DeficitUSDC.Cmp(big.NewInt(40_000)) != 0 {
		t.Fatalf("deficit = %s, want 40000", topUp.DeficitUSDC)
	}

	// No state changed: deposit still pending, session still open.
	pendingDep, _ := e.ledger.GetByID(ctx, dep.PaymentID)
	if pendingDep.Status != ledger.StatusPendingValidation {
		t.Fatalf("deposit status = %s", pendingDep.Status)
	}
	session, _ := e.coord.Status(ctx, upload.UploadID)
	if session.State != storage.UploadInFlight {
		t.Fatalf("session state = %s", session.State)
	}

	topUpPayment := e.deposit(t, "0xtopup2", "0xpayer", 40_000)
	if err := e.ledger.LinkToUpload(ctx, topUpPayment.PaymentID, upload.UploadID); err != nil {
		t.Fatalf("link top-up: %v", err)
	}
	result, err := e.coord.Finalize(ctx, upload.UploadID, int64(len(raw)))
	if err != nil {
		t.Fatalf("finalize after top-up: %v", err)
	}
	if result.PaidUSDC.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("paid = %s, want 50000", result.PaidUSDC)
	}
}

func TestFinalizeRefundsExcessAsCredit(t *testing.T) {
	// Required price floors at 1000; a 10000 deposit exceeds the refund
	// threshold, so the overage accrues on the last payment.
	e := newEnv(t, Config{}, pricing.Config{})
	ctx := context.Background()
	dep := e.deposit(t, "0xexcess", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	raw := e.signedItem(t, 64)
	e.uploadAll(t, upload.UploadID, raw)

	if _, err := e.coord.Finalize(ctx, upload.UploadID, int64(len(raw))); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	settled, err := e.ledger.GetByID(ctx, dep.PaymentID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if settled.Status != ledger.StatusRefunded {
		t.Fatalf("status = %s, want refunded", settled.Status)
	}
	if settled.RefundWinc == "" || settled.RefundWinc == "0" {
		t.Fatalf("refund winc = %q", settled.RefundWinc)
	}
}

func TestFinalizeFraudPenalty(t *testing.T) {
	e := newEnv(t, Config{}, pricing.Config{})
	ctx := context.Background()
	dep := e.deposit(t, "0xfraud", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	raw := e.signedItem(t, 4096)
	e.uploadAll(t, upload.UploadID, raw)

	_, err = e.coord.Finalize(ctx, upload.UploadID, 16)
	if !errors.Is(err, ErrFraudDetected) {
		t.Fatalf("err = %v, want ErrFraudDetected", err)
	}
	penalized, _ := e.ledger.GetByID(ctx, dep.PaymentID)
	if penalized.Status != ledger.StatusFraudPenalty {
		t.Fatalf("status = %s, want fraud_penalty", penalized.Status)
	}
	session, _ := e.coord.Status(ctx, upload.UploadID)
	if session.State != storage.UploadFailed {
		t.Fatalf("session state = %s, want failed", session.State)
	}
}

func TestExpiredUploadRejected(t *testing.T) {
	e := newEnv(t, Config{TTLHours: 1}, pricing.Config{})
	ctx := context.Background()
	dep := e.deposit(t, "0xttl", "0xpayer", 10_000)

	upload, err := e.coord.CreateUpload(ctx, dep.PaymentID, 0)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	e.now = e.now.Add(2 * time.Hour)

	if _, err := e.coord.PutChunk(ctx, upload.UploadID, 0, bytes.NewReader([]byte("x"))); !errors.Is(err, ErrUploadExpired) {
		t.Fatalf("put err = %v, want ErrUploadExpired", err)
	}
	if _, err := e.coord.Finalize(ctx, upload.UploadID, 1); !errors.Is(err, ErrUploadExpired) {
		t.Fatalf("finalize err = %v, want ErrUploadExpired", err)
	}
	session, _ := e.coord.Status(ctx, upload.UploadID)
	if session.State != storage.UploadFailed {
		t.Fatalf("session state = %s, want failed", session.State)
	}
}
