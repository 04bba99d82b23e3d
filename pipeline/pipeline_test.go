package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bundlergw/objectstore"
	"bundlergw/queue"
	"bundlergw/storage"
)

type fakeChain struct {
	mu        sync.Mutex
	postErr   error
	seedErr   error
	status    *TxStatus
	statusErr error
	posted    []string
	seeded    []string
	nextTxSeq int
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (int64, error) { return 1_400_000, nil }

func (f *fakeChain) PostBundle(ctx context.Context, planID string, payload io.Reader, size int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	io.Copy(io.Discard, payload)
	f.nextTxSeq++
	id := fmt.Sprintf("tx-%d", f.nextTxSeq)
	f.posted = append(f.posted, id)
	return id, nil
}

func (f *fakeChain) SeedChunks(ctx context.Context, bundleID string, payload io.Reader, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seedErr != nil {
		return f.seedErr
	}
	io.Copy(io.Discard, payload)
	f.seeded = append(f.seeded, bundleID)
	return nil
}

func (f *fakeChain) BundleStatus(ctx context.Context, bundleID string) (*TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []recordedJob
}

type recordedJob struct {
	Queue   string
	Payload any
}

func (q *recordingQueue) Enqueue(queueName string, payload any, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, recordedJob{Queue: queueName, Payload: payload})
	return "job", nil
}

func (q *recordingQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		names[i] = j.Queue
	}
	return names
}

func (q *recordingQueue) lastPlanID(t *testing.T, queueName string) string {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.jobs) - 1; i >= 0; i-- {
		if q.jobs[i].Queue != queueName {
			continue
		}
		if plan, ok := q.jobs[i].Payload.(PlanJob); ok {
			return plan.PlanID
		}
	}
	t.Fatalf("no %s job recorded", queueName)
	return ""
}

type pipeEnv struct {
	store   *storage.Store
	objects *objectstore.Memory
	chain   *fakeChain
	jobs    *recordingQueue
	pipe    *Pipeline
	now     time.Time
}

func newPipeEnv(t *testing.T, cfg Config) *pipeEnv {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:pipeline-%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := &pipeEnv{
		store:   store,
		objects: objectstore.NewMemory(),
		chain:   &fakeChain{status: &TxStatus{BlockHeight: 1_390_000, Confirmations: 50, IndexedOnGQL: true}},
		jobs:    &recordingQueue{},
		now:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	e.pipe = New(cfg, store, e.objects, e.chain, e.jobs,
		WithClock(func() time.Time { return e.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return e
}

// addItem stores random raw bytes under a fresh content address and
// inserts the matching new_data_items row.
func (e *pipeEnv) addItem(t *testing.T, size int) string {
	t.Helper()
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		t.Fatalf("rand: %v", err)
	}
	id := base64.RawURLEncoding.EncodeToString(idBytes)
	raw := bytes.Repeat([]byte("b"), size)
	if _, err := e.objects.Put(context.Background(), objectstore.RawDataItemPrefix+id, bytes.NewReader(raw)); err != nil {
		t.Fatalf("put raw: %v", err)
	}
	item := &storage.NewDataItem{}
	item.DataItemID = id
	item.ByteCount = int64(size)
	item.UploadedAt = e.now
	if err := e.store.InsertNewDataItem(context.Background(), item); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	return id
}

func planJob(t *testing.T, planID string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(PlanJob{PlanID: planID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func TestPipelineHappyPath(t *testing.T) {
	e := newPipeEnv(t, Config{})
	ctx := context.Background()
	first := e.addItem(t, 600)
	second := e.addItem(t, 400)

	if err := e.pipe.HandlePlanBundle(ctx, &queue.Job{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planID := e.jobs.lastPlanID(t, queue.PrepareBundle)

	if err := e.pipe.HandlePrepareBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	payloadSize, err := e.objects.Head(ctx, objectstore.BundlePayloadPrefix+planID)
	if err != nil {
		t.Fatalf("bundle payload missing: %v", err)
	}
	wantSize := int64(32 + 2*64 + 600 + 400)
	if payloadSize != wantSize {
		t.Fatalf("payload size = %d, want %d", payloadSize, wantSize)
	}

	if err := e.pipe.HandlePostBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := e.pipe.HandleSeedBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(e.chain.seeded) != 1 || e.chain.seeded[0] != "tx-1" {
		t.Fatalf("seeded = %v", e.chain.seeded)
	}
	if err := e.pipe.HandleVerifyBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	for _, id := range []string{first, second} {
		status, err := e.store.GetDataItemStatus(ctx, id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if status.Status != "permanent" {
			t.Fatalf("item %s status = %s, want permanent", id, status.Status)
		}
		if status.BlockHeight != 1_390_000 {
			t.Fatalf("block height = %d", status.BlockHeight)
		}
	}

	if err := e.pipe.HandlePutOffsets(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("put offsets: %v", err)
	}
	offsets, err := e.store.GetOffsets(ctx, first)
	if err != nil {
		t.Fatalf("get offsets: %v", err)
	}
	if offsets.RootBundleID != "tx-1" {
		t.Fatalf("root bundle = %s", offsets.RootBundleID)
	}
	if offsets.StartOffsetInRootBundle < 32+2*64 {
		t.Fatalf("offset = %d inside header", offsets.StartOffsetInRootBundle)
	}
}

func TestVerifyWaitsForConfirmations(t *testing.T) {
	e := newPipeEnv(t, Config{MinConfirmations: 18})
	ctx := context.Background()
	e.addItem(t, 100)

	if err := e.pipe.HandlePlanBundle(ctx, &queue.Job{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planID := e.jobs.lastPlanID(t, queue.PrepareBundle)
	if err := e.pipe.HandlePrepareBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := e.pipe.HandlePostBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := e.pipe.HandleSeedBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e.chain.status = &TxStatus{BlockHeight: 1_390_000, Confirmations: 3}
	before := len(e.jobs.names())
	if err := e.pipe.HandleVerifyBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("verify below threshold: %v", err)
	}
	// The job succeeds so no retry attempt is burned; a delayed
	// verify-bundle job keeps polling until finality.
	if got := e.jobs.lastPlanID(t, queue.VerifyBundle); got != planID {
		t.Fatalf("re-enqueued plan = %q, want %q", got, planID)
	}
	if len(e.jobs.names()) != before+1 {
		t.Fatalf("jobs after verify = %d, want %d", len(e.jobs.names()), before+1)
	}
	var seeded storage.SeededBundle
	if err := e.store.DB().First(&seeded, "plan_id = ?", planID).Error; err != nil {
		t.Fatalf("bundle left seeded state: %v", err)
	}

	e.chain.status = &TxStatus{BlockHeight: 1_390_000, Confirmations: 20}
	if err := e.pipe.HandleVerifyBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("verify at depth: %v", err)
	}
	var permanent storage.PermanentBundle
	if err := e.store.DB().First(&permanent, "plan_id = ?", planID).Error; err != nil {
		t.Fatalf("bundle not permanent: %v", err)
	}
}

func TestPostFailureRepacksItems(t *testing.T) {
	e := newPipeEnv(t, Config{})
	ctx := context.Background()
	id := e.addItem(t, 100)

	if err := e.pipe.HandlePlanBundle(ctx, &queue.Job{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planID := e.jobs.lastPlanID(t, queue.PrepareBundle)
	if err := e.pipe.HandlePrepareBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	e.chain.postErr = errors.New("node unavailable")
	job := planJob(t, planID)
	job.Attempts = 3
	if err := e.pipe.HandlePostBundle(ctx, job); err != nil {
		t.Fatalf("post with exhausted attempts: %v", err)
	}

	status, err := e.store.GetDataItemStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "pending" {
		t.Fatalf("item status = %s, want pending after re-pack", status.Status)
	}
	names := e.jobs.names()
	if names[len(names)-1] != queue.PlanBundle {
		t.Fatalf("last job = %s, want plan-bundle", names[len(names)-1])
	}
}

func TestRepackBudgetExhausted(t *testing.T) {
	e := newPipeEnv(t, Config{MaxRepacks: 1})
	ctx := context.Background()
	id := e.addItem(t, 100)

	if err := e.pipe.HandlePlanBundle(ctx, &queue.Job{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planID := e.jobs.lastPlanID(t, queue.PrepareBundle)
	if err := e.pipe.HandlePrepareBundle(ctx, planJob(t, planID)); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// The plan already burned its re-pack budget once.
	failed := storage.FailedBundle{}
	failed.PlanID = planID
	failed.RepackCount = 1
	failed.FailedAt = e.now
	failed.FailedReason = storage.FailedToPost
	if err := e.store.DB().Create(&failed).Error; err != nil {
		t.Fatalf("seed failed bundle: %v", err)
	}

	e.chain.postErr = errors.New("node unavailable")
	job := planJob(t, planID)
	job.Attempts = 3
	if err := e.pipe.HandlePostBundle(ctx, job); err != nil {
		t.Fatalf("post: %v", err)
	}

	status, err := e.store.GetDataItemStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "failed" {
		t.Fatalf("item status = %s, want failed", status.Status)
	}
}

func TestNewDataItemNudgesPlanner(t *testing.T) {
	e := newPipeEnv(t, Config{})
	ctx := context.Background()
	id := e.addItem(t, 64)

	raw, _ := json.Marshal(DataItemJob{DataItemID: id})
	if err := e.pipe.HandleNewDataItem(ctx, &queue.Job{Payload: raw}); err != nil {
		t.Fatalf("new-data-item: %v", err)
	}
	names := e.jobs.names()
	if len(names) != 1 || names[0] != queue.PlanBundle {
		t.Fatalf("jobs = %v, want one plan-bundle", names)
	}

	// Unknown id is a no-op, not an error.
	raw, _ = json.Marshal(DataItemJob{DataItemID: "ghost"})
	if err := e.pipe.HandleNewDataItem(ctx, &queue.Job{Payload: raw}); err != nil {
		t.Fatalf("unknown item: %v", err)
	}
}

func TestBundleHeaderRoundTrip(t *testing.T) {
	e := newPipeEnv(t, Config{})
	ctx := context.Background()
	e.addItem(t, 300)
	e.addItem(t, 200)

	if err := e.pipe.HandlePlanBundle(ctx, &queue.Job{}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planID := e.jobs.lastPlanID(t, queue.PrepareBundle)
	items, err := e.store.PlannedItems(ctx, planID)
	if err != nil {
		t.Fatalf("planned items: %v", err)
	}
	size, entries, err := assembleBundle(ctx, e.objects, planID, items)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if size != 32+2*64+300+200 {
		t.Fatalf("size = %d", size)
	}

	rc, _, err := e.objects.Get(ctx, objectstore.BundlePayloadPrefix+planID)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	defer rc.Close()
	parsed, err := parseBundleHeader(rc)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if len(parsed) != len(entries) {
		t.Fatalf("parsed %d entries, want %d", len(parsed), len(entries))
	}
	for i := range entries {
		if parsed[i] != entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, parsed[i], entries[i])
		}
	}
}
