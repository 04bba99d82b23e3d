package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"bundlergw/objectstore"
	"bundlergw/queue"
	"bundlergw/storage"
)

type janitorEnv struct {
	store  *storage.Store
	local  *objectstore.Memory
	remote *objectstore.Memory
	jan    *Janitor
	now    time.Time
}

func newJanitorEnv(t *testing.T, cfg JanitorConfig) *janitorEnv {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:janitor-%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := &janitorEnv{
		store:  store,
		local:  objectstore.NewMemory(),
		remote: objectstore.NewMemory(),
		now:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	e.jan = NewJanitor(cfg, store, e.local, e.remote,
		WithJanitorClock(func() time.Time { return e.now }),
		WithJanitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return e
}

// permanentItem stores blobs in both tiers and inserts a permanent row
// uploaded the given number of days ago.
func (e *janitorEnv) permanentItem(t *testing.T, id string, ageDays int) {
	t.Helper()
	ctx := context.Background()
	key := objectstore.RawDataItemPrefix + id
	if _, err := e.local.Put(ctx, key, bytes.NewReader([]byte("raw"))); err != nil {
		t.Fatalf("put local: %v", err)
	}
	if _, err := e.remote.Put(ctx, key, bytes.NewReader([]byte("raw"))); err != nil {
		t.Fatalf("put remote: %v", err)
	}
	item := storage.PermanentDataItem{}
	item.DataItemID = id
	item.ByteCount = 3
	item.UploadedAt = e.now.AddDate(0, 0, -ageDays)
	item.BlockHeight = 1_000_000
	item.PermanentAt = item.UploadedAt
	item.BundleID = "tx-1"
	if err := e.store.DB().Create(&item).Error; err != nil {
		t.Fatalf("insert permanent item: %v", err)
	}
}

func has(store *objectstore.Memory, id string) bool {
	_, err := store.Head(context.Background(), objectstore.RawDataItemPrefix+id)
	return err == nil
}

func TestJanitorReapsExpiredUploads(t *testing.T) {
	e := newJanitorEnv(t, JanitorConfig{})
	jobs := &recordingQueue{}
	e.jan = NewJanitor(JanitorConfig{}, e.store, e.local, e.remote,
		WithJanitorClock(func() time.Time { return e.now }),
		WithJanitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithJanitorQueue(jobs))

	sessions := []storage.MultipartUpload{
		{UploadID: "u-expired", UploadKey: "multipart/u-expired", ChunkSize: 1 << 18,
			DepositPaymentID: "pay-1", State: storage.UploadInFlight,
			CreatedAt: e.now.Add(-48 * time.Hour), TTLExpiresAt: e.now.Add(-24 * time.Hour)},
		{UploadID: "u-live", UploadKey: "multipart/u-live", ChunkSize: 1 << 18,
			DepositPaymentID: "pay-2", State: storage.UploadInFlight,
			CreatedAt: e.now.Add(-time.Hour), TTLExpiresAt: e.now.Add(23 * time.Hour)},
		{UploadID: "u-done", UploadKey: "multipart/u-done", ChunkSize: 1 << 18,
			DepositPaymentID: "pay-3", State: storage.UploadFinalized,
			CreatedAt: e.now.Add(-48 * time.Hour), TTLExpiresAt: e.now.Add(-24 * time.Hour)},
	}
	for i := range sessions {
		if err := e.store.DB().Create(&sessions[i]).Error; err != nil {
			t.Fatalf("insert session %s: %v", sessions[i].UploadID, err)
		}
	}

	if err := e.jan.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var reaped []string
	for _, j := range jobs.jobs {
		if j.Queue != queue.FinalizeUpload {
			continue
		}
		payload, ok := j.Payload.(UploadJob)
		if !ok {
			t.Fatalf("finalize-upload payload = %T", j.Payload)
		}
		reaped = append(reaped, payload.UploadID)
	}
	if len(reaped) != 1 || reaped[0] != "u-expired" {
		t.Fatalf("reaped = %v, want [u-expired]", reaped)
	}
}

func TestJanitorDualTierRetention(t *testing.T) {
	e := newJanitorEnv(t, JanitorConfig{LocalRetentionDays: 7, RemoteRetentionDays: 90})
	e.permanentItem(t, "fresh-item-000000000000000000000000000", 1)
	e.permanentItem(t, "aging-item-000000000000000000000000000", 30)
	e.permanentItem(t, "ancient-item-0000000000000000000000000", 120)

	if err := e.jan.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Fresh: both tiers retained.
	if !has(e.local, "fresh-item-000000000000000000000000000") || !has(e.remote, "fresh-item-000000000000000000000000000") {
		t.Fatal("fresh item was deleted")
	}
	// Aging: local gone, remote retained.
	if has(e.local, "aging-item-000000000000000000000000000") {
		t.Fatal("aging item still in local tier")
	}
	if !has(e.remote, "aging-item-000000000000000000000000000") {
		t.Fatal("aging item deleted from remote tier")
	}
	// Ancient: both gone.
	if has(e.local, "ancient-item-0000000000000000000000000") || has(e.remote, "ancient-item-0000000000000000000000000") {
		t.Fatal("ancient item retained")
	}

	// Cursor advanced past the swept range.
	var cur cursor
	found, err := e.store.GetConfig(context.Background(), CursorKey, &cur)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !found || cur.DataItemID == "" {
		t.Fatalf("cursor not persisted: %+v", cur)
	}
}

func TestJanitorResumesFromCursor(t *testing.T) {
	e := newJanitorEnv(t, JanitorConfig{LocalRetentionDays: 7, RemoteRetentionDays: 90, BatchSize: 2})
	for i := 0; i < 5; i++ {
		e.permanentItem(t, fmt.Sprintf("old-item-%02d-00000000000000000000000000", i), 30-i)
	}

	if err := e.jan.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	for i := 0; i < 5; i++ {
		if has(e.local, fmt.Sprintf("old-item-%02d-00000000000000000000000000", i)) {
			t.Fatalf("item %d survived local sweep", i)
		}
	}

	// A second run with the cursor at the end sweeps nothing and succeeds.
	if err := e.jan.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestJanitorEmptySweep(t *testing.T) {
	e := newJanitorEnv(t, JanitorConfig{})
	if err := e.jan.Run(context.Background()); err != nil {
		t.Fatalf("run on empty table: %v", err)
	}
}
