package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bundlergw/objectstore"
	"bundlergw/queue"
	"bundlergw/storage"
)

// CursorKey is the config-table key holding the janitor's resume point.
const CursorKey = "fs-cleanup-last-deleted-cursor"

// ErrTooManyDeleteErrors aborts a sweep after repeated delete failures,
// leaving the cursor at the last fully processed batch.
var ErrTooManyDeleteErrors = errors.New("pipeline: too many delete errors, aborting sweep")

// JanitorConfig tunes the retention sweep.
type JanitorConfig struct {
	// LocalRetentionDays keeps raw items in the local cache tier. Default 7.
	LocalRetentionDays int
	// RemoteRetentionDays keeps raw items in the durable object store.
	// Default 90.
	RemoteRetentionDays int
	// BatchSize rows per SQL read. Default 500.
	BatchSize int
	// MaxDeleteErrors aborts the sweep when exceeded. Default 10.
	MaxDeleteErrors int
	// DeleteConcurrency bounds in-flight deletes. Default 8.
	DeleteConcurrency int
	// BatchQueueDepth bounds batches buffered ahead of the deleters.
	// Default 5.
	BatchQueueDepth int
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.LocalRetentionDays <= 0 {
		c.LocalRetentionDays = 7
	}
	if c.RemoteRetentionDays <= 0 {
		c.RemoteRetentionDays = 90
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxDeleteErrors <= 0 {
		c.MaxDeleteErrors = 10
	}
	if c.DeleteConcurrency <= 0 {
		c.DeleteConcurrency = 8
	}
	if c.BatchQueueDepth <= 0 {
		c.BatchQueueDepth = 5
	}
	return c
}

// cursor marks the newest permanent item the janitor has swept past.
type cursor struct {
	UploadedAt time.Time `json:"uploadedAt"`
	DataItemID string    `json:"dataItemId"`
}

// Janitor deletes raw data item blobs past their retention windows.
// Local cache blobs go first; durable object-store blobs much later.
type Janitor struct {
	cfg    JanitorConfig
	store  *storage.Store
	local  objectstore.Store
	remote objectstore.Store
	jobs   Enqueuer
	log    *slog.Logger
	nowFn  func() time.Time
}

// NewJanitor wires the sweeper over the two blob tiers.
func NewJanitor(cfg JanitorConfig, store *storage.Store, local, remote objectstore.Store, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		cfg:    cfg.withDefaults(),
		store:  store,
		local:  local,
		remote: remote,
		log:    slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// JanitorOption customises a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorClock overrides the wall clock, used by tests.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.nowFn = now }
}

// WithJanitorLogger sets the structured logger.
func WithJanitorLogger(log *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.log = log }
}

// WithJanitorQueue enables reaping of expired multipart sessions through
// the finalize-upload queue.
func WithJanitorQueue(jobs Enqueuer) JanitorOption {
	return func(j *Janitor) { j.jobs = jobs }
}

// Handler adapts the sweep to the cleanup-fs queue.
func (j *Janitor) Handler(ctx context.Context, _ *queue.Job) error {
	return j.Run(ctx)
}

// Run sweeps permanent items in cursor order: one producer reads SQL
// batches into a bounded channel; a capped group of deleters drains it.
// The cursor advances after each fully processed batch so an aborted
// sweep resumes where it stopped.
func (j *Janitor) Run(ctx context.Context) error {
	now := j.nowFn()
	localCutoff := now.AddDate(0, 0, -j.cfg.LocalRetentionDays)
	remoteCutoff := now.AddDate(0, 0, -j.cfg.RemoteRetentionDays)

	if err := j.reapExpiredUploads(ctx, now); err != nil {
		return err
	}

	cur := cursor{}
	if _, err := j.store.GetConfig(ctx, CursorKey, &cur); err != nil {
		return err
	}

	var deleteErrors atomic.Int64
	batches := make(chan []storage.PermanentDataItem, j.cfg.BatchQueueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		for {
			items, err := j.store.PermanentItemsAfter(gctx, cur.UploadedAt, cur.DataItemID, j.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return nil
			}
			// Everything newer than the local cutoff is still retained;
			// the scan stops at the first such item.
			eligible := items
			for i := range items {
				if items[i].UploadedAt.After(localCutoff) {
					eligible = items[:i]
					break
				}
			}
			if len(eligible) == 0 {
				return nil
			}
			select {
			case batches <- eligible:
			case <-gctx.Done():
				return gctx.Err()
			}
			if len(eligible) < len(items) {
				return nil
			}
			last := eligible[len(eligible)-1]
			cur = cursor{UploadedAt: last.UploadedAt, DataItemID: last.DataItemID}
		}
	})

	var swept atomic.Int64
	g.Go(func() error {
		for batch := range batches {
			dg, dctx := errgroup.WithContext(gctx)
			dg.SetLimit(j.cfg.DeleteConcurrency)
			for _, item := range batch {
				item := item
				dg.Go(func() error {
					if err := j.sweepItem(dctx, item, localCutoff, remoteCutoff); err != nil {
						j.log.Error("janitor delete", "id", item.DataItemID, "error", err)
						if deleteErrors.Add(1) > int64(j.cfg.MaxDeleteErrors) {
							return ErrTooManyDeleteErrors
						}
						return nil
					}
					swept.Add(1)
					return nil
				})
			}
			if err := dg.Wait(); err != nil {
				return err
			}
			last := batch[len(batch)-1]
			if err := j.store.SetConfig(gctx, CursorKey, cursor{
				UploadedAt: last.UploadedAt,
				DataItemID: last.DataItemID,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	j.log.Info("janitor sweep finished",
		"swept", swept.Load(), "deleteErrors", deleteErrors.Load(), "aborted", err != nil)
	return err
}

// reapExpiredUploads hands every TTL-expired in-flight multipart session
// to the finalize-upload queue, where the coordinator fails it and aborts
// its native multipart upload.
func (j *Janitor) reapExpiredUploads(ctx context.Context, now time.Time) error {
	if j.jobs == nil {
		return nil
	}
	uploads, err := j.store.ExpiredInFlightUploads(ctx, now, j.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, upload := range uploads {
		if _, err := j.jobs.Enqueue(queue.FinalizeUpload, UploadJob{UploadID: upload.UploadID}); err != nil {
			return err
		}
	}
	if len(uploads) > 0 {
		j.log.Info("expired multipart sessions reaped", "count", len(uploads))
	}
	return nil
}

// sweepItem deletes the item's blobs from whichever tiers its age has
// outlived. Missing keys are success.
func (j *Janitor) sweepItem(ctx context.Context, item storage.PermanentDataItem, localCutoff, remoteCutoff time.Time) error {
	key := objectstore.RawDataItemPrefix + item.DataItemID
	if item.UploadedAt.After(localCutoff) {
		return nil
	}
	if j.local != nil {
		if err := j.local.Delete(ctx, key); err != nil {
			return fmt.Errorf("local tier: %w", err)
		}
	}
	if item.UploadedAt.After(remoteCutoff) {
		return nil
	}
	if j.remote != nil {
		if err := j.remote.Delete(ctx, key); err != nil {
			return fmt.Errorf("remote tier: %w", err)
		}
	}
	return nil
}
