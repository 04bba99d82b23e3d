// Package pipeline advances admitted data items through the bundling
// state machine: plan, prepare, post, seed, verify. Each stage is an
// idempotent job handler; the SQL transitions in the storage package
// enforce safety when jobs are redelivered or run out of order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bundlergw/multipart"
	"bundlergw/objectstore"
	"bundlergw/queue"
	"bundlergw/storage"
)

// Config tunes planning and verification.
type Config struct {
	// PlanMaxItems bounds the number of items per bundle. Default 100.
	PlanMaxItems int
	// PlanMaxBytes is the soft payload-size target per bundle. Default 200 MiB.
	PlanMaxBytes int64
	// MinConfirmations before a bundle counts as permanent. Default 18.
	MinConfirmations int64
	// MaxRepacks bounds how often a failed bundle's items return to the
	// planner before they fail outright. Default 3.
	MaxRepacks int
	// VerifyDelay defers verification after seeding so the gateway can
	// index the transaction. Default 5 min.
	VerifyDelay time.Duration
	// OffsetTTL sets how long offset rows stay serviceable. Default 365 days.
	OffsetTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlanMaxItems <= 0 {
		c.PlanMaxItems = 100
	}
	if c.PlanMaxBytes <= 0 {
		c.PlanMaxBytes = 200 << 20
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = 18
	}
	if c.MaxRepacks <= 0 {
		c.MaxRepacks = 3
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = 5 * time.Minute
	}
	if c.OffsetTTL <= 0 {
		c.OffsetTTL = 365 * 24 * time.Hour
	}
	return c
}

// Enqueuer is the slice of the job queue the pipeline produces into.
type Enqueuer interface {
	Enqueue(queueName string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// UploadFinalizer settles multipart sessions, matched by the multipart
// coordinator's Finalize.
type UploadFinalizer interface {
	Finalize(ctx context.Context, uploadID string, declaredByteCount int64) (*multipart.FinalizeResult, error)
}

// Pipeline owns the bundling stage handlers.
type Pipeline struct {
	cfg     Config
	store   *storage.Store
	objects objectstore.Store
	chain   ChainClient
	jobs    Enqueuer
	uploads UploadFinalizer
	optical *OpticalPoster
	log     *slog.Logger
	nowFn   func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.nowFn = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithOpticalPoster enables fire-and-forget optical bridge notifications.
func WithOpticalPoster(op *OpticalPoster) Option {
	return func(p *Pipeline) { p.optical = op }
}

// WithUploadFinalizer enables the finalize-upload reaper.
func WithUploadFinalizer(uploads UploadFinalizer) Option {
	return func(p *Pipeline) { p.uploads = uploads }
}

// New wires the pipeline over its collaborators.
func New(cfg Config, store *storage.Store, objects objectstore.Store, chain ChainClient, jobs Enqueuer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		store:   store,
		objects: objects,
		chain:   chain,
		jobs:    jobs,
		log:     slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register attaches every stage handler to the queue manager with its
// concurrency and timeout budget.
func (p *Pipeline) Register(m *queue.Manager) error {
	stages := []struct {
		queue   string
		handler queue.Handler
		opts    queue.WorkerOptions
	}{
		{queue.NewDataItem, p.HandleNewDataItem, queue.WorkerOptions{Concurrency: 5}},
		{queue.PlanBundle, p.HandlePlanBundle, queue.WorkerOptions{Concurrency: 1}},
		{queue.PrepareBundle, p.HandlePrepareBundle, queue.WorkerOptions{}},
		{queue.PostBundle, p.HandlePostBundle, queue.WorkerOptions{}},
		{queue.SeedBundle, p.HandleSeedBundle, queue.WorkerOptions{Timeout: 5 * time.Minute}},
		{queue.VerifyBundle, p.HandleVerifyBundle, queue.WorkerOptions{Concurrency: 2}},
		{queue.PutOffsets, p.HandlePutOffsets, queue.WorkerOptions{}},
		{queue.UnbundleBDI, p.HandleUnbundleBDI, queue.WorkerOptions{}},
		{queue.OpticalPost, p.HandleOpticalPost, queue.WorkerOptions{}},
		{queue.FinalizeUpload, p.HandleFinalizeUpload, queue.WorkerOptions{}},
	}
	for _, s := range stages {
		if err := m.Register(s.queue, s.handler, s.opts); err != nil {
			return err
		}
	}
	return nil
}

// DataItemJob is the payload of new-data-item, optical-post and
// unbundle-bdi jobs.
type DataItemJob struct {
	DataItemID string `json:"dataItemId"`
}

// PlanJob is the payload of every bundle stage job.
type PlanJob struct {
	PlanID string `json:"planId"`
}

// HandleNewDataItem admits a freshly uploaded item into the planner.
// The SQL row and the raw object both exist before this job is
// enqueued; the handler's only work is to nudge planning.
func (p *Pipeline) HandleNewDataItem(ctx context.Context, job *queue.Job) error {
	var payload DataItemJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	status, err := p.store.GetDataItemStatus(ctx, payload.DataItemID)
	if err != nil {
		if errors.Is(err, storage.ErrDataItemNotFound) {
			p.log.Warn("new-data-item job for unknown item", "id", payload.DataItemID)
			return nil
		}
		return err
	}
	if status.Status != "pending" {
		// Already planned or beyond; redelivery is a no-op.
		return nil
	}
	if _, err := p.jobs.Enqueue(queue.PlanBundle, nil); err != nil {
		return err
	}
	return nil
}

// HandlePlanBundle groups waiting items into a fresh plan up to the
// size and count targets, then hands the plan to prepare-bundle.
func (p *Pipeline) HandlePlanBundle(ctx context.Context, job *queue.Job) error {
	waiting, err := p.store.WaitingDataItems(ctx, p.cfg.PlanMaxItems)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	ids := make([]string, 0, len(waiting))
	var total int64
	for _, item := range waiting {
		if total > 0 && total+item.ByteCount > p.cfg.PlanMaxBytes {
			break
		}
		ids = append(ids, item.DataItemID)
		total += item.ByteCount
	}

	planID := uuid.NewString()
	moved, err := p.store.CreatePlan(ctx, planID, ids)
	if err != nil {
		return err
	}
	if moved == 0 {
		return nil
	}
	p.log.Info("bundle planned", "planId", planID, "items", moved, "bytes", total)
	if _, err := p.jobs.Enqueue(queue.PrepareBundle, PlanJob{PlanID: planID}); err != nil {
		return err
	}
	// Leftover items roll into the next plan.
	if len(ids) < len(waiting) {
		if _, err := p.jobs.Enqueue(queue.PlanBundle, nil); err != nil {
			return err
		}
	}
	return nil
}

// HandlePrepareBundle assembles the plan's payload and records the new
// bundle. The bundle id is assigned at post time; until then the plan id
// doubles as the provisional id.
func (p *Pipeline) HandlePrepareBundle(ctx context.Context, job *queue.Job) error {
	var payload PlanJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	items, err := p.store.PlannedItems(ctx, payload.PlanID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		p.log.Warn("prepare-bundle for empty plan", "planId", payload.PlanID)
		return nil
	}
	size, _, err := assembleBundle(ctx, p.objects, payload.PlanID, items)
	if err != nil {
		return err
	}
	if err := p.store.InsertNewBundle(ctx, payload.PlanID, "", size); err != nil {
		return err
	}
	p.log.Info("bundle prepared", "planId", payload.PlanID, "payloadBytes", size)
	if _, err := p.jobs.Enqueue(queue.PostBundle, PlanJob{PlanID: payload.PlanID}); err != nil {
		return err
	}
	return nil
}

// HandlePostBundle broadcasts the assembled payload as a chain
// transaction and advances the bundle to posted.
func (p *Pipeline) HandlePostBundle(ctx context.Context, job *queue.Job) error {
	var payload PlanJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	rc, size, err := p.objects.Get(ctx, objectstore.BundlePayloadPrefix+payload.PlanID)
	if err != nil {
		return p.failBundle(ctx, payload.PlanID, storage.FailedToPost, err)
	}
	bundleID, err := p.chain.PostBundle(ctx, payload.PlanID, rc, size)
	rc.Close()
	if err != nil {
		if job.Attempts >= job.MaxAttempts {
			return p.failBundle(ctx, payload.PlanID, storage.FailedToPost, err)
		}
		return err
	}

	if err := p.store.InsertNewBundle(ctx, payload.PlanID, bundleID, size); err != nil {
		return err
	}
	if err := p.store.MoveBundleToPosted(ctx, payload.PlanID); err != nil {
		if errors.Is(err, storage.ErrBundlePlanInAnotherState) {
			p.log.Warn("bundle already past posted", "planId", payload.PlanID)
			return nil
		}
		return err
	}
	p.log.Info("bundle posted", "planId", payload.PlanID, "bundleId", bundleID)
	if _, err := p.jobs.Enqueue(queue.SeedBundle, PlanJob{PlanID: payload.PlanID}); err != nil {
		return err
	}
	return nil
}

// HandleSeedBundle uploads the payload chunks for the posted
// transaction, then schedules verification after the gateway indexing
// delay.
func (p *Pipeline) HandleSeedBundle(ctx context.Context, job *queue.Job) error {
	var payload PlanJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	bundleID, err := p.bundleIDFor(ctx, payload.PlanID)
	if err != nil {
		return err
	}
	rc, size, err := p.objects.Get(ctx, objectstore.BundlePayloadPrefix+payload.PlanID)
	if err != nil {
		return p.failBundle(ctx, payload.PlanID, storage.FailedToSeed, err)
	}
	err = p.chain.SeedChunks(ctx, bundleID, rc, size)
	rc.Close()
	if err != nil {
		if job.Attempts >= job.MaxAttempts {
			return p.failBundle(ctx, payload.PlanID, storage.FailedToSeed, err)
		}
		return err
	}

	if err := p.store.MoveBundleToSeeded(ctx, payload.PlanID); err != nil {
		if errors.Is(err, storage.ErrBundlePlanInAnotherState) {
			p.log.Warn("bundle already past seeded", "planId", payload.PlanID)
			return nil
		}
		return err
	}
	p.log.Info("bundle seeded", "planId", payload.PlanID, "bundleId", bundleID)
	if _, err := p.jobs.Enqueue(queue.VerifyBundle, PlanJob{PlanID: payload.PlanID}, queue.WithDelay(p.cfg.VerifyDelay)); err != nil {
		return err
	}
	return nil
}

// HandleVerifyBundle checks confirmation depth. Confirmed bundles (and
// their items) become permanent; dropped transactions re-pack the items
// for another attempt.
func (p *Pipeline) HandleVerifyBundle(ctx context.Context, job *queue.Job) error {
	var payload PlanJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	bundleID, err := p.bundleIDFor(ctx, payload.PlanID)
	if err != nil {
		return err
	}
	status, err := p.chain.BundleStatus(ctx, bundleID)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) && job.Attempts >= job.MaxAttempts {
			return p.failBundle(ctx, payload.PlanID, storage.NotFound, err)
		}
		return err
	}
	if status.Confirmations < p.cfg.MinConfirmations {
		// Confirmation depth accrues over tens of minutes; burning retry
		// attempts here would dead-letter the job long before finality.
		// Park a fresh delayed job instead and succeed this one.
		p.log.Info("bundle awaiting confirmations", "planId", payload.PlanID,
			"bundleId", bundleID, "confirmations", status.Confirmations,
			"required", p.cfg.MinConfirmations)
		if _, err := p.jobs.Enqueue(queue.VerifyBundle, PlanJob{PlanID: payload.PlanID}, queue.WithDelay(p.cfg.VerifyDelay)); err != nil {
			return err
		}
		return nil
	}

	err = p.store.UpdateBundleAsPermanent(ctx, payload.PlanID, status.BlockHeight, status.IndexedOnGQL)
	if err != nil {
		if errors.Is(err, storage.ErrBundlePlanInAnotherState) {
			p.log.Warn("bundle plan in another state", "planId", payload.PlanID)
			return nil
		}
		return err
	}
	p.log.Info("bundle permanent",
		"planId", payload.PlanID, "bundleId", bundleID, "blockHeight", status.BlockHeight)
	if _, err := p.jobs.Enqueue(queue.PutOffsets, PlanJob{PlanID: payload.PlanID}); err != nil {
		return err
	}
	return nil
}

// HandlePutOffsets records each item's location inside the permanent
// bundle for range reads and retention.
func (p *Pipeline) HandlePutOffsets(ctx context.Context, job *queue.Job) error {
	var payload PlanJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	bundleID, blockItems, err := p.permanentPlan(ctx, payload.PlanID)
	if err != nil {
		return err
	}
	rc, _, err := p.objects.Get(ctx, objectstore.BundlePayloadPrefix+payload.PlanID)
	if err != nil {
		return err
	}
	entries, err := parseBundleHeader(rc)
	rc.Close()
	if err != nil {
		return err
	}

	byID := make(map[string]storage.PermanentDataItem, len(blockItems))
	for _, item := range blockItems {
		byID[item.DataItemID] = item
	}
	expires := p.nowFn().Add(p.cfg.OffsetTTL).Unix()
	offsets := make([]storage.DataItemOffset, 0, len(entries))
	for _, e := range entries {
		item, ok := byID[e.DataItemID]
		if !ok {
			continue
		}
		offsets = append(offsets, storage.DataItemOffset{
			DataItemID:              e.DataItemID,
			RootBundleID:            bundleID,
			StartOffsetInRootBundle: e.Offset,
			RawContentLength:        e.Size,
			PayloadDataStart:        item.PayloadDataStart,
			PayloadContentType:      item.PayloadContentType,
			ExpiresAt:               expires,
		})
	}
	if len(offsets) == 0 {
		return nil
	}
	return p.store.InsertOffsets(ctx, offsets)
}

// HandleUnbundleBDI indexes the nested items of a bundled data item so
// they are individually addressable.
func (p *Pipeline) HandleUnbundleBDI(ctx context.Context, job *queue.Job) error {
	var payload DataItemJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	rc, _, err := p.objects.Get(ctx, objectstore.RawDataItemPrefix+payload.DataItemID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			p.log.Warn("unbundle-bdi for missing object", "id", payload.DataItemID)
			return nil
		}
		return err
	}
	defer rc.Close()

	info, err := parseNestedHeader(rc)
	if err != nil {
		p.log.Warn("unbundle-bdi payload is not a bundle", "id", payload.DataItemID, "error", err)
		return nil
	}
	expires := p.nowFn().Add(p.cfg.OffsetTTL).Unix()
	offsets := make([]storage.DataItemOffset, 0, len(info.entries))
	for _, e := range info.entries {
		offsets = append(offsets, storage.DataItemOffset{
			DataItemID:          e.DataItemID,
			RawContentLength:    e.Size,
			ParentDataItemID:    payload.DataItemID,
			StartOffsetInParent: info.payloadStart + e.Offset,
			ExpiresAt:           expires,
		})
	}
	if len(offsets) == 0 {
		return nil
	}
	return p.store.InsertOffsets(ctx, offsets)
}

// HandleOpticalPost forwards the data item header to the optical bridge.
// Optical posting is best-effort; a missing poster makes this a no-op.
func (p *Pipeline) HandleOpticalPost(ctx context.Context, job *queue.Job) error {
	if p.optical == nil {
		return nil
	}
	var payload DataItemJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	return p.optical.Post(ctx, payload.DataItemID)
}

// UploadJob is the payload of finalize-upload jobs.
type UploadJob struct {
	UploadID          string `json:"uploadId"`
	DeclaredByteCount int64  `json:"declaredByteCount"`
}

// HandleFinalizeUpload settles a multipart session in the background,
// typically enqueued when a client finalize was interrupted. Terminal
// session states are no-ops; a top-up requirement waits for the client.
func (p *Pipeline) HandleFinalizeUpload(ctx context.Context, job *queue.Job) error {
	if p.uploads == nil {
		return nil
	}
	var payload UploadJob
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	_, err := p.uploads.Finalize(ctx, payload.UploadID, payload.DeclaredByteCount)
	if err == nil {
		return nil
	}
	var topUp *multipart.TopUpRequiredError
	switch {
	case errors.As(err, &topUp),
		errors.Is(err, multipart.ErrUploadExpired),
		errors.Is(err, multipart.ErrUploadClosed),
		errors.Is(err, multipart.ErrFraudDetected),
		errors.Is(err, multipart.ErrUploadNotFound):
		p.log.Warn("finalize-upload stopped", "uploadId", payload.UploadID, "reason", err)
		return nil
	}
	return err
}

// failBundle marks the bundle failed and re-packs its items unless the
// re-pack budget is exhausted.
func (p *Pipeline) failBundle(ctx context.Context, planID, reason string, cause error) error {
	repackCount, err := p.repackCount(ctx, planID)
	if err != nil {
		return err
	}
	repack := repackCount < p.cfg.MaxRepacks
	p.log.Error("bundle failed",
		"planId", planID, "reason", reason, "repack", repack, "repackCount", repackCount, "error", cause)
	if err := p.store.RepackBundle(ctx, planID, reason, repackCount+1, repack); err != nil {
		if errors.Is(err, storage.ErrBundlePlanNotFound) {
			return nil
		}
		return err
	}
	if repack {
		if _, err := p.jobs.Enqueue(queue.PlanBundle, nil); err != nil {
			return err
		}
	}
	return nil
}

// repackCount reads how many times this plan's items have already been
// re-packed.
func (p *Pipeline) repackCount(ctx context.Context, planID string) (int, error) {
	var failed storage.FailedBundle
	err := p.store.DB().WithContext(ctx).First(&failed, "plan_id = ?", planID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return failed.RepackCount, nil
}

// bundleIDFor resolves the chain transaction id recorded for a plan in
// whichever lifecycle table currently holds it.
func (p *Pipeline) bundleIDFor(ctx context.Context, planID string) (string, error) {
	db := p.store.DB().WithContext(ctx)
	var posted storage.PostedBundle
	if err := db.First(&posted, "plan_id = ?", planID).Error; err == nil {
		return posted.BundleID, nil
	}
	var seeded storage.SeededBundle
	if err := db.First(&seeded, "plan_id = ?", planID).Error; err == nil {
		return seeded.BundleID, nil
	}
	var permanent storage.PermanentBundle
	if err := db.First(&permanent, "plan_id = ?", planID).Error; err == nil {
		return permanent.BundleID, nil
	}
	return "", fmt.Errorf("%w: plan %s", storage.ErrBundlePlanNotFound, planID)
}

func (p *Pipeline) permanentPlan(ctx context.Context, planID string) (string, []storage.PermanentDataItem, error) {
	db := p.store.DB().WithContext(ctx)
	var bundle storage.PermanentBundle
	if err := db.First(&bundle, "plan_id = ?", planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, fmt.Errorf("%w: plan %s", storage.ErrBundlePlanNotFound, planID)
		}
		return "", nil, err
	}
	var items []storage.PermanentDataItem
	if err := db.Find(&items, "plan_id = ?", planID).Error; err != nil {
		return "", nil, err
	}
	return bundle.BundleID, items, nil
}
