package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrDataItemNotFound indicates no lifecycle table holds the id.
	ErrDataItemNotFound = errors.New("storage: data item not found")
	// ErrBundlePlanNotFound indicates no lifecycle table holds the plan.
	ErrBundlePlanNotFound = errors.New("storage: bundle plan not found")
	// ErrBundlePlanInAnotherState indicates the plan exists but not in the
	// state required by the transition. Workers treat it as a benign no-op.
	ErrBundlePlanInAnotherState = errors.New("storage: bundle plan exists in another state")
	// ErrUploadNotFound indicates an unknown multipart upload id.
	ErrUploadNotFound = errors.New("storage: multipart upload not found")
)

// Store owns every entity lifecycle in the SQL database.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// Open connects to the database identified by dsn. DSNs beginning with
// "file:" or ":memory:" open an embedded sqlite database; anything else is
// treated as a postgres DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	dialector := postgres.Open(trimmed)
	if strings.HasPrefix(trimmed, "file:") || strings.HasPrefix(trimmed, ":memory:") {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(5)
	}
	store := &Store{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// AutoMigrate creates or upgrades every table owned by the store.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&NewDataItem{},
		&PlannedDataItem{},
		&PermanentDataItem{},
		&FailedDataItem{},
		&BundlePlan{},
		&NewBundle{},
		&PostedBundle{},
		&SeededBundle{},
		&PermanentBundle{},
		&FailedBundle{},
		&MultipartUpload{},
		&DataItemOffset{},
		&ConfigEntry{},
	)
}

// DB exposes the underlying handle so sibling packages (ledger, multipart)
// can join the same database and transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertNewDataItem admits a data item. Content addressing makes the id the
// idempotency key: re-inserting the same id is success.
func (s *Store) InsertNewDataItem(ctx context.Context, item *NewDataItem) error {
	if item.UploadedAt.IsZero() {
		item.UploadedAt = s.nowFn()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(item)
	if res.Error != nil {
		return fmt.Errorf("storage: insert new data item: %w", res.Error)
	}
	return nil
}

// DeleteNewDataItem removes an admitted item, used by the admission
// compensation path when the object store write failed after the insert.
func (s *Store) DeleteNewDataItem(ctx context.Context, dataItemID string) error {
	return s.db.WithContext(ctx).Delete(&NewDataItem{}, "data_item_id = ?", dataItemID).Error
}

// MarkDataItemFailed moves a new data item into failed_data_items.
func (s *Store) MarkDataItemFailed(ctx context.Context, dataItemID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item NewDataItem
		if err := tx.First(&item, "data_item_id = ?", dataItemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDataItemNotFound
			}
			return err
		}
		if err := tx.Delete(&NewDataItem{}, "data_item_id = ?", dataItemID).Error; err != nil {
			return err
		}
		failed := FailedDataItem{DataItemColumns: item.DataItemColumns, FailedAt: s.nowFn(), FailedReason: reason}
		return tx.Create(&failed).Error
	})
}

// WaitingDataItems returns up to limit unplanned items in insertion order.
func (s *Store) WaitingDataItems(ctx context.Context, limit int) ([]NewDataItem, error) {
	var items []NewDataItem
	err := s.db.WithContext(ctx).
		Order("uploaded_date asc, data_item_id asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// CreatePlan atomically moves the given new items into planned state under a
// fresh plan. Items that no longer exist in new_data_items are skipped, which
// keeps the planner idempotent across queue redeliveries.
func (s *Store) CreatePlan(ctx context.Context, planID string, dataItemIDs []string) (int, error) {
	moved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var items []NewDataItem
		if err := tx.Find(&items, "data_item_id IN ?", dataItemIDs).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		now := s.nowFn()
		if err := tx.Create(&BundlePlan{PlanID: planID, CreatedAt: now}).Error; err != nil {
			return err
		}
		planned := make([]PlannedDataItem, 0, len(items))
		ids := make([]string, 0, len(items))
		for _, item := range items {
			planned = append(planned, PlannedDataItem{
				DataItemColumns: item.DataItemColumns,
				PlanID:          planID,
				PlannedAt:       now,
			})
			ids = append(ids, item.DataItemID)
		}
		if err := tx.Delete(&NewDataItem{}, "data_item_id IN ?", ids).Error; err != nil {
			return err
		}
		if err := tx.Create(&planned).Error; err != nil {
			return err
		}
		moved = len(planned)
		return nil
	})
	return moved, err
}

// PlannedItems lists the data items attached to a plan.
func (s *Store) PlannedItems(ctx context.Context, planID string) ([]PlannedDataItem, error) {
	var items []PlannedDataItem
	err := s.db.WithContext(ctx).
		Order("data_item_id asc").
		Find(&items, "plan_id = ?", planID).Error
	return items, err
}

// InsertNewBundle records the assembled, unsigned bundle for a plan.
// Re-preparing the same plan updates the bundle id in place.
func (s *Store) InsertNewBundle(ctx context.Context, planID, bundleID string, payloadByteCount int64) error {
	bundle := NewBundle{
		BundleColumns: BundleColumns{PlanID: planID, BundleID: bundleID, PayloadByteCount: payloadByteCount},
		PreparedAt:    s.nowFn(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"bundle_id", "payload_byte_count", "prepared_at"}),
		}).
		Create(&bundle).Error
}

// MoveBundleToPosted transitions new_bundle -> posted_bundle.
func (s *Store) MoveBundleToPosted(ctx context.Context, planID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bundle NewBundle
		if err := tx.First(&bundle, "plan_id = ?", planID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return s.planStateError(tx, planID, "new_bundles")
			}
			return err
		}
		if err := tx.Delete(&NewBundle{}, "plan_id = ?", planID).Error; err != nil {
			return err
		}
		posted := PostedBundle{
			BundleColumns: bundle.BundleColumns,
			PreparedAt:    bundle.PreparedAt,
			PostedAt:      s.nowFn(),
		}
		return tx.Create(&posted).Error
	})
}

// MoveBundleToSeeded transitions posted_bundle -> seeded_bundle.
func (s *Store) MoveBundleToSeeded(ctx context.Context, planID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bundle PostedBundle
		if err := tx.First(&bundle, "plan_id = ?", planID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return s.planStateError(tx, planID, "posted_bundles")
			}
			return err
		}
		if err := tx.Delete(&PostedBundle{}, "plan_id = ?", planID).Error; err != nil {
			return err
		}
		seeded := SeededBundle{
			BundleColumns: bundle.BundleColumns,
			PreparedAt:    bundle.PreparedAt,
			PostedAt:      bundle.PostedAt,
			SeededAt:      s.nowFn(),
		}
		return tx.Create(&seeded).Error
	})
}

// UpdateBundleAsPermanent transitions seeded_bundle -> permanent_bundle and
// every planned item of the plan into permanent_data_items. The bundle must
// currently be seeded; any other state raises ErrBundlePlanInAnotherState.
func (s *Store) UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bundle SeededBundle
		if err := tx.First(&bundle, "plan_id = ?", planID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return s.planStateError(tx, planID, "seeded_bundles")
			}
			return err
		}
		now := s.nowFn()
		if err := tx.Delete(&SeededBundle{}, "plan_id = ?", planID).Error; err != nil {
			return err
		}
		permanent := PermanentBundle{
			BundleColumns: bundle.BundleColumns,
			PostedAt:      bundle.PostedAt,
			SeededAt:      bundle.SeededAt,
			BlockHeight:   blockHeight,
			PermanentAt:   now,
			IndexedOnGQL:  indexedOnGQL,
		}
		if err := tx.Create(&permanent).Error; err != nil {
			return err
		}

		var planned []PlannedDataItem
		if err := tx.Find(&planned, "plan_id = ?", planID).Error; err != nil {
			return err
		}
		if len(planned) == 0 {
			return nil
		}
		items := make([]PermanentDataItem, 0, len(planned))
		ids := make([]string, 0, len(planned))
		for _, p := range planned {
			items = append(items, PermanentDataItem{
				DataItemColumns: p.DataItemColumns,
				PlanID:          planID,
				BundleID:        bundle.BundleID,
				BlockHeight:     blockHeight,
				PermanentAt:     now,
			})
			ids = append(ids, p.DataItemID)
		}
		if err := tx.Delete(&PlannedDataItem{}, "data_item_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Create(&items).Error
	})
}

// RepackBundle marks the bundle failed and returns its planned items to
// new_data_items so the planner can pick them up again. When repack is false
// (the re-pack budget is exhausted) the items are failed instead.
func (s *Store) RepackBundle(ctx context.Context, planID, reason string, repackCount int, repack bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols, err := takeBundleAnyState(tx, planID)
		if err != nil {
			return err
		}
		now := s.nowFn()
		failed := FailedBundle{
			BundleColumns: cols,
			FailedAt:      now,
			FailedReason:  reason,
			RepackCount:   repackCount,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"failed_at", "failed_reason", "repack_count"}),
		}).Create(&failed).Error; err != nil {
			return err
		}

		var planned []PlannedDataItem
		if err := tx.Find(&planned, "plan_id = ?", planID).Error; err != nil {
			return err
		}
		if len(planned) == 0 {
			return nil
		}
		ids := make([]string, 0, len(planned))
		for _, p := range planned {
			ids = append(ids, p.DataItemID)
		}
		if err := tx.Delete(&PlannedDataItem{}, "data_item_id IN ?", ids).Error; err != nil {
			return err
		}
		if repack {
			items := make([]NewDataItem, 0, len(planned))
			for _, p := range planned {
				items = append(items, NewDataItem{DataItemColumns: p.DataItemColumns})
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&items).Error
		}
		items := make([]FailedDataItem, 0, len(planned))
		for _, p := range planned {
			items = append(items, FailedDataItem{DataItemColumns: p.DataItemColumns, FailedAt: now, FailedReason: reason})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&items).Error
	})
}

// takeBundleAnyState deletes the bundle row from whichever lifecycle table
// currently holds it and returns its shared columns.
func takeBundleAnyState(tx *gorm.DB, planID string) (BundleColumns, error) {
	var newBundle NewBundle
	if err := tx.First(&newBundle, "plan_id = ?", planID).Error; err == nil {
		return newBundle.BundleColumns, tx.Delete(&NewBundle{}, "plan_id = ?", planID).Error
	}
	var posted PostedBundle
	if err := tx.First(&posted, "plan_id = ?", planID).Error; err == nil {
		return posted.BundleColumns, tx.Delete(&PostedBundle{}, "plan_id = ?", planID).Error
	}
	var seeded SeededBundle
	if err := tx.First(&seeded, "plan_id = ?", planID).Error; err == nil {
		return seeded.BundleColumns, tx.Delete(&SeededBundle{}, "plan_id = ?", planID).Error
	}
	return BundleColumns{}, fmt.Errorf("%w: plan %s", ErrBundlePlanNotFound, planID)
}

// planStateError distinguishes "unknown plan" from "plan in another state".
func (s *Store) planStateError(tx *gorm.DB, planID, expectedTable string) error {
	var count int64
	for _, model := range []interface{}{&NewBundle{}, &PostedBundle{}, &SeededBundle{}, &PermanentBundle{}, &FailedBundle{}} {
		if err := tx.Model(model).Where("plan_id = ?", planID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: plan %s (wanted %s)", ErrBundlePlanInAnotherState, planID, expectedTable)
		}
	}
	return fmt.Errorf("%w: plan %s", ErrBundlePlanNotFound, planID)
}

// DataItemStatus reports which lifecycle state holds a data item.
type DataItemStatus struct {
	DataItemID  string `json:"id"`
	Status      string `json:"status"`
	BundleID    string `json:"bundleId,omitempty"`
	BlockHeight int64  `json:"blockHeight,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// GetDataItemStatus searches the lifecycle tables in likelihood order.
func (s *Store) GetDataItemStatus(ctx context.Context, dataItemID string) (*DataItemStatus, error) {
	db := s.db.WithContext(ctx)
	var permanent PermanentDataItem
	if err := db.First(&permanent, "data_item_id = ?", dataItemID).Error; err == nil {
		return &DataItemStatus{
			DataItemID:  dataItemID,
			Status:      "permanent",
			BundleID:    permanent.BundleID,
			BlockHeight: permanent.BlockHeight,
		}, nil
	}
	var planned PlannedDataItem
	if err := db.First(&planned, "data_item_id = ?", dataItemID).Error; err == nil {
		return &DataItemStatus{DataItemID: dataItemID, Status: "planned"}, nil
	}
	var pending NewDataItem
	if err := db.First(&pending, "data_item_id = ?", dataItemID).Error; err == nil {
		return &DataItemStatus{DataItemID: dataItemID, Status: "pending"}, nil
	}
	var failed FailedDataItem
	if err := db.First(&failed, "data_item_id = ?", dataItemID).Error; err == nil {
		return &DataItemStatus{DataItemID: dataItemID, Status: "failed", Reason: failed.FailedReason}, nil
	}
	return nil, ErrDataItemNotFound
}

// InsertOffsets upserts byte-offset metadata for data items in a bundle.
func (s *Store) InsertOffsets(ctx context.Context, offsets []DataItemOffset) error {
	if len(offsets) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "data_item_id"}},
			UpdateAll: true,
		}).
		Create(&offsets).Error
}

// GetOffsets returns offset metadata for a data item.
func (s *Store) GetOffsets(ctx context.Context, dataItemID string) (*DataItemOffset, error) {
	var offset DataItemOffset
	if err := s.db.WithContext(ctx).First(&offset, "data_item_id = ?", dataItemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDataItemNotFound
		}
		return nil, err
	}
	return &offset, nil
}

// PermanentItemsAfter reads permanent data items in ascending
// (uploaded_date, data_item_id) order strictly after the cursor position.
func (s *Store) PermanentItemsAfter(ctx context.Context, cursorDate time.Time, cursorID string, limit int) ([]PermanentDataItem, error) {
	var items []PermanentDataItem
	q := s.db.WithContext(ctx).Order("uploaded_date asc, data_item_id asc").Limit(limit)
	if !cursorDate.IsZero() {
		q = q.Where("uploaded_date > ? OR (uploaded_date = ? AND data_item_id > ?)", cursorDate, cursorDate, cursorID)
	}
	err := q.Find(&items).Error
	return items, err
}

// ExpiredInFlightUploads lists multipart sessions whose TTL elapsed while
// still in flight, oldest expiry first.
func (s *Store) ExpiredInFlightUploads(ctx context.Context, now time.Time, limit int) ([]MultipartUpload, error) {
	var uploads []MultipartUpload
	err := s.db.WithContext(ctx).
		Where("state = ? AND ttl_expires_at < ?", UploadInFlight, now).
		Order("ttl_expires_at asc").Limit(limit).
		Find(&uploads).Error
	return uploads, err
}

// GetConfig reads a JSON value from the config table into out. Missing keys
// return false without error.
func (s *Store) GetConfig(ctx context.Context, key string, out interface{}) (bool, error) {
	var entry ConfigEntry
	if err := s.db.WithContext(ctx).First(&entry, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		return false, fmt.Errorf("storage: decode config %s: %w", key, err)
	}
	return true, nil
}

// SetConfig upserts a JSON value into the config table.
func (s *Store) SetConfig(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode config %s: %w", key, err)
	}
	entry := ConfigEntry{Key: key, Value: string(raw), UpdatedAt: s.nowFn()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
}
