package storage

import (
	"time"
)

// Signature type identifiers in the ANS-104 registry.
const (
	SignatureArweave       = 1
	SignatureED25519       = 2
	SignatureEthereum      = 3
	SignatureSolana        = 4
	SignatureInjectedAptos = 5
	SignatureMultiAptos    = 6
	SignatureTypedEthereum = 7
	SignatureKyve          = 101
)

// Failure reasons recorded when a data item or bundle leaves the happy path.
const (
	FailedToBundle = "failed_to_bundle"
	FailedToPost   = "failed_to_post"
	FailedToSeed   = "failed_to_seed"
	FailedToVerify = "failed_to_verify"
	NotFound       = "not_found"
)

// DataItemColumns are shared by every data item lifecycle table.
type DataItemColumns struct {
	DataItemID         string    `gorm:"primaryKey;size:64;column:data_item_id"`
	OwnerAddress       string    `gorm:"size:64;index"`
	ByteCount          int64     `gorm:"not null"`
	PayloadDataStart   int64     `gorm:"not null"`
	PayloadContentType string    `gorm:"size:255"`
	SignatureType      int       `gorm:"not null"`
	UploadedAt         time.Time `gorm:"index;column:uploaded_date"`
	DeadlineHeight     int64
	AssessedWinc       string `gorm:"size:40;column:assessed_winston_price"`
}

// NewDataItem is an admitted item waiting to be planned into a bundle.
type NewDataItem struct {
	DataItemColumns
}

func (NewDataItem) TableName() string { return "new_data_items" }

// PlannedDataItem belongs to exactly one bundle plan.
type PlannedDataItem struct {
	DataItemColumns
	PlanID    string    `gorm:"size:36;index;not null"`
	PlannedAt time.Time `gorm:"not null"`
}

func (PlannedDataItem) TableName() string { return "planned_data_items" }

// PermanentDataItem has been verified inside a permanent bundle.
type PermanentDataItem struct {
	DataItemColumns
	PlanID      string    `gorm:"size:36;index"`
	BundleID    string    `gorm:"size:64;index"`
	BlockHeight int64     `gorm:"not null"`
	PermanentAt time.Time `gorm:"not null"`
}

func (PermanentDataItem) TableName() string { return "permanent_data_items" }

// FailedDataItem fell out of the pipeline after the re-pack budget ran out.
type FailedDataItem struct {
	DataItemColumns
	FailedAt     time.Time `gorm:"not null"`
	FailedReason string    `gorm:"size:64"`
}

func (FailedDataItem) TableName() string { return "failed_data_items" }

// BundlePlan groups data items selected by the planner.
type BundlePlan struct {
	PlanID    string    `gorm:"primaryKey;size:36"`
	CreatedAt time.Time `gorm:"not null"`
}

func (BundlePlan) TableName() string { return "bundle_plans" }

// BundleColumns are shared by every bundle lifecycle table.
type BundleColumns struct {
	PlanID           string `gorm:"primaryKey;size:36"`
	BundleID         string `gorm:"size:64;index;column:bundle_id"`
	PayloadByteCount int64
}

// NewBundle is assembled and signed but not yet broadcast.
type NewBundle struct {
	BundleColumns
	PreparedAt time.Time `gorm:"not null"`
}

func (NewBundle) TableName() string { return "new_bundles" }

// PostedBundle has its transaction broadcast to the chain.
type PostedBundle struct {
	BundleColumns
	PreparedAt time.Time
	PostedAt   time.Time `gorm:"not null"`
}

func (PostedBundle) TableName() string { return "posted_bundles" }

// SeededBundle has all chunks uploaded and awaits finality.
type SeededBundle struct {
	BundleColumns
	PreparedAt time.Time
	PostedAt   time.Time
	SeededAt   time.Time `gorm:"not null"`
}

func (SeededBundle) TableName() string { return "seeded_bundles" }

// PermanentBundle is final on chain.
type PermanentBundle struct {
	BundleColumns
	PostedAt     time.Time
	SeededAt     time.Time
	BlockHeight  int64     `gorm:"not null"`
	PermanentAt  time.Time `gorm:"not null"`
	IndexedOnGQL bool
}

func (PermanentBundle) TableName() string { return "permanent_bundles" }

// FailedBundle records a plan that could not reach permanence.
type FailedBundle struct {
	BundleColumns
	FailedAt     time.Time `gorm:"not null"`
	FailedReason string    `gorm:"size:64"`
	RepackCount  int
}

func (FailedBundle) TableName() string { return "failed_bundles" }

// Multipart upload states.
const (
	UploadInFlight  = "in_flight"
	UploadFinalized = "finalized"
	UploadFailed    = "failed"
)

// MultipartUpload is a deposit-bound upload session.
type MultipartUpload struct {
	UploadID         string    `gorm:"primaryKey;size:64"`
	UploadKey        string    `gorm:"size:255;not null"`
	ChunkSize        int64     `gorm:"not null"`
	DepositPaymentID string    `gorm:"size:36;uniqueIndex;not null"`
	PayerAddress     string    `gorm:"size:64;index"`
	State            string    `gorm:"size:16;index;not null"`
	FailedReason     string    `gorm:"size:64"`
	DataItemID       string    `gorm:"size:64;index"`
	CreatedAt        time.Time `gorm:"not null"`
	TTLExpiresAt     time.Time `gorm:"not null;column:ttl_expires_at"`
}

func (MultipartUpload) TableName() string { return "multipart_uploads" }

// DataItemOffset locates a data item inside its root bundle, for serving
// range reads and retention.
type DataItemOffset struct {
	DataItemID              string `gorm:"primaryKey;size:64"`
	RootBundleID            string `gorm:"size:64;index"`
	StartOffsetInRootBundle int64
	RawContentLength        int64
	PayloadDataStart        int64
	PayloadContentType      string `gorm:"size:255"`
	ParentDataItemID        string `gorm:"size:64"`
	StartOffsetInParent     int64
	ExpiresAt               int64 `gorm:"index"`
}

func (DataItemOffset) TableName() string { return "data_item_offsets" }

// ConfigEntry is the tiny key/value table backing the janitor cursor and
// repeatable-job anchors.
type ConfigEntry struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (ConfigEntry) TableName() string { return "config" }
