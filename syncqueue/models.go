package syncqueue

import (
	"encoding/json"
	"time"
)

// Transaction types for queued stock movements.
const (
	TxCheckIn    = "check_in"
	TxCheckOut   = "check_out"
	TxProduction = "production"
	TxCorrection = "correction"
)

// Queue entry statuses.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
)

// Pending image statuses (in addition to pending/failed).
const (
	StatusUploading      = "uploading"
	StatusWaitingForItem = "waiting_for_item"
)

// Archive actions.
const (
	ActionArchive = "archive"
	ActionRestore = "restore"
)

// Kind identifies a queue table. The queue kinds share the status/retry shape
// but carry different payloads, so repository operations that only touch that
// shared shape take a Kind instead of being quadruplicated.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindItemEdit    Kind = "item_edit"
	KindItemCreate  Kind = "item_create"
	KindItemArchive Kind = "item_archive"
)

// Kinds lists all queue kinds in drain order. Transactions drain first so
// stock movements referencing an item are not starved by catalog churn;
// creates drain before edits/archives so offline-created items exist remotely
// before mutations against them are attempted.
var Kinds = []Kind{KindTransaction, KindItemCreate, KindItemEdit, KindItemArchive}

// QueuedTransaction is a pending stock movement. The idempotency key is
// assigned once at enqueue time and survives every retry of the same logical
// operation; it is never regenerated.
type QueuedTransaction struct {
	ID                    string
	TransactionType       string
	ItemID                string
	Quantity              float64 // signed delta magnitude, already clamped+rounded
	Notes                 string
	SourceLocationID      *string
	DestinationLocationID *string
	DeviceTimestamp       time.Time
	IdempotencyKey        string
	UserID                string
	Domain                string // routes to the backend procedure per business unit
	Status                string
	RetryCount            int
	LastError             *string
	LastAttemptAt         *time.Time
	CreatedAt             time.Time
}

// QueuedItemEdit is a pending catalog mutation guarded by optimistic
// concurrency: the remote write is rejected unless the server row still has
// ExpectedVersion.
type QueuedItemEdit struct {
	ID              string
	ItemID          string
	Changes         json.RawMessage // changed fields only
	ExpectedVersion int64
	IdempotencyKey  string
	UserID          string
	Status          string
	RetryCount      int
	LastError       *string
	LastAttemptAt   *time.Time
	CreatedAt       time.Time
}

// QueuedItemCreate is a pending new catalog item. TempSKU identifies the row
// locally until the server assigns a permanent id.
type QueuedItemCreate struct {
	ID             string
	TempSKU        string
	ItemData       json.RawMessage
	IdempotencyKey string
	UserID         string
	Status         string
	RetryCount     int
	LastError      *string
	LastAttemptAt  *time.Time
	CreatedAt      time.Time
}

// QueuedItemArchive is a pending archive/restore action, version-guarded like
// an edit.
type QueuedItemArchive struct {
	ID              string
	ItemID          string
	Action          string
	ExpectedVersion int64
	IdempotencyKey  string
	UserID          string
	Status          string
	RetryCount      int
	LastError       *string
	LastAttemptAt   *time.Time
	CreatedAt       time.Time
}

// PendingImage is a queued media upload tied to an item. While the parent
// item is still an offline-created record the image sits in waiting_for_item
// and is released to pending once the item receives its server id.
type PendingImage struct {
	ID          string
	ItemID      string
	LocalPath   string
	ContentType string
	Status      string
	RetryCount  int
	LastError   *string
	CreatedAt   time.Time
}

// CachedItem is the local read replica of an authoritative catalog row.
// Stock figures here are refreshed opportunistically after successful syncs
// and are never used to compute deltas locally.
type CachedItem struct {
	ID           string
	SKU          string
	Name         string
	Barcode      *string
	CurrentStock float64
	MinStock     float64
	MaxStock     float64
	Unit         string
	CategoryName *string
	IsCommissary bool
	Version      int64
	UpdatedAt    time.Time
}

// CachedCategory mirrors a remote category row for offline browsing.
type CachedCategory struct {
	ID        string
	Name      string
	SortOrder int
	UpdatedAt time.Time
}
