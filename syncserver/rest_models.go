package syncserver

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the submission HTTP API. The offline client's gateway
// shares these types so both halves agree on the wire format.

// TransactionSubmit is one queued stock movement. IdempotencyKey is the
// client-generated token that survives retries of the same logical operation;
// the server collapses repeated submissions of the same key into one effect.
type TransactionSubmit struct {
	TransactionType       string    `json:"transaction_type"`
	Domain                string    `json:"domain"` // business-unit routing
	ItemID                string    `json:"item_id"`
	Quantity              float64   `json:"quantity"`
	Notes                 string    `json:"notes,omitempty"`
	SourceLocationID      *string   `json:"source_location_id,omitempty"`
	DestinationLocationID *string   `json:"destination_location_id,omitempty"`
	UserID                string    `json:"user_id"`
	DeviceTimestamp       time.Time `json:"device_timestamp"`
	IdempotencyKey        string    `json:"idempotency_key"`
}

// ItemEditSubmit is a pending catalog edit with optimistic concurrency.
type ItemEditSubmit struct {
	ItemID          string          `json:"item_id"`
	Changes         json.RawMessage `json:"changes"` // changed fields only
	ExpectedVersion int64           `json:"expected_version"`
	UserID          string          `json:"user_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

// ItemCreateSubmit is a pending catalog item creation. TempSKU identifies the
// offline row until the server assigns a permanent id.
type ItemCreateSubmit struct {
	TempSKU        string          `json:"temp_sku"`
	ItemData       json.RawMessage `json:"item_data"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ItemArchiveSubmit archives or restores an item, version-guarded.
type ItemArchiveSubmit struct {
	ItemID          string `json:"item_id"`
	Action          string `json:"action"` // archive | restore
	ExpectedVersion int64  `json:"expected_version"`
	UserID          string `json:"user_id"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// SubmitResponse is the uniform result envelope for all submission kinds.
type SubmitResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"` // applied, duplicate, version_conflict, ...
	Message string `json:"message,omitempty"`

	// Stock figures after a transaction was applied (or originally applied,
	// for a duplicate replay). The client refreshes its item cache from these.
	ItemID      string   `json:"item_id,omitempty"`
	StockBefore *float64 `json:"stock_before,omitempty"`
	StockAfter  *float64 `json:"stock_after,omitempty"`

	// New row version after a catalog mutation was applied.
	NewVersion *int64 `json:"new_version,omitempty"`

	// Server-assigned id for item creates.
	ServerID string `json:"server_id,omitempty"`

	// Current server row on version_conflict, so the client can prompt
	// re-resolution with expected vs. actual versions.
	ActualVersion *int64          `json:"actual_version,omitempty"`
	ServerRow     json.RawMessage `json:"server_row,omitempty"`
}

// ErrorResponse is returned for transport-level failures (auth, bad JSON).
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
