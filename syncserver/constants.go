// Package syncserver implements the server half of the warehouse tracker
// submission protocol: Postgres-backed procedures that apply queued
// transactions and catalog mutations exactly once, guarded by client
// idempotency keys and optimistic row versions.
package syncserver

// Result codes returned per submission.
const (
	CodeApplied         = "applied"
	CodeDuplicate       = "duplicate" // idempotency key already processed
	CodeVersionConflict = "version_conflict"
	CodeInvalid         = "invalid"
	CodeUnknownDomain   = "unknown_domain"
	CodeBadPayload      = "bad_payload"
	CodeInternalError   = "internal_error"
)

// Transaction types accepted by SubmitTransaction. check_out applies a
// negative delta, the rest apply the signed quantity as sent.
const (
	TxCheckIn    = "check_in"
	TxCheckOut   = "check_out"
	TxProduction = "production"
	TxCorrection = "correction"
)

// Archive actions.
const (
	ActionArchive = "archive"
	ActionRestore = "restore"
)
