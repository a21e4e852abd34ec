package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const txRetryAttempts = 3

// withTxRetry runs fn in a transaction, retrying serialization and deadlock
// failures a few times. Idempotency gates make the retries safe: an attempt
// that actually committed is answered as a duplicate on re-entry.
func (s *SubmitService) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil {
			return nil
		}
		if attempt < txRetryAttempts && isRetryablePGTxError(err) {
			s.logger.Debug("Retrying submission transaction", "attempt", attempt, "error", err)
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
			backoff *= 2
			continue
		}
		return err
	}
}

// SubmitTransaction applies one stock movement exactly once.
//
// The ledger's UNIQUE idempotency_key is the gate: a replay (client retry
// after a crash between "network call sent" and "local delete executed")
// finds the original ledger row and is answered with its figures instead of
// being applied again. stock_after is always computed from the item row at
// application time, which is why clients must submit movements for the same
// item in creation order.
func (s *SubmitService) SubmitTransaction(ctx context.Context, req *TransactionSubmit) (*SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		return invalidResponse(CodeBadPayload, "idempotency_key is required"), nil
	}
	if !validTransactionType(req.TransactionType) {
		return invalidResponse(CodeBadPayload, fmt.Sprintf("unknown transaction_type %q", req.TransactionType)), nil
	}
	if !s.domainAllowed(req.Domain) {
		return invalidResponse(CodeUnknownDomain, fmt.Sprintf("domain %q is not served here", req.Domain)), nil
	}

	var resp *SubmitResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		// Idempotency gate, check-first. The UNIQUE constraint below still
		// backstops a concurrent race on the same key.
		if dup, err := s.replayLedger(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if dup != nil {
			resp = dup
			return nil
		}

		var stockBefore float64
		var version int64
		err := tx.QueryRow(ctx, `
			SELECT current_stock, version FROM tracker.items WHERE id = $1 FOR UPDATE
		`, req.ItemID).Scan(&stockBefore, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			resp = invalidResponse(CodeInvalid, fmt.Sprintf("unknown item %s", req.ItemID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock item row: %w", err)
		}

		delta := signedDelta(req.TransactionType, req.Quantity)
		stockAfter := stockBefore + delta
		if stockAfter < 0 {
			resp = invalidResponse(CodeInvalid,
				fmt.Sprintf("insufficient stock: %0.3f available, delta %0.3f", stockBefore, delta))
			return nil
		}

		newVersion := version + 1
		_, err = tx.Exec(ctx, `
			INSERT INTO tracker.stock_ledger
				(id, idempotency_key, domain, item_id, transaction_type, quantity_delta,
				 stock_before, stock_after, notes, source_location_id,
				 destination_location_id, user_id, device_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, uuid.New(), req.IdempotencyKey, req.Domain, req.ItemID, req.TransactionType,
			delta, stockBefore, stockAfter, req.Notes, req.SourceLocationID,
			req.DestinationLocationID, req.UserID, req.DeviceTimestamp)
		if err != nil {
			return fmt.Errorf("failed to append ledger row: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE tracker.items SET current_stock = $1, version = $2, updated_at = now()
			WHERE id = $3
		`, stockAfter, newVersion, req.ItemID)
		if err != nil {
			return fmt.Errorf("failed to update item stock: %w", err)
		}

		resp = &SubmitResponse{
			Success:     true,
			Code:        CodeApplied,
			ItemID:      req.ItemID,
			StockBefore: &stockBefore,
			StockAfter:  &stockAfter,
			NewVersion:  &newVersion,
		}
		return nil
	})
	if err != nil {
		// A concurrent retry of the same key can lose the race to the UNIQUE
		// constraint after the check-first gate passed. Answer from the
		// winner's ledger row.
		if isUniqueViolation(err) {
			var dup *SubmitResponse
			dupErr := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
				var replayErr error
				dup, replayErr = s.replayLedger(ctx, tx, req.IdempotencyKey)
				return replayErr
			})
			if dupErr == nil && dup != nil {
				return dup, nil
			}
		}
		return nil, err
	}
	return resp, nil
}

// replayLedger answers a replayed transaction from its original ledger row.
// Returns (nil, nil) when the key has not been processed.
func (s *SubmitService) replayLedger(ctx context.Context, tx pgx.Tx, idempotencyKey string) (*SubmitResponse, error) {
	var itemID string
	var stockBefore, stockAfter float64
	err := tx.QueryRow(ctx, `
		SELECT item_id, stock_before, stock_after
		FROM tracker.stock_ledger WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&itemID, &stockBefore, &stockAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check ledger idempotency gate: %w", err)
	}
	return &SubmitResponse{
		Success:     true,
		Code:        CodeDuplicate,
		Message:     "idempotency key already applied",
		ItemID:      itemID,
		StockBefore: &stockBefore,
		StockAfter:  &stockAfter,
	}, nil
}

// Columns a client may change through an item edit.
var editableItemColumns = map[string]bool{
	"sku":           true,
	"name":          true,
	"barcode":       true,
	"min_stock":     true,
	"max_stock":     true,
	"unit":          true,
	"category_name": true,
	"is_commissary": true,
}

// SubmitItemEdit applies a version-guarded catalog edit exactly once. A
// mismatch between expected_version and the current row version is a
// conflict, answered with the full server row so the client can prompt
// re-resolution; it is never auto-retried.
func (s *SubmitService) SubmitItemEdit(ctx context.Context, req *ItemEditSubmit) (*SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		return invalidResponse(CodeBadPayload, "idempotency_key is required"), nil
	}
	var changes map[string]any
	if err := json.Unmarshal(req.Changes, &changes); err != nil || len(changes) == 0 {
		return invalidResponse(CodeBadPayload, "changes must be a non-empty JSON object"), nil
	}
	for col := range changes {
		if !editableItemColumns[strings.ToLower(col)] {
			return invalidResponse(CodeBadPayload, fmt.Sprintf("field %q is not editable", col)), nil
		}
	}

	var resp *SubmitResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		if dup, err := s.replayMutation(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if dup != nil {
			resp = dup
			return nil
		}

		conflict, version, err := s.checkItemVersion(ctx, tx, req.ItemID, req.ExpectedVersion)
		if err != nil {
			return err
		}
		if conflict != nil {
			resp = conflict
			return nil
		}

		setClauses := make([]string, 0, len(changes)+2)
		args := make([]any, 0, len(changes)+2)
		for col, val := range changes {
			args = append(args, val)
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", strings.ToLower(col), len(args)))
		}
		newVersion := version + 1
		args = append(args, newVersion)
		setClauses = append(setClauses, fmt.Sprintf("version = $%d", len(args)))
		args = append(args, req.ItemID)

		query := fmt.Sprintf(`UPDATE tracker.items SET %s, updated_at = now() WHERE id = $%d`,
			strings.Join(setClauses, ", "), len(args))
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to apply item edit: %w", err)
		}

		resp = &SubmitResponse{
			Success:    true,
			Code:       CodeApplied,
			ItemID:     req.ItemID,
			NewVersion: &newVersion,
		}
		return s.recordMutation(ctx, tx, req.IdempotencyKey, "edit", req.ItemID, req.UserID, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitItemCreate creates a catalog item exactly once and returns the
// server-assigned id. Replays return the originally assigned id so offline
// clients can finish adopting it.
func (s *SubmitService) SubmitItemCreate(ctx context.Context, req *ItemCreateSubmit) (*SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		return invalidResponse(CodeBadPayload, "idempotency_key is required"), nil
	}
	var item struct {
		SKU          string  `json:"sku"`
		Name         string  `json:"name"`
		Barcode      *string `json:"barcode"`
		MinStock     float64 `json:"min_stock"`
		MaxStock     float64 `json:"max_stock"`
		Unit         string  `json:"unit"`
		CategoryName *string `json:"category_name"`
		IsCommissary bool    `json:"is_commissary"`
	}
	if err := json.Unmarshal(req.ItemData, &item); err != nil {
		return invalidResponse(CodeBadPayload, "item_data is not a valid item"), nil
	}
	if item.Name == "" {
		return invalidResponse(CodeBadPayload, "item name is required"), nil
	}
	if item.SKU == "" {
		item.SKU = req.TempSKU
	}
	if item.SKU == "" {
		return invalidResponse(CodeBadPayload, "sku is required"), nil
	}
	if item.Unit == "" {
		item.Unit = "pcs"
	}

	var resp *SubmitResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		if dup, err := s.replayMutation(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if dup != nil {
			resp = dup
			return nil
		}

		serverID := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO tracker.items
				(id, sku, name, barcode, min_stock, max_stock, unit, category_name, is_commissary)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, serverID, item.SKU, item.Name, item.Barcode, item.MinStock, item.MaxStock,
			item.Unit, item.CategoryName, item.IsCommissary)
		if err != nil {
			if isUniqueViolation(err) {
				resp = invalidResponse(CodeInvalid, fmt.Sprintf("sku %q already exists", item.SKU))
				return nil
			}
			return fmt.Errorf("failed to insert item: %w", err)
		}

		newVersion := int64(0)
		resp = &SubmitResponse{
			Success:    true,
			Code:       CodeApplied,
			ItemID:     serverID.String(),
			ServerID:   serverID.String(),
			NewVersion: &newVersion,
		}
		return s.recordMutation(ctx, tx, req.IdempotencyKey, "create", serverID.String(), req.UserID, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitItemArchive archives or restores an item, version-guarded like an
// edit.
func (s *SubmitService) SubmitItemArchive(ctx context.Context, req *ItemArchiveSubmit) (*SubmitResponse, error) {
	if req.IdempotencyKey == "" {
		return invalidResponse(CodeBadPayload, "idempotency_key is required"), nil
	}
	if req.Action != ActionArchive && req.Action != ActionRestore {
		return invalidResponse(CodeBadPayload, fmt.Sprintf("unknown action %q", req.Action)), nil
	}

	var resp *SubmitResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		if dup, err := s.replayMutation(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if dup != nil {
			resp = dup
			return nil
		}

		conflict, version, err := s.checkItemVersion(ctx, tx, req.ItemID, req.ExpectedVersion)
		if err != nil {
			return err
		}
		if conflict != nil {
			resp = conflict
			return nil
		}

		newVersion := version + 1
		_, err = tx.Exec(ctx, `
			UPDATE tracker.items SET archived = $1, version = $2, updated_at = now()
			WHERE id = $3
		`, req.Action == ActionArchive, newVersion, req.ItemID)
		if err != nil {
			return fmt.Errorf("failed to apply archive action: %w", err)
		}

		resp = &SubmitResponse{
			Success:    true,
			Code:       CodeApplied,
			ItemID:     req.ItemID,
			NewVersion: &newVersion,
		}
		return s.recordMutation(ctx, tx, req.IdempotencyKey, "archive", req.ItemID, req.UserID, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// checkItemVersion locks the item row and compares versions. Returns a
// conflict response (carrying the current server row) on mismatch, or the
// current version on match.
func (s *SubmitService) checkItemVersion(ctx context.Context, tx pgx.Tx, itemID string, expected int64) (*SubmitResponse, int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		SELECT version FROM tracker.items WHERE id = $1 FOR UPDATE
	`, itemID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return invalidResponse(CodeInvalid, fmt.Sprintf("unknown item %s", itemID)), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to lock item row: %w", err)
	}

	if version != expected {
		var serverRow json.RawMessage
		if err := tx.QueryRow(ctx, `
			SELECT row_to_json(i) FROM tracker.items i WHERE i.id = $1
		`, itemID).Scan(&serverRow); err != nil {
			return nil, 0, fmt.Errorf("failed to fetch server row for conflict: %w", err)
		}
		return &SubmitResponse{
			Success:       false,
			Code:          CodeVersionConflict,
			Message:       fmt.Sprintf("expected version %d, server has %d", expected, version),
			ItemID:        itemID,
			ActualVersion: &version,
			ServerRow:     serverRow,
		}, 0, nil
	}
	return nil, version, nil
}

// replayMutation answers a replayed catalog mutation from the gate. The
// stored result is returned with the duplicate code so clients settle the
// entry as already applied.
func (s *SubmitService) replayMutation(ctx context.Context, tx pgx.Tx, idempotencyKey string) (*SubmitResponse, error) {
	var stored []byte
	err := tx.QueryRow(ctx, `
		SELECT result FROM tracker.item_mutations WHERE idempotency_key = $1
	`, idempotencyKey).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check mutation idempotency gate: %w", err)
	}

	var resp SubmitResponse
	if err := json.Unmarshal(stored, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode stored mutation result: %w", err)
	}
	resp.Code = CodeDuplicate
	resp.Message = "idempotency key already applied"
	return &resp, nil
}

// recordMutation stores the successful result behind the idempotency gate,
// in the same transaction that applied it. Conflicts and invalids are not
// recorded: they applied nothing, so a later retry must re-evaluate.
func (s *SubmitService) recordMutation(ctx context.Context, tx pgx.Tx, idempotencyKey, kind, itemID, userID string, resp *SubmitResponse) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode mutation result: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO tracker.item_mutations (idempotency_key, kind, item_id, user_id, result)
		VALUES ($1, $2, $3, $4, $5)
	`, idempotencyKey, kind, itemID, userID, encoded); err != nil {
		return fmt.Errorf("failed to record mutation gate: %w", err)
	}
	return nil
}

func invalidResponse(code, message string) *SubmitResponse {
	return &SubmitResponse{Success: false, Code: code, Message: message}
}

func validTransactionType(t string) bool {
	switch t {
	case TxCheckIn, TxCheckOut, TxProduction, TxCorrection:
		return true
	default:
		return false
	}
}

// signedDelta derives the signed stock delta from the transaction type.
// Clients submit magnitudes; check-outs subtract, everything else adds
// (corrections carry their own sign from the client).
func signedDelta(transactionType string, quantity float64) float64 {
	if transactionType == TxCheckOut {
		return -quantity
	}
	return quantity
}
