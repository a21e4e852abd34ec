package syncserver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestSignedDelta(t *testing.T) {
	require.Equal(t, 5.0, signedDelta(TxCheckIn, 5))
	require.Equal(t, -5.0, signedDelta(TxCheckOut, 5))
	require.Equal(t, 5.0, signedDelta(TxProduction, 5))
	// Corrections carry their sign from the client.
	require.Equal(t, -2.5, signedDelta(TxCorrection, -2.5))
	require.Equal(t, 2.5, signedDelta(TxCorrection, 2.5))
}

func TestValidTransactionType(t *testing.T) {
	for _, valid := range []string{TxCheckIn, TxCheckOut, TxProduction, TxCorrection} {
		require.True(t, validTransactionType(valid), valid)
	}
	require.False(t, validTransactionType(""))
	require.False(t, validTransactionType("checkin"))
	require.False(t, validTransactionType("CHECK_IN"))
}

func TestEditableItemColumns(t *testing.T) {
	// The whitelist keeps edits away from server-managed columns.
	for _, blocked := range []string{"id", "version", "current_stock", "created_at", "archived"} {
		require.False(t, editableItemColumns[blocked], blocked)
	}
	for _, allowed := range []string{"name", "sku", "barcode", "min_stock", "max_stock", "unit", "category_name", "is_commissary"} {
		require.True(t, editableItemColumns[allowed], allowed)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	require.True(t, isUniqueViolation(unique))
	require.True(t, isUniqueViolation(fmt.Errorf("insert failed: %w", unique)))

	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("plain error")))
	require.False(t, isUniqueViolation(nil))
}

func TestIsRetryablePGTxError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: code}), code)
	}
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("plain error")))
}

func TestInvalidResponse(t *testing.T) {
	resp := invalidResponse(CodeBadPayload, "missing field")
	require.False(t, resp.Success)
	require.Equal(t, CodeBadPayload, resp.Code)
	require.Equal(t, "missing field", resp.Message)
}
