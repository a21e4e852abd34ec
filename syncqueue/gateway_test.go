package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub005/syncserver"
)

func staticToken(token string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func TestHTTPGatewayApplied(t *testing.T) {
	before, after := 10.0, 12.5
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/transactions", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req syncserver.TransactionSubmit
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "key-1", req.IdempotencyKey)

		json.NewEncoder(w).Encode(syncserver.SubmitResponse{
			Success: true, Code: syncserver.CodeApplied, ItemID: req.ItemID,
			StockBefore: &before, StockAfter: &after,
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, staticToken("tok-1"), nil)
	resp, err := g.SubmitTransaction(context.Background(), &syncserver.TransactionSubmit{
		TransactionType: TxCheckIn, ItemID: "item-1", Quantity: 2.5,
		UserID: "u1", Domain: "default", DeviceTimestamp: time.Now().UTC(),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, 12.5, *resp.StockAfter)
}

func TestHTTPGatewayDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(syncserver.SubmitResponse{
			Success: true, Code: syncserver.CodeDuplicate, ItemID: "item-1",
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, staticToken("tok-1"), nil)
	resp, err := g.SubmitTransaction(context.Background(), &syncserver.TransactionSubmit{IdempotencyKey: "key-1"})
	require.ErrorIs(t, err, ErrAlreadyApplied)
	require.NotNil(t, resp)
}

func TestHTTPGatewayVersionConflict(t *testing.T) {
	actual := int64(9)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(syncserver.SubmitResponse{
			Success: false, Code: syncserver.CodeVersionConflict, ItemID: "item-1",
			ActualVersion: &actual, ServerRow: json.RawMessage(`{"id":"item-1","version":9}`),
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, staticToken("tok-1"), nil)
	_, err := g.SubmitItemEdit(context.Background(), &syncserver.ItemEditSubmit{
		ItemID: "item-1", Changes: json.RawMessage(`{"name":"x"}`),
		ExpectedVersion: 4, IdempotencyKey: "key-1",
	})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "item-1", conflict.ItemID)
	require.Equal(t, int64(9), conflict.ActualVersion)
	require.NotEmpty(t, conflict.ServerRow)
}

func TestHTTPGatewayServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, staticToken("tok-1"), nil)
	_, err := g.SubmitTransaction(context.Background(), &syncserver.TransactionSubmit{IdempotencyKey: "key-1"})
	require.Error(t, err)

	// Transport failures are the generic retryable category, never duplicate
	// or conflict.
	require.NotErrorIs(t, err, ErrAlreadyApplied)
	var conflict *ConflictError
	require.False(t, errors.As(err, &conflict))
}

func TestHTTPGatewayRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(syncserver.SubmitResponse{
			Success: false, Code: syncserver.CodeInvalid, Message: "insufficient stock",
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, staticToken("tok-1"), nil)
	_, err := g.SubmitTransaction(context.Background(), &syncserver.TransactionSubmit{IdempotencyKey: "key-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "422")
}
