package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub005/syncserver"
)

// ErrAlreadyApplied reports that the server recognized the idempotency key as
// already processed. Callers treat it exactly like success: the local entry
// is removed without re-applying anything.
var ErrAlreadyApplied = errors.New("operation already applied on server")

// ConflictError reports an optimistic-concurrency failure on an edit or
// archive. It is a distinct, non-auto-retried category: the user must refresh
// the item and resubmit.
type ConflictError struct {
	ItemID          string
	ExpectedVersion int64
	ActualVersion   int64
	ServerRow       json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on item %s: expected %d, server has %d",
		e.ItemID, e.ExpectedVersion, e.ActualVersion)
}

// Gateway wraps the per-kind remote submission procedures. The sync manager
// is its only consumer.
type Gateway interface {
	SubmitTransaction(ctx context.Context, req *syncserver.TransactionSubmit) (*syncserver.SubmitResponse, error)
	SubmitItemEdit(ctx context.Context, req *syncserver.ItemEditSubmit) (*syncserver.SubmitResponse, error)
	SubmitItemCreate(ctx context.Context, req *syncserver.ItemCreateSubmit) (*syncserver.SubmitResponse, error)
	SubmitItemArchive(ctx context.Context, req *syncserver.ItemArchiveSubmit) (*syncserver.SubmitResponse, error)
}

// HTTPGateway talks to the submission server over HTTP with bearer tokens.
type HTTPGateway struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPGateway creates a gateway against the given server. Each call is
// bounded by the client timeout; a timeout surfaces as a generic retryable
// error, never as a duplicate or conflict.
func NewHTTPGateway(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *HTTPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (g *HTTPGateway) SubmitTransaction(ctx context.Context, req *syncserver.TransactionSubmit) (*syncserver.SubmitResponse, error) {
	return g.post(ctx, "/sync/transactions", req)
}

func (g *HTTPGateway) SubmitItemEdit(ctx context.Context, req *syncserver.ItemEditSubmit) (*syncserver.SubmitResponse, error) {
	return g.post(ctx, "/sync/item-edits", req)
}

func (g *HTTPGateway) SubmitItemCreate(ctx context.Context, req *syncserver.ItemCreateSubmit) (*syncserver.SubmitResponse, error) {
	return g.post(ctx, "/sync/item-creates", req)
}

func (g *HTTPGateway) SubmitItemArchive(ctx context.Context, req *syncserver.ItemArchiveSubmit) (*syncserver.SubmitResponse, error) {
	return g.post(ctx, "/sync/item-archives", req)
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) (*syncserver.SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if g.Token != nil {
		token, err := g.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send submission: %w", err)
	}
	defer resp.Body.Close()

	// 409 carries a decodable SubmitResponse (duplicate or conflict); other
	// non-2xx statuses are transport-level failures.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	var submitResp syncserver.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}

	return interpretResponse(&submitResp)
}

// interpretResponse maps server result codes onto the manager's error
// taxonomy. A unique-constraint hit on the idempotency key is "already
// applied", not a failure.
func interpretResponse(resp *syncserver.SubmitResponse) (*syncserver.SubmitResponse, error) {
	switch resp.Code {
	case syncserver.CodeApplied:
		return resp, nil
	case syncserver.CodeDuplicate:
		return resp, ErrAlreadyApplied
	case syncserver.CodeVersionConflict:
		actual := int64(-1)
		if resp.ActualVersion != nil {
			actual = *resp.ActualVersion
		}
		return resp, &ConflictError{
			ItemID:        resp.ItemID,
			ActualVersion: actual,
			ServerRow:     resp.ServerRow,
		}
	default:
		return resp, fmt.Errorf("submission rejected (%s): %s", resp.Code, resp.Message)
	}
}
