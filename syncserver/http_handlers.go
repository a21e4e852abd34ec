package syncserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSubmitHandlers provides the HTTP surface for the submission API.
type HTTPSubmitHandlers struct {
	service       *SubmitService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSubmitHandlers creates a new instance of submission handlers
func NewHTTPSubmitHandlers(service *SubmitService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSubmitHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSubmitHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts all submission routes on mux.
func (h *HTTPSubmitHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/transactions", h.HandleTransaction)
	mux.HandleFunc("/sync/item-edits", h.HandleItemEdit)
	mux.HandleFunc("/sync/item-creates", h.HandleItemCreate)
	mux.HandleFunc("/sync/item-archives", h.HandleItemArchive)
	mux.HandleFunc("/healthz", h.HandleHealth)
}

// HandleTransaction processes one stock movement submission
func (h *HTTPSubmitHandlers) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionSubmit
	userID, ok := h.decodeSubmit(w, r, &req)
	if !ok {
		return
	}
	req.UserID = userID

	resp, err := h.service.SubmitTransaction(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process transaction", "error", err, "idempotency_key", req.IdempotencyKey)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to process transaction")
		return
	}
	h.writeResult(w, resp)
}

// HandleItemEdit processes one version-guarded catalog edit
func (h *HTTPSubmitHandlers) HandleItemEdit(w http.ResponseWriter, r *http.Request) {
	var req ItemEditSubmit
	userID, ok := h.decodeSubmit(w, r, &req)
	if !ok {
		return
	}
	req.UserID = userID

	resp, err := h.service.SubmitItemEdit(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process item edit", "error", err, "item_id", req.ItemID)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to process item edit")
		return
	}
	h.writeResult(w, resp)
}

// HandleItemCreate processes one offline-created catalog item
func (h *HTTPSubmitHandlers) HandleItemCreate(w http.ResponseWriter, r *http.Request) {
	var req ItemCreateSubmit
	userID, ok := h.decodeSubmit(w, r, &req)
	if !ok {
		return
	}
	req.UserID = userID

	resp, err := h.service.SubmitItemCreate(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process item create", "error", err, "temp_sku", req.TempSKU)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to process item create")
		return
	}
	h.writeResult(w, resp)
}

// HandleItemArchive processes one archive or restore action
func (h *HTTPSubmitHandlers) HandleItemArchive(w http.ResponseWriter, r *http.Request) {
	var req ItemArchiveSubmit
	userID, ok := h.decodeSubmit(w, r, &req)
	if !ok {
		return
	}
	req.UserID = userID

	resp, err := h.service.SubmitItemArchive(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to process item archive", "error", err, "item_id", req.ItemID)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to process item archive")
		return
	}
	h.writeResult(w, resp)
}

// HandleHealth is the connectivity probe target. Unauthenticated: clients
// use it to decide online/offline before they have a session.
func (h *HTTPSubmitHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// decodeSubmit authenticates the request and decodes its JSON body. Returns
// the authenticated user id, which handlers stamp over any client-supplied
// value.
func (h *HTTPSubmitHandlers) decodeSubmit(w http.ResponseWriter, r *http.Request, dst any) (string, bool) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return "", false
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	if _, err := h.authenticator.GetDeviceID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}

	body := r.Body
	if h.service.config.MaxPayloadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, int64(h.service.config.MaxPayloadBytes))
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse submission body")
		return "", false
	}
	return userID, true
}

// writeResult maps the business outcome to an HTTP status. Applied and
// duplicate are both success from the client's point of view; conflicts get
// 409 so clients can distinguish them without parsing first.
func (h *HTTPSubmitHandlers) writeResult(w http.ResponseWriter, resp *SubmitResponse) {
	status := http.StatusOK
	switch resp.Code {
	case CodeVersionConflict:
		status = http.StatusConflict
	case CodeInvalid, CodeBadPayload, CodeUnknownDomain:
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode submission response", "error", err)
	}
}

func (h *HTTPSubmitHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
