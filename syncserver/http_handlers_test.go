package syncserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newBareHandlers wires handlers over a service with no database. Only paths
// that return before touching storage may be exercised through it.
func newBareHandlers(t *testing.T) (*HTTPSubmitHandlers, string) {
	t.Helper()
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	service := &SubmitService{config: &ServiceConfig{Domains: []string{"default"}}}
	return NewHTTPSubmitHandlers(service, j, nil), token
}

func TestHandlersRejectWrongMethod(t *testing.T) {
	h, _ := newBareHandlers(t)

	w := httptest.NewRecorder()
	h.HandleTransaction(w, httptest.NewRequest(http.MethodGet, "/sync/transactions", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	require.Equal(t, "method_not_allowed", errResp.Error)
}

func TestHandlersRejectMissingAuth(t *testing.T) {
	h, _ := newBareHandlers(t)

	w := httptest.NewRecorder()
	h.HandleItemEdit(w, httptest.NewRequest(http.MethodPost, "/sync/item-edits", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlersRejectBadJSON(t *testing.T) {
	h, token := newBareHandlers(t)

	r := httptest.NewRequest(http.MethodPost, "/sync/transactions", strings.NewReader(`{not json`))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.HandleTransaction(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	h, _ := newBareHandlers(t)

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestWriteResultStatusMapping(t *testing.T) {
	h, _ := newBareHandlers(t)

	cases := []struct {
		code string
		want int
	}{
		{CodeApplied, http.StatusOK},
		{CodeDuplicate, http.StatusOK},
		{CodeVersionConflict, http.StatusConflict},
		{CodeInvalid, http.StatusUnprocessableEntity},
		{CodeBadPayload, http.StatusUnprocessableEntity},
		{CodeUnknownDomain, http.StatusUnprocessableEntity},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		h.writeResult(w, &SubmitResponse{Code: c.code})
		require.Equal(t, c.want, w.Code, "code %s", c.code)
	}
}
