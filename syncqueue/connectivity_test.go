package syncqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProbe struct{ online bool }

func (p *stubProbe) CheckOnline(ctx context.Context) bool { return p.online }

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil, false)

	var calls []bool
	unsubscribe := m.Subscribe(func(online bool) { calls = append(calls, online) })

	m.Set(false) // no transition
	m.Set(true)
	m.Set(true) // no transition
	m.Set(false)
	require.Equal(t, []bool{true, false}, calls)

	unsubscribe()
	m.Set(true)
	require.Equal(t, []bool{true, false}, calls)
	require.True(t, m.Online())
}

func TestMonitorRefreshPollsProbe(t *testing.T) {
	probe := &stubProbe{online: false}
	m := NewMonitor(probe, true)

	var transitions int
	m.Subscribe(func(bool) { transitions++ })

	require.False(t, m.Refresh(context.Background()))
	require.False(t, m.Online())
	require.Equal(t, 1, transitions)

	probe.online = true
	require.True(t, m.Refresh(context.Background()))
	require.True(t, m.Online())
	require.Equal(t, 2, transitions)
}

func TestHTTPProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	require.True(t, NewHTTPProbe(healthy.URL).CheckOnline(context.Background()))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	require.False(t, NewHTTPProbe(broken.URL).CheckOnline(context.Background()))

	// Unreachable host.
	down := NewHTTPProbe("http://127.0.0.1:1")
	require.False(t, down.CheckOnline(context.Background()))
}
