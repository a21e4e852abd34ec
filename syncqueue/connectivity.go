package syncqueue

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe answers whether the device can currently reach the submission server.
type Probe interface {
	CheckOnline(ctx context.Context) bool
}

// HTTPProbe checks connectivity by hitting the server's health endpoint with
// a short timeout.
type HTTPProbe struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPProbe creates a probe against the given server base URL.
func NewHTTPProbe(baseURL string) *HTTPProbe {
	return &HTTPProbe{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// CheckOnline reports whether /healthz answered with a 2xx.
func (p *HTTPProbe) CheckOnline(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Monitor tracks online/offline state and notifies subscribers on
// transitions. State changes arrive either from platform connectivity
// callbacks via Set, or from polling the probe via Refresh. Subscribers are
// only called when the state actually flips, so a flaky link toggling
// rapidly produces one callback per transition, and the manager's
// single-flight rule absorbs the rest.
type Monitor struct {
	probe  Probe
	online atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]func(online bool)
}

// NewMonitor creates a monitor. probe may be nil when all state changes come
// from platform callbacks through Set.
func NewMonitor(probe Probe, initiallyOnline bool) *Monitor {
	m := &Monitor{
		probe: probe,
		subs:  make(map[int]func(bool)),
	}
	m.online.Store(initiallyOnline)
	return m
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Set records a connectivity state reported by the platform and notifies
// subscribers if it changed.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.notify(online)
}

// Refresh polls the probe and updates the state. Returns the fresh state.
func (m *Monitor) Refresh(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}
	online := m.probe.CheckOnline(ctx)
	m.Set(online)
	return online
}

// Subscribe registers a transition callback and returns an unsubscribe
// function. Callbacks run synchronously on the goroutine that observed the
// transition.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Monitor) notify(online bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}
