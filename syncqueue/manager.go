package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub005/syncserver"
)

// Precondition error messages surfaced to the UI verbatim.
const (
	errAccountDeactivated = "Account is deactivated"
	errDeviceOffline      = "Device is offline"
)

// State is the manager's observable state. The UI renders it directly.
type State struct {
	IsSyncing    bool
	Error        *string
	LastSyncAt   time.Time
	PendingCount int
}

// StatePatch is an incremental state update. Nil pointer fields leave the
// corresponding state field unchanged; ClearError sets Error to nil (a patch
// can carry "error: null" explicitly, which is distinct from not touching it).
type StatePatch struct {
	IsSyncing    *bool
	Error        *string
	ClearError   bool
	LastSyncAt   *time.Time
	PendingCount *int
}

// Deps carries everything the manager needs, injected for testability. No
// ambient globals: the host wires its own database handle, gateway, session
// accessors and state observer.
type Deps struct {
	Repo    *Repo
	Gateway Gateway
	Monitor *Monitor

	// Session accessors. GetUserID returning "" makes SyncNow a silent no-op
	// (nothing to attach operations to); IsActive=false blocks sync with a
	// visible error.
	GetUserID func() string
	IsActive  func() bool

	// OnStateChange observes every emitted patch. Must not call back into the
	// manager. Optional.
	OnStateChange func(StatePatch)

	Logger *slog.Logger
	Now    func() time.Time

	// Retry policy. Zero values pick the defaults below.
	MaxRetries   int           // attempts before an entry needs user attention
	BackoffMin   time.Duration // first retry delay
	BackoffMax   time.Duration // delay ceiling
	SyncInterval time.Duration // periodic foreground trigger
}

// Default retry policy. Exponential backoff with jitter is a documented
// choice; the interval between attempts doubles from BackoffMin up to
// BackoffMax, randomized within [d/2, d).
const (
	DefaultMaxRetries   = 3
	DefaultBackoffMin   = 2 * time.Second
	DefaultBackoffMax   = 5 * time.Minute
	DefaultSyncInterval = 30 * time.Second
)

// Manager orchestrates queue draining: it decides when to sync, drains each
// queue kind oldest-first, interprets gateway results, updates local state
// and emits status patches. Two drain cycles never run concurrently; extra
// triggers coalesce into at most one follow-up cycle.
type Manager struct {
	deps Deps

	stateMu sync.Mutex
	state   State

	flightMu sync.Mutex
	inFlight bool
	rerun    bool
}

// NewManager wires a manager from its dependencies.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("deps.Repo is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("deps.Gateway is required")
	}
	if deps.Monitor == nil {
		return nil, fmt.Errorf("deps.Monitor is required")
	}
	if deps.GetUserID == nil {
		return nil, fmt.Errorf("deps.GetUserID is required")
	}
	if deps.IsActive == nil {
		deps.IsActive = func() bool { return true }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = DefaultMaxRetries
	}
	if deps.BackoffMin <= 0 {
		deps.BackoffMin = DefaultBackoffMin
	}
	if deps.BackoffMax <= 0 {
		deps.BackoffMax = DefaultBackoffMax
	}
	if deps.SyncInterval <= 0 {
		deps.SyncInterval = DefaultSyncInterval
	}
	return &Manager{deps: deps}, nil
}

// GetState returns a copy of the current state.
func (m *Manager) GetState() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Start recovers crash leftovers and wires the sync triggers: connectivity
// transitions to online, and a periodic tick while foreground and online.
// It blocks until ctx is cancelled, so run it in its own goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.deps.Repo.ResetStuckSyncing(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted sync entries: %w", err)
	}
	if last, err := m.deps.Repo.LastSyncAt(ctx); err == nil && !last.IsZero() {
		m.apply(StatePatch{LastSyncAt: &last})
	}

	unsubscribe := m.deps.Monitor.Subscribe(func(online bool) {
		if online {
			m.SyncNow(ctx)
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(m.deps.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.deps.Monitor.Online() {
				m.SyncNow(ctx)
			}
		}
	}
}

// OnForeground is the app-resume trigger: re-probe connectivity, then sync.
// Background execution outside the foreground lifecycle is intentionally not
// scheduled here.
func (m *Manager) OnForeground(ctx context.Context) {
	m.deps.Monitor.Refresh(ctx)
	m.SyncNow(ctx)
}

// SyncNow runs one sync cycle: precondition checks, then a full queue drain.
// If a cycle is already in flight the call coalesces into a single queued
// follow-up cycle and returns immediately.
func (m *Manager) SyncNow(ctx context.Context) {
	if !m.acquire() {
		return
	}
	defer m.release()

	for {
		m.runCycle(ctx)
		if !m.consumeRerun() {
			return
		}
	}
}

// acquire takes the single-flight slot, or records a follow-up request.
func (m *Manager) acquire() bool {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.inFlight {
		m.rerun = true
		return false
	}
	m.inFlight = true
	return true
}

// release frees the single-flight slot; deferred so a failed cycle can never
// wedge future cycles.
func (m *Manager) release() {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	m.inFlight = false
}

func (m *Manager) consumeRerun() bool {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.rerun {
		m.rerun = false
		return true
	}
	return false
}

func (m *Manager) runCycle(ctx context.Context) {
	// Precondition checks: each short-circuits with at most one patch and
	// without touching the network or the queue.
	if !m.deps.IsActive() {
		msg := errAccountDeactivated
		m.apply(StatePatch{Error: &msg})
		return
	}
	if m.deps.GetUserID() == "" {
		// Nothing to attach operations to; not even an error patch.
		return
	}
	if !m.deps.Monitor.Refresh(ctx) {
		msg := errDeviceOffline
		off := false
		m.apply(StatePatch{Error: &msg, IsSyncing: &off})
		return
	}

	on := true
	m.apply(StatePatch{IsSyncing: &on, ClearError: true})

	failures := m.drain(ctx)

	done := false
	patch := StatePatch{IsSyncing: &done}
	if n, err := m.deps.Repo.PendingTotal(ctx); err == nil {
		patch.PendingCount = &n
	}
	if failures == 0 {
		now := m.deps.Now().UTC()
		if err := m.deps.Repo.SetLastSyncAt(ctx, now); err != nil {
			m.deps.Logger.Warn("failed to record last sync time", "error", err)
		}
		patch.ClearError = true
		patch.LastSyncAt = &now
	} else {
		msg := fmt.Sprintf("%d operations failed to sync", failures)
		patch.Error = &msg
	}
	m.apply(patch)
}

// drain processes every queue kind sequentially, oldest-first within a kind.
// Sequential processing preserves per-item ordering: the remote procedure
// computes stock_after from stock_before at application time, so two deltas
// for the same item must arrive in creation order. Returns the number of
// entries that failed this cycle.
func (m *Manager) drain(ctx context.Context) int {
	failures := 0
	failures += m.drainTransactions(ctx)
	failures += m.drainItemCreates(ctx)
	failures += m.drainItemEdits(ctx)
	failures += m.drainItemArchives(ctx)
	return failures
}

func (m *Manager) drainTransactions(ctx context.Context) int {
	entries, err := m.deps.Repo.ListPendingTransactions(ctx)
	if err != nil {
		m.deps.Logger.Error("failed to list pending transactions", "error", err)
		return 1
	}

	failures := 0
	// A transiently-failing entry must not block unrelated items, but later
	// deltas for the same item are held back so they never apply out of
	// order.
	blocked := map[string]bool{}
	for i := range entries {
		entry := &entries[i]
		if blocked[entry.ItemID] {
			continue
		}
		if !m.retryEligible(entry.RetryCount, entry.LastAttemptAt) {
			blocked[entry.ItemID] = true
			continue
		}

		req := &syncserver.TransactionSubmit{
			TransactionType:       entry.TransactionType,
			Domain:                entry.Domain,
			ItemID:                entry.ItemID,
			Quantity:              entry.Quantity,
			Notes:                 entry.Notes,
			SourceLocationID:      entry.SourceLocationID,
			DestinationLocationID: entry.DestinationLocationID,
			UserID:                entry.UserID,
			DeviceTimestamp:       entry.DeviceTimestamp,
			IdempotencyKey:        entry.IdempotencyKey,
		}

		if err := m.deps.Repo.MarkSyncing(ctx, KindTransaction, entry.ID); err != nil {
			m.deps.Logger.Error("failed to mark transaction syncing", "id", entry.ID, "error", err)
			failures++
			blocked[entry.ItemID] = true
			continue
		}

		resp, err := m.deps.Gateway.SubmitTransaction(ctx, req)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyApplied):
			// Confirmed acceptance, including idempotent replay after a crash
			// between "call sent" and "local delete": remove exactly once.
			if rmErr := m.deps.Repo.Remove(ctx, KindTransaction, entry.ID); rmErr != nil {
				m.deps.Logger.Error("failed to remove synced transaction", "id", entry.ID, "error", rmErr)
				failures++
				blocked[entry.ItemID] = true
				continue
			}
			if resp != nil && resp.StockAfter != nil {
				if cacheErr := m.deps.Repo.ApplyServerStock(ctx, entry.ItemID, *resp.StockAfter, resp.NewVersion); cacheErr != nil {
					m.deps.Logger.Warn("failed to refresh cached stock", "item", entry.ItemID, "error", cacheErr)
				}
			}
		default:
			failures++
			blocked[entry.ItemID] = true
			m.recordFailure(ctx, KindTransaction, entry.ID, err)
		}
	}
	return failures
}

func (m *Manager) drainItemCreates(ctx context.Context) int {
	entries, err := m.deps.Repo.ListPendingItemCreates(ctx)
	if err != nil {
		m.deps.Logger.Error("failed to list pending item creates", "error", err)
		return 1
	}

	failures := 0
	for i := range entries {
		entry := &entries[i]
		if !m.retryEligible(entry.RetryCount, entry.LastAttemptAt) {
			continue
		}
		if err := m.deps.Repo.MarkSyncing(ctx, KindItemCreate, entry.ID); err != nil {
			m.deps.Logger.Error("failed to mark item create syncing", "id", entry.ID, "error", err)
			failures++
			continue
		}

		resp, err := m.deps.Gateway.SubmitItemCreate(ctx, &syncserver.ItemCreateSubmit{
			TempSKU:        entry.TempSKU,
			ItemData:       entry.ItemData,
			UserID:         entry.UserID,
			IdempotencyKey: entry.IdempotencyKey,
		})
		switch {
		case err == nil, errors.Is(err, ErrAlreadyApplied):
			if rmErr := m.deps.Repo.Remove(ctx, KindItemCreate, entry.ID); rmErr != nil {
				m.deps.Logger.Error("failed to remove synced item create", "id", entry.ID, "error", rmErr)
				failures++
				continue
			}
			// The create entry's id doubled as the provisional item id while
			// offline; swap in the server-assigned id and release any images
			// that were waiting for it.
			if resp != nil && resp.ServerID != "" && resp.ServerID != entry.ID {
				if adoptErr := m.deps.Repo.AdoptServerItemID(ctx, entry.ID, resp.ServerID); adoptErr != nil {
					m.deps.Logger.Error("failed to adopt server item id",
						"temp_id", entry.ID, "server_id", resp.ServerID, "error", adoptErr)
				}
			}
		default:
			failures++
			m.recordFailure(ctx, KindItemCreate, entry.ID, err)
		}
	}
	return failures
}

func (m *Manager) drainItemEdits(ctx context.Context) int {
	entries, err := m.deps.Repo.ListPendingItemEdits(ctx)
	if err != nil {
		m.deps.Logger.Error("failed to list pending item edits", "error", err)
		return 1
	}

	failures := 0
	blocked := map[string]bool{}
	for i := range entries {
		entry := &entries[i]
		if blocked[entry.ItemID] {
			continue
		}
		if !m.retryEligible(entry.RetryCount, entry.LastAttemptAt) {
			blocked[entry.ItemID] = true
			continue
		}
		if err := m.deps.Repo.MarkSyncing(ctx, KindItemEdit, entry.ID); err != nil {
			m.deps.Logger.Error("failed to mark item edit syncing", "id", entry.ID, "error", err)
			failures++
			blocked[entry.ItemID] = true
			continue
		}

		resp, err := m.deps.Gateway.SubmitItemEdit(ctx, &syncserver.ItemEditSubmit{
			ItemID:          entry.ItemID,
			Changes:         entry.Changes,
			ExpectedVersion: entry.ExpectedVersion,
			UserID:          entry.UserID,
			IdempotencyKey:  entry.IdempotencyKey,
		})
		failures += m.settleMutation(ctx, KindItemEdit, entry.ID, entry.ItemID,
			entry.ExpectedVersion, resp, err, blocked)
	}
	return failures
}

func (m *Manager) drainItemArchives(ctx context.Context) int {
	entries, err := m.deps.Repo.ListPendingItemArchives(ctx)
	if err != nil {
		m.deps.Logger.Error("failed to list pending item archives", "error", err)
		return 1
	}

	failures := 0
	blocked := map[string]bool{}
	for i := range entries {
		entry := &entries[i]
		if blocked[entry.ItemID] {
			continue
		}
		if !m.retryEligible(entry.RetryCount, entry.LastAttemptAt) {
			blocked[entry.ItemID] = true
			continue
		}
		if err := m.deps.Repo.MarkSyncing(ctx, KindItemArchive, entry.ID); err != nil {
			m.deps.Logger.Error("failed to mark item archive syncing", "id", entry.ID, "error", err)
			failures++
			blocked[entry.ItemID] = true
			continue
		}

		resp, err := m.deps.Gateway.SubmitItemArchive(ctx, &syncserver.ItemArchiveSubmit{
			ItemID:          entry.ItemID,
			Action:          entry.Action,
			ExpectedVersion: entry.ExpectedVersion,
			UserID:          entry.UserID,
			IdempotencyKey:  entry.IdempotencyKey,
		})
		failures += m.settleMutation(ctx, KindItemArchive, entry.ID, entry.ItemID,
			entry.ExpectedVersion, resp, err, blocked)
	}
	return failures
}

// settleMutation interprets a gateway result for a version-guarded catalog
// mutation. Returns 1 on failure, 0 on success.
func (m *Manager) settleMutation(ctx context.Context, kind Kind, id, itemID string,
	expectedVersion int64, resp *syncserver.SubmitResponse, err error,
	blocked map[string]bool) int {

	var conflict *ConflictError
	switch {
	case err == nil, errors.Is(err, ErrAlreadyApplied):
		if rmErr := m.deps.Repo.Remove(ctx, kind, id); rmErr != nil {
			m.deps.Logger.Error("failed to remove synced entry", "kind", kind, "id", id, "error", rmErr)
			blocked[itemID] = true
			return 1
		}
		if resp != nil && resp.NewVersion != nil {
			if cacheErr := m.deps.Repo.ApplyServerVersion(ctx, itemID, *resp.NewVersion); cacheErr != nil {
				m.deps.Logger.Warn("failed to refresh cached version", "item", itemID, "error", cacheErr)
			}
		}
		return 0
	case errors.As(err, &conflict):
		// Not a transient failure: needs the user to re-fetch and resubmit.
		msg := fmt.Sprintf("version conflict: expected %d, server has %d", expectedVersion, conflict.ActualVersion)
		if attErr := m.deps.Repo.MarkNeedsAttention(ctx, kind, id, msg); attErr != nil {
			m.deps.Logger.Error("failed to flag conflicted entry", "kind", kind, "id", id, "error", attErr)
		}
		m.deps.Logger.Warn("version conflict requires manual resolution",
			"kind", kind, "id", id, "item", itemID,
			"expected_version", expectedVersion, "actual_version", conflict.ActualVersion)
		blocked[itemID] = true
		return 1
	default:
		blocked[itemID] = true
		m.recordFailure(ctx, kind, id, err)
		return 1
	}
}

// recordFailure books a transient failure: retry count up, last error
// recorded, and past MaxRetries the entry is parked for user attention.
// Entries are never deleted because of repeated failure.
func (m *Manager) recordFailure(ctx context.Context, kind Kind, id string, cause error) {
	rc, err := m.deps.Repo.MarkFailed(ctx, kind, id, cause.Error())
	if err != nil {
		m.deps.Logger.Error("failed to record sync failure", "kind", kind, "id", id, "error", err)
		return
	}
	m.deps.Logger.Warn("sync attempt failed", "kind", kind, "id", id,
		"retry_count", rc, "error", cause)
	if rc >= m.deps.MaxRetries {
		msg := fmt.Sprintf("gave up after %d attempts: %s", rc, cause.Error())
		if attErr := m.deps.Repo.MarkNeedsAttention(ctx, kind, id, msg); attErr != nil {
			m.deps.Logger.Error("failed to park exhausted entry", "kind", kind, "id", id, "error", attErr)
		}
	}
}

// retryEligible gates failed entries behind exponential backoff with jitter.
// Fresh entries (retryCount 0) are always eligible.
func (m *Manager) retryEligible(retryCount int, lastAttempt *time.Time) bool {
	if retryCount == 0 || lastAttempt == nil {
		return true
	}
	d := m.deps.BackoffMin << (retryCount - 1)
	if d > m.deps.BackoffMax || d <= 0 {
		d = m.deps.BackoffMax
	}
	// Randomize within [d/2, d) so queued retries don't stampede together.
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	return m.deps.Now().After(lastAttempt.Add(d))
}

// apply merges a patch into the state and notifies the observer.
func (m *Manager) apply(patch StatePatch) {
	m.stateMu.Lock()
	if patch.IsSyncing != nil {
		m.state.IsSyncing = *patch.IsSyncing
	}
	if patch.ClearError {
		m.state.Error = nil
	}
	if patch.Error != nil {
		m.state.Error = patch.Error
	}
	if patch.LastSyncAt != nil {
		m.state.LastSyncAt = *patch.LastSyncAt
	}
	if patch.PendingCount != nil {
		m.state.PendingCount = *patch.PendingCount
	}
	m.stateMu.Unlock()

	if m.deps.OnStateChange != nil {
		m.deps.OnStateChange(patch)
	}
}
