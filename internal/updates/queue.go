package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/google/uuid"
)

// DefaultDispatchInterval is how often the background loop runs a pass.
const DefaultDispatchInterval = 500 * time.Millisecond

// Jobs is the part of the job scheduler the queue depends on.
type Jobs interface {
	KeyExists(key string) bool
	RunWith(ctx context.Context, kind string, parameters any, extra func(tx store.Tx) error) (string, error)
}

type item struct {
	id        string
	createdAt time.Time
	update    Update
}

// Queue is the ordered list of pending updates, mirrored in storage.
type Queue struct {
	store    store.Store
	registry *Registry
	jobs     Jobs
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	items       []item
	lastCreated time.Time

	// passMu keeps dispatch passes single-threaded.
	passMu sync.Mutex
}

// NewQueue creates an empty queue. Call Load before starting the loop.
func NewQueue(st store.Store, registry *Registry, jobs Jobs, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	return &Queue{
		store:    st,
		registry: registry,
		jobs:     jobs,
		interval: interval,
		now:      time.Now,
	}
}

// Load replaces the in-memory list with the persisted rows, oldest first.
// Rows that cannot be rebuilt are logged and left in storage.
func (q *Queue) Load(ctx context.Context) error {
	var rows []store.PendingUpdateRow
	err := q.store.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.FindPendingUpdates(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("load pending updates: %w", err)
	}

	items := make([]item, 0, len(rows))
	var last time.Time
	for _, row := range rows {
		if row.CreatedAt.After(last) {
			last = row.CreatedAt
		}
		u, err := q.registry.New(row.Kind, json.RawMessage(row.Parameters))
		if err != nil {
			slog.Error("Queue.Load: cannot rebuild update, skipping", "id", row.ID, "kind", row.Kind, "error", err)
			continue
		}
		items = append(items, item{id: row.ID, createdAt: row.CreatedAt, update: u})
	}

	q.mu.Lock()
	q.items = items
	if last.After(q.lastCreated) {
		q.lastCreated = last
	}
	q.mu.Unlock()

	slog.Info("Queue.Load: pending updates loaded", "count", len(items))
	return nil
}

// Offer appends u to the queue and persists it. It never waits for dispatch.
func (q *Queue) Offer(ctx context.Context, u Update) (string, error) {
	return q.OfferWith(ctx, u, nil)
}

// OfferWith is Offer with extra run in the same unit of work as the insert.
// If extra fails, nothing is persisted or queued.
func (q *Queue) OfferWith(ctx context.Context, u Update, extra func(tx store.Tx) error) (string, error) {
	params, err := json.Marshal(u.JobParameters())
	if err != nil {
		return "", fmt.Errorf("encode %s parameters: %w", u.Kind(), err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	row := store.PendingUpdateRow{
		ID:         uuid.NewString(),
		Kind:       u.Kind(),
		Parameters: string(params),
		CreatedAt:  q.nextCreatedAt(),
	}
	err = q.store.Update(ctx, func(tx store.Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return tx.InsertPendingUpdate(ctx, row)
	})
	if err != nil {
		return "", fmt.Errorf("persist %s update: %w", u.Kind(), err)
	}
	q.items = append(q.items, item{id: row.ID, createdAt: row.CreatedAt, update: u})

	slog.Debug("Queue.Offer: update queued", "id", row.ID, "kind", row.Kind, "key", u.JobKey())
	return row.ID, nil
}

// nextCreatedAt returns a creation time strictly after every earlier one, at
// the resolution the stores keep. Caller holds q.mu.
func (q *Queue) nextCreatedAt() time.Time {
	t := q.now().UTC().Truncate(time.Microsecond)
	if !t.After(q.lastCreated) {
		t = q.lastCreated.Add(time.Microsecond)
	}
	q.lastCreated = t
	return t
}

// Len returns the number of queued updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasKey reports whether a queued update occupies key.
func (q *Queue) HasKey(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.update.JobKey() == key {
			return true
		}
	}
	return false
}

// Dispatch runs one pass over the queue, oldest first, and starts the job of
// every ready update. An update is ready when no earlier update in this pass
// shares its key, none of its keys has a registered job, and its IsReady
// check holds. It returns the number of updates dispatched.
func (q *Queue) Dispatch(ctx context.Context) int {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	q.mu.Lock()
	snapshot := make([]item, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	busy := make(map[string]struct{})
	dispatched := 0
	for _, it := range snapshot {
		if ctx.Err() != nil {
			break
		}
		key := it.update.JobKey()
		ready := q.ready(ctx, it, busy)
		busy[key] = struct{}{}
		if !ready {
			continue
		}

		_, err := q.jobs.RunWith(ctx, it.update.JobKind(), it.update.JobParameters(), func(tx store.Tx) error {
			return tx.DeletePendingUpdate(ctx, it.id)
		})
		if err != nil {
			slog.Error("Queue.Dispatch: failed to start job", "id", it.id, "kind", it.update.Kind(), "error", err)
			continue
		}
		q.remove(it.id)
		dispatched++
		slog.Debug("Queue.Dispatch: update dispatched", "id", it.id, "kind", it.update.Kind(), "key", key)
	}
	return dispatched
}

func (q *Queue) ready(ctx context.Context, it item, busy map[string]struct{}) (ready bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue.ready: readiness check panicked", "id", it.id, "kind", it.update.Kind(), "panic", r)
			ready = false
		}
	}()

	u := it.update
	if _, ok := busy[u.JobKey()]; ok {
		return false
	}
	if q.jobs.KeyExists(u.JobKey()) {
		return false
	}
	for _, k := range u.WaitKeys() {
		if q.jobs.KeyExists(k) {
			return false
		}
	}

	err := q.store.View(ctx, func(tx store.Tx) error {
		var err error
		ready, err = u.IsReady(ctx, tx)
		return err
	})
	if err != nil {
		slog.Error("Queue.ready: readiness check failed", "id", it.id, "kind", u.Kind(), "error", err)
		return false
	}
	return ready
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Run drives dispatch passes until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	slog.Info("Queue.Run: dispatch loop started", "interval", q.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Queue.Run: dispatch loop stopped")
			return
		case <-ticker.C:
			q.pass(ctx)
		}
	}
}

func (q *Queue) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue.pass: dispatch pass panicked", "panic", r)
		}
	}()
	q.Dispatch(ctx)
}
