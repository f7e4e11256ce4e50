package jobs

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/google/uuid"
)

// Default scheduler settings.
const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultPromoteInterval = time.Second
	DefaultReloadInterval  = 5 * time.Minute
)

// Config controls the scheduler's pool and background ticks.
type Config struct {
	Workers         int
	QueueSize       int
	PromoteInterval time.Duration
	ReloadInterval  time.Duration
	// ReloadHorizon bounds how far ahead a waiting job is kept in memory.
	// Jobs due later are left in storage until a later reload. Defaults to
	// twice the reload interval.
	ReloadHorizon time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = DefaultPromoteInterval
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = DefaultReloadInterval
	}
	if c.ReloadHorizon <= 0 {
		c.ReloadHorizon = 2 * c.ReloadInterval
	}
	return c
}

// entry is a registered job: running, waiting to be submitted, or waiting
// for a near-term retry.
type entry struct {
	id        string
	kind      string
	key       string
	job       Job
	retries   int
	waitUntil *time.Time

	running bool
	due     time.Time
	index   int
}

// Scheduler runs jobs on a bounded worker pool and keeps their durable rows
// in sync with their lifecycle. A job row exists in storage for as long as
// the job is in the system; it is deleted once, on success or permanent
// failure.
type Scheduler struct {
	store    store.Store
	registry *Registry
	cfg      Config
	pool     *Pool
	now      func() time.Time

	// rowMu orders row lifecycle changes against Reload. Run and the
	// finishers hold it shared while they change a row together with the
	// in-memory registry; Reload holds it exclusively so it never observes a
	// row whose registration is in flight.
	rowMu sync.RWMutex

	mu      sync.Mutex
	runCtx  context.Context
	entries map[string]*entry
	keys    map[string]int
	running map[string]int
	waiting waitQueue

	wg sync.WaitGroup
}

// New creates a scheduler. Call Start to launch its workers and ticks.
func New(st store.Store, registry *Registry, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:    st,
		registry: registry,
		cfg:      cfg,
		pool:     NewPool(cfg.Workers, cfg.QueueSize),
		now:      time.Now,
		runCtx:   context.Background(),
		entries:  make(map[string]*entry),
		keys:     make(map[string]int),
		running:  make(map[string]int),
	}
}

// Run creates and persists a job of the given kind and submits it.
func (s *Scheduler) Run(ctx context.Context, kind string, parameters any) (string, error) {
	return s.RunWith(ctx, kind, parameters, nil)
}

// RunWith is Run with extra writes committed in the same unit of work as the
// new job row. If extra fails nothing is persisted and the job is not started.
func (s *Scheduler) RunWith(ctx context.Context, kind string, parameters any, extra func(tx store.Tx) error) (string, error) {
	params, err := json.Marshal(parameters)
	if err != nil {
		return "", fmt.Errorf("encode %s parameters: %w", kind, err)
	}
	job, err := s.registry.New(kind, params, nil)
	if err != nil {
		return "", err
	}
	state, err := json.Marshal(job.State())
	if err != nil {
		return "", fmt.Errorf("encode %s state: %w", kind, err)
	}

	row := store.JobRow{
		ID:         uuid.NewString(),
		Kind:       kind,
		JobKey:     job.Key(),
		Parameters: string(params),
		State:      string(state),
	}

	s.rowMu.RLock()
	err = s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertJob(ctx, row); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		s.rowMu.RUnlock()
		return "", fmt.Errorf("persist %s job: %w", kind, err)
	}

	e := &entry{id: row.ID, kind: kind, key: row.JobKey, job: job, index: -1}
	s.mu.Lock()
	s.register(e)
	s.mu.Unlock()
	s.rowMu.RUnlock()

	slog.Debug("Scheduler.Run: job created", "id", row.ID, "kind", kind, "key", row.JobKey)
	s.submit(e)
	return row.ID, nil
}

// CountRunning returns the number of registered jobs of the given kind.
func (s *Scheduler) CountRunning(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// Counts returns the number of registered jobs per kind.
func (s *Scheduler) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		counts[e.kind]++
	}
	return counts
}

// KeyExists reports whether any registered job, running or awaiting a retry,
// occupies key.
func (s *Scheduler) KeyExists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key] > 0
}

// Reload registers every durable job row that is due within the reload
// horizon and not already registered. Due rows are submitted, the others are
// put on the wait queue. Rows that cannot be reconstructed are logged and
// left in storage.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()

	now := s.now()
	var rows []store.JobRow
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.FindJobsDueBefore(ctx, now.Add(s.cfg.ReloadHorizon))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load job rows: %w", err)
	}

	var due []*entry
	loaded := 0
	for _, row := range rows {
		s.mu.Lock()
		_, known := s.entries[row.ID]
		s.mu.Unlock()
		if known {
			continue
		}

		job, err := s.registry.New(row.Kind, json.RawMessage(row.Parameters), json.RawMessage(row.State))
		if err != nil {
			slog.Error("Scheduler.Reload: cannot reconstruct job, skipping", "id", row.ID, "kind", row.Kind, "error", err)
			continue
		}

		e := &entry{
			id:        row.ID,
			kind:      row.Kind,
			key:       job.Key(),
			job:       job,
			retries:   row.Retries,
			waitUntil: row.WaitUntil,
			index:     -1,
		}
		s.mu.Lock()
		s.register(e)
		if e.waitUntil != nil && e.waitUntil.After(now) {
			s.park(e, *e.waitUntil)
		} else {
			due = append(due, e)
		}
		s.mu.Unlock()
		loaded++
	}

	for _, e := range due {
		s.submit(e)
	}
	if loaded > 0 {
		slog.Info("Scheduler.Reload: jobs loaded", "count", loaded, "due", len(due))
	}
	return loaded, nil
}

// Promote submits every waiting job whose time has come. It returns the
// number of jobs taken off the wait queue.
func (s *Scheduler) Promote(ctx context.Context) int {
	now := s.now()
	var due []*entry
	s.mu.Lock()
	for {
		e := s.waiting.peek()
		if e == nil || e.due.After(now) {
			break
		}
		heap.Pop(&s.waiting)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.submit(e)
	}
	return len(due)
}

// Start launches the worker pool, performs the initial reload and starts the
// promote and reload ticks. Everything stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.pool.Start(ctx)
	if _, err := s.Reload(ctx); err != nil {
		slog.Error("Scheduler.Start: initial reload failed", "error", err)
	}

	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("Scheduler.Start: started", "workers", s.cfg.Workers, "queue_size", s.cfg.QueueSize)
}

// Wait blocks until the ticks and the workers have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	s.pool.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	promote := time.NewTicker(s.cfg.PromoteInterval)
	defer promote.Stop()
	reload := time.NewTicker(s.cfg.ReloadInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.loop: stopped")
			return
		case <-promote.C:
			s.Promote(ctx)
		case <-reload.C:
			if _, err := s.Reload(ctx); err != nil {
				slog.Error("Scheduler.loop: reload failed", "error", err)
			}
		}
	}
}

// register adds e to the in-memory registry. Caller holds s.mu.
func (s *Scheduler) register(e *entry) {
	s.entries[e.id] = e
	s.keys[e.key]++
}

// unregister drops e from the registry and the wait queue. Caller holds s.mu.
func (s *Scheduler) unregister(e *entry) {
	if _, ok := s.entries[e.id]; !ok {
		return
	}
	delete(s.entries, e.id)
	if s.keys[e.key]--; s.keys[e.key] <= 0 {
		delete(s.keys, e.key)
	}
	if e.running {
		s.release(e)
	}
	if e.index >= 0 {
		heap.Remove(&s.waiting, e.index)
	}
}

// release clears e's running mark. Caller holds s.mu.
func (s *Scheduler) release(e *entry) {
	e.running = false
	if s.running[e.key]--; s.running[e.key] <= 0 {
		delete(s.running, e.key)
	}
}

// park puts e on the wait queue until due. Caller holds s.mu.
func (s *Scheduler) park(e *entry, due time.Time) {
	e.due = due
	if e.index >= 0 {
		heap.Fix(&s.waiting, e.index)
		return
	}
	heap.Push(&s.waiting, e)
}

// submit hands e to the pool. A job whose key is already running, or that
// the pool rejects, is parked until the next promote tick.
func (s *Scheduler) submit(e *entry) {
	s.mu.Lock()
	if _, ok := s.entries[e.id]; !ok || e.running {
		s.mu.Unlock()
		return
	}
	if s.running[e.key] > 0 {
		s.park(e, s.now().Add(s.cfg.PromoteInterval))
		s.mu.Unlock()
		return
	}
	if e.index >= 0 {
		heap.Remove(&s.waiting, e.index)
	}
	e.running = true
	s.running[e.key]++
	ctx := s.runCtx
	s.mu.Unlock()

	if s.pool.Submit(func() { s.attempt(ctx, e) }) {
		return
	}

	slog.Warn("Scheduler.submit: pool saturated, job requeued", "id", e.id, "kind", e.kind)
	s.mu.Lock()
	if _, ok := s.entries[e.id]; ok {
		s.release(e)
		s.park(e, s.now().Add(s.cfg.PromoteInterval))
	}
	s.mu.Unlock()
}

// attempt runs one attempt of e on a worker and applies its outcome.
func (s *Scheduler) attempt(ctx context.Context, e *entry) {
	s.mu.Lock()
	retries := e.retries
	s.mu.Unlock()
	slog.Debug("Scheduler.attempt: running job", "id", e.id, "job", e.job.Describe(), "retries", retries)

	result := s.execute(ctx, e)
	bg := context.WithoutCancel(ctx)

	switch result.Outcome {
	case Succeeded:
		e.job.OnSuccess(bg)
		s.finish(bg, e)
		slog.Info("Scheduler.attempt: job succeeded", "id", e.id, "job", e.job.Describe())
	case RetryRequested:
		if ctx.Err() != nil {
			// Shutting down: the row stays as it is and the next process
			// picks the job up from its last durable state.
			s.mu.Lock()
			s.unregister(e)
			s.mu.Unlock()
			return
		}
		s.retry(bg, e, result.Reason)
	default:
		s.fail(bg, e, result.Reason)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.execute: job panicked", "id", e.id, "job", e.job.Describe(), "panic", r)
			result = Fail(fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := e.job.Execute(ctx, &Context{s: s, e: e})
	if err == nil {
		return res
	}
	res, unexpected := Classify(err)
	if unexpected {
		slog.Error("Scheduler.execute: job returned unexpected error", "id", e.id, "job", e.job.Describe(), "error", err)
	}
	return res
}

func (s *Scheduler) retry(ctx context.Context, e *entry, reason error) {
	s.mu.Lock()
	retries := e.retries + 1
	s.mu.Unlock()

	policy := e.job.RetryPolicy()
	if !policy.ShouldRetry(retries) {
		s.fail(ctx, e, fmt.Errorf("giving up after %d attempts: %w", retries, reason))
		return
	}

	now := s.now()
	waitUntil := now.Add(policy.NextDelay(retries))
	state, err := json.Marshal(e.job.State())
	if err != nil {
		s.fail(ctx, e, fmt.Errorf("encode state: %w", err))
		return
	}

	s.rowMu.RLock()
	defer s.rowMu.RUnlock()

	err = s.store.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateJob(ctx, e.id, string(state), retries, &waitUntil)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Scheduler.retry: failed to persist retry, job reloads from storage", "id", e.id, "error", err)
		}
		s.mu.Lock()
		s.unregister(e)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	e.retries = retries
	e.waitUntil = &waitUntil
	s.release(e)
	if waitUntil.Before(now.Add(s.cfg.ReloadHorizon)) {
		s.park(e, waitUntil)
	} else {
		s.unregister(e)
	}
	s.mu.Unlock()

	slog.Info("Scheduler.retry: job will be retried", "id", e.id, "job", e.job.Describe(), "retries", retries, "wait_until", waitUntil, "reason", reason)
}

func (s *Scheduler) fail(ctx context.Context, e *entry, reason error) {
	e.job.OnFailure(ctx, reason)
	s.finish(ctx, e)
	slog.Warn("Scheduler.fail: job failed permanently", "id", e.id, "job", e.job.Describe(), "reason", reason)
}

// finish deletes e's row and drops it from memory.
func (s *Scheduler) finish(ctx context.Context, e *entry) {
	s.rowMu.RLock()
	defer s.rowMu.RUnlock()

	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteJob(ctx, e.id)
	})
	if err != nil {
		slog.Error("Scheduler.finish: failed to delete job row", "id", e.id, "error", err)
	}

	s.mu.Lock()
	s.unregister(e)
	s.mu.Unlock()
}

func (s *Scheduler) checkpoint(ctx context.Context, e *entry) error {
	state, err := json.Marshal(e.job.State())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateJob(ctx, e.id, string(state), 0, nil)
	})
	if err != nil {
		return fmt.Errorf("checkpoint job %s: %w", e.id, err)
	}

	s.mu.Lock()
	e.retries = 0
	e.waitUntil = nil
	s.mu.Unlock()
	return nil
}
