package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store that keeps all rows in process memory. Units of
// work are serialized by a single mutex and rolled back on error, so it
// behaves like the SQL backends for tests and ephemeral runs.
type InMemoryStore struct {
	mu   sync.Mutex
	data memData
}

type memData struct {
	jobs          map[string]JobRow
	updates       map[string]PendingUpdateRow
	postings      map[string]models.Posting
	comments      map[string]models.Comment
	scans         map[string]models.ScanMark
	notifications map[string]NotificationRecord
}

// Compile-time checks that InMemoryStore and memTx implement the interfaces.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: newMemData()}
}

func newMemData() memData {
	return memData{
		jobs:          make(map[string]JobRow),
		updates:       make(map[string]PendingUpdateRow),
		postings:      make(map[string]models.Posting),
		comments:      make(map[string]models.Comment),
		scans:         make(map[string]models.ScanMark),
		notifications: make(map[string]NotificationRecord),
	}
}

func (d memData) clone() memData {
	c := newMemData()
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	for k, v := range d.updates {
		c.updates[k] = v
	}
	for k, v := range d.postings {
		c.postings[k] = v
	}
	for k, v := range d.comments {
		c.comments[k] = v
	}
	for k, v := range d.scans {
		c.scans[k] = v
	}
	for k, v := range d.notifications {
		c.notifications[k] = v
	}
	return c
}

func (s *InMemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&memTx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *InMemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{data: s.data.clone()})
}

// Close is a no-op; the data lives as long as the store value.
func (s *InMemoryStore) Close() error {
	return nil
}

type memTx struct {
	data memData
}

func entityKey(parts ...string) string {
	return fmt.Sprintf("%q", parts)
}

// --- JobRepo ---

func (t *memTx) InsertJob(_ context.Context, row JobRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if existing, ok := t.data.jobs[row.ID]; ok {
		row.CreatedAt = existing.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.WaitUntil != nil {
		w := row.WaitUntil.UTC()
		row.WaitUntil = &w
	}
	t.data.jobs[row.ID] = row
	return row.ID, nil
}

func (t *memTx) UpdateJob(_ context.Context, id string, state string, retries int, waitUntil *time.Time) error {
	row, ok := t.data.jobs[id]
	if !ok {
		return fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	row.State = state
	row.Retries = retries
	row.WaitUntil = nil
	if waitUntil != nil {
		w := waitUntil.UTC()
		row.WaitUntil = &w
	}
	row.UpdatedAt = time.Now().UTC()
	t.data.jobs[id] = row
	return nil
}

func (t *memTx) DeleteJob(_ context.Context, id string) error {
	delete(t.data.jobs, id)
	return nil
}

func (t *memTx) FindJobsDueBefore(_ context.Context, before time.Time) ([]JobRow, error) {
	var rows []JobRow
	for _, row := range t.data.jobs {
		if row.WaitUntil == nil || !row.WaitUntil.After(before) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

func (t *memTx) GetJob(_ context.Context, id string) (*JobRow, error) {
	row, ok := t.data.jobs[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) JobKeyExists(_ context.Context, key string) (bool, error) {
	for _, row := range t.data.jobs {
		if row.JobKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountJobs(_ context.Context, kind string) (int, error) {
	n := 0
	for _, row := range t.data.jobs {
		if row.Kind == kind {
			n++
		}
	}
	return n, nil
}

// --- PendingUpdateRepo ---

func (t *memTx) InsertPendingUpdate(_ context.Context, row PendingUpdateRow) error {
	row.CreatedAt = row.CreatedAt.UTC()
	t.data.updates[row.ID] = row
	return nil
}

func (t *memTx) DeletePendingUpdate(_ context.Context, id string) error {
	delete(t.data.updates, id)
	return nil
}

func (t *memTx) FindPendingUpdates(_ context.Context) ([]PendingUpdateRow, error) {
	rows := make([]PendingUpdateRow, 0, len(t.data.updates))
	for _, row := range t.data.updates {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

// --- EntityRepo ---

func (t *memTx) PostingExists(_ context.Context, node, postingID string) (bool, error) {
	_, ok := t.data.postings[entityKey(node, postingID)]
	return ok, nil
}

func (t *memTx) SavePosting(_ context.Context, p models.Posting) error {
	p.UpdatedAt = time.Now().UTC()
	t.data.postings[entityKey(p.Node, p.ID)] = p
	return nil
}

func (t *memTx) CommentExists(_ context.Context, node, postingID, commentID string) (bool, error) {
	_, ok := t.data.comments[entityKey(node, postingID, commentID)]
	return ok, nil
}

func (t *memTx) SaveComment(_ context.Context, c models.Comment) error {
	t.data.comments[entityKey(c.Node, c.PostingID, c.ID)] = c
	return nil
}

func (t *memTx) DeleteComment(_ context.Context, node, postingID, commentID string) error {
	delete(t.data.comments, entityKey(node, postingID, commentID))
	return nil
}

func (t *memTx) CountComments(_ context.Context, node, postingID string) (int, error) {
	n := 0
	for _, c := range t.data.comments {
		if c.Node == node && c.PostingID == postingID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) MarkScan(_ context.Context, m models.ScanMark) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	m.At = m.At.UTC()
	t.data.scans[entityKey(m.Node, m.Entry, m.Scan)] = m
	return nil
}

func (t *memTx) GetScan(_ context.Context, node, entry, scan string) (*models.ScanMark, error) {
	m, ok := t.data.scans[entityKey(node, entry, scan)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *memTx) FindUnscanned(_ context.Context, scan string, limit int) ([]models.Posting, error) {
	var postings []models.Posting
	for _, p := range t.data.postings {
		if m, ok := t.data.scans[entityKey(p.Node, p.ID, scan)]; ok && m.Succeeded {
			continue
		}
		postings = append(postings, p)
	}
	sort.Slice(postings, func(i, j int) bool {
		a, b := postings[i], postings[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(postings) > limit {
		postings = postings[:limit]
	}
	return postings, nil
}

// --- NotificationRepo ---

func (t *memTx) RecordNotification(_ context.Context, notificationID, node string) (bool, error) {
	key := entityKey(node, notificationID)
	if _, ok := t.data.notifications[key]; ok {
		return false, nil
	}
	t.data.notifications[key] = NotificationRecord{
		NotificationID: notificationID,
		Node:           node,
		ReceivedAt:     time.Now().UTC(),
	}
	return true, nil
}
