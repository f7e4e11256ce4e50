package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/models"
	"github.com/google/uuid"
)

// sqlDB implements Store on top of database/sql. The SQLite and PostgreSQL
// backends differ only in driver, migrations and placeholder syntax.
type sqlDB struct {
	db     *sql.DB
	name   string
	rebind func(string) string
	// readOnlyViews is false for SQLite, whose driver ignores read-only transactions.
	readOnlyViews bool
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openSQL opens and pings a database, applies tune, then runs the schema
// migrations. The connection is closed on any failure.
func openSQL(driver, dsn, migrations string, tune func(db *sql.DB) error) (*sql.DB, error) {
	slog.Debug("openSQL: opening database", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", driver, err)
	}
	fail := func(step string, err error) (*sql.DB, error) {
		db.Close()
		slog.Error("openSQL: database setup failed", "driver", driver, "step", step, "error", err)
		return nil, fmt.Errorf("%s: %s: %w", driver, step, err)
	}

	if err := db.Ping(); err != nil {
		return fail("ping", err)
	}
	if tune != nil {
		if err := tune(db); err != nil {
			return fail("configure", err)
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		return fail("migrate", err)
	}
	slog.Debug("openSQL: database ready", "driver", driver)
	return db, nil
}

func (s *sqlDB) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *sqlDB) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *sqlDB) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	var opts *sql.TxOptions
	if readOnly && s.readOnlyViews {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{tx: tx, rebind: s.rebind}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+".run: rollback failed", "error", rbErr)
		}
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlDB) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}

// sqlTx implements Tx over one database transaction.
type sqlTx struct {
	tx     *sql.Tx
	rebind func(string) string
}

// Compile-time check that sqlTx implements Tx.
var _ Tx = (*sqlTx)(nil)

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

// --- JobRepo ---

const jobColumns = `id, kind, job_key, parameters, state, retries, wait_until, created_at, updated_at`

func (t *sqlTx) InsertJob(ctx context.Context, row JobRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	_, err := t.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   kind = excluded.kind, job_key = excluded.job_key, parameters = excluded.parameters,
		   state = excluded.state, retries = excluded.retries, wait_until = excluded.wait_until,
		   updated_at = excluded.updated_at`,
		row.ID, row.Kind, row.JobKey, row.Parameters, row.State, row.Retries,
		nullTime(row.WaitUntil), row.CreatedAt.UTC(), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert job failed: %w", err)
	}
	slog.Debug("Store.InsertJob", "id", row.ID, "kind", row.Kind, "key", row.JobKey)
	return row.ID, nil
}

func (t *sqlTx) UpdateJob(ctx context.Context, id string, state string, retries int, waitUntil *time.Time) error {
	result, err := t.exec(ctx,
		`UPDATE jobs SET state = ?, retries = ?, wait_until = ?, updated_at = ? WHERE id = ?`,
		state, retries, nullTime(waitUntil), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *sqlTx) DeleteJob(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job failed: %w", err)
	}
	return nil
}

func (t *sqlTx) FindJobsDueBefore(ctx context.Context, before time.Time) ([]JobRow, error) {
	rows, err := t.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE wait_until IS NULL OR wait_until <= ?
		 ORDER BY created_at ASC, id ASC`,
		before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("find due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (t *sqlTx) GetJob(ctx context.Context, id string) (*JobRow, error) {
	j, err := scanJob(t.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (t *sqlTx) JobKeyExists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE job_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("job key lookup failed: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) CountJobs(ctx context.Context, kind string) (int, error) {
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE kind = ?`, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs failed: %w", err)
	}
	return n, nil
}

// --- PendingUpdateRepo ---

func (t *sqlTx) InsertPendingUpdate(ctx context.Context, row PendingUpdateRow) error {
	_, err := t.exec(ctx,
		`INSERT INTO pending_updates (id, kind, parameters, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   kind = excluded.kind, parameters = excluded.parameters, created_at = excluded.created_at`,
		row.ID, row.Kind, row.Parameters, row.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert pending update failed: %w", err)
	}
	return nil
}

func (t *sqlTx) DeletePendingUpdate(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM pending_updates WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending update failed: %w", err)
	}
	return nil
}

func (t *sqlTx) FindPendingUpdates(ctx context.Context) ([]PendingUpdateRow, error) {
	rows, err := t.query(ctx,
		`SELECT id, kind, parameters, created_at FROM pending_updates ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("find pending updates query failed: %w", err)
	}
	defer rows.Close()

	var updates []PendingUpdateRow
	for rows.Next() {
		u, err := scanPendingUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find pending updates iteration failed: %w", err)
	}
	return updates, nil
}

// --- EntityRepo ---

func (t *sqlTx) PostingExists(ctx context.Context, node, postingID string) (bool, error) {
	var n int
	err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM postings WHERE node = ? AND posting_id = ?`, node, postingID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("posting exists query failed: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) SavePosting(ctx context.Context, p models.Posting) error {
	now := time.Now().UTC()
	_, err := t.exec(ctx,
		`INSERT INTO postings (node, posting_id, owner_name, heading, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node, posting_id) DO UPDATE SET
		   owner_name = excluded.owner_name, heading = excluded.heading, body = excluded.body,
		   updated_at = excluded.updated_at`,
		p.Node, p.ID, p.OwnerName, p.Heading, p.Body, p.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("save posting failed: %w", err)
	}
	return nil
}

func (t *sqlTx) CommentExists(ctx context.Context, node, postingID, commentID string) (bool, error) {
	var n int
	err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE node = ? AND posting_id = ? AND comment_id = ?`,
		node, postingID, commentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("comment exists query failed: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) SaveComment(ctx context.Context, c models.Comment) error {
	_, err := t.exec(ctx,
		`INSERT INTO comments (node, posting_id, comment_id, owner_name, replied_to_id, body, moment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node, posting_id, comment_id) DO UPDATE SET
		   owner_name = excluded.owner_name, replied_to_id = excluded.replied_to_id,
		   body = excluded.body, moment = excluded.moment`,
		c.Node, c.PostingID, c.ID, c.OwnerName, nilIfEmpty(c.RepliedToID), c.Body, c.Moment, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save comment failed: %w", err)
	}
	return nil
}

func (t *sqlTx) DeleteComment(ctx context.Context, node, postingID, commentID string) error {
	_, err := t.exec(ctx,
		`DELETE FROM comments WHERE node = ? AND posting_id = ? AND comment_id = ?`,
		node, postingID, commentID,
	)
	if err != nil {
		return fmt.Errorf("delete comment failed: %w", err)
	}
	return nil
}

func (t *sqlTx) CountComments(ctx context.Context, node, postingID string) (int, error) {
	var n int
	err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE node = ? AND posting_id = ?`, node, postingID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count comments query failed: %w", err)
	}
	return n, nil
}

func (t *sqlTx) MarkScan(ctx context.Context, m models.ScanMark) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := t.exec(ctx,
		`INSERT INTO scans (node, entry, scan, succeeded, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node, entry, scan) DO UPDATE SET
		   succeeded = excluded.succeeded, reason = excluded.reason, at = excluded.at`,
		m.Node, m.Entry, m.Scan, m.Succeeded, m.Reason, m.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark scan failed: %w", err)
	}
	return nil
}

func (t *sqlTx) GetScan(ctx context.Context, node, entry, scan string) (*models.ScanMark, error) {
	m := models.ScanMark{Node: node, Entry: entry, Scan: scan}
	err := t.queryRow(ctx,
		`SELECT succeeded, reason, at FROM scans WHERE node = ? AND entry = ? AND scan = ?`,
		node, entry, scan,
	).Scan(&m.Succeeded, &m.Reason, &m.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan failed: %w", err)
	}
	m.At = m.At.UTC()
	return &m, nil
}

func (t *sqlTx) FindUnscanned(ctx context.Context, scan string, limit int) ([]models.Posting, error) {
	rows, err := t.query(ctx,
		`SELECT p.node, p.posting_id, p.owner_name, p.heading, p.body, p.created_at, p.updated_at
		 FROM postings p
		 LEFT JOIN scans s ON s.node = p.node AND s.entry = p.posting_id AND s.scan = ?
		 WHERE s.node IS NULL OR s.succeeded = ?
		 ORDER BY p.created_at, p.node, p.posting_id
		 LIMIT ?`,
		scan, false, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find unscanned postings query failed: %w", err)
	}
	defer rows.Close()

	var postings []models.Posting
	for rows.Next() {
		var p models.Posting
		if err := rows.Scan(&p.Node, &p.ID, &p.OwnerName, &p.Heading, &p.Body, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan posting row failed: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		postings = append(postings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find unscanned postings iteration failed: %w", err)
	}
	return postings, nil
}

// --- NotificationRepo ---

func (t *sqlTx) RecordNotification(ctx context.Context, notificationID, node string) (bool, error) {
	result, err := t.exec(ctx,
		`INSERT INTO inbound_notifications (notification_id, node, received_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (node, notification_id) DO NOTHING`,
		notificationID, node, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record notification failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification rows affected failed: %w", err)
	}
	return n == 1, nil
}
