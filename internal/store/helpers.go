package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional time to a UTC value for a nullable column.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans a JobRow from a row or rows cursor.
func scanJob(rs rowScanner) (JobRow, error) {
	var j JobRow
	var state sql.NullString
	var waitUntil sql.NullTime
	err := rs.Scan(
		&j.ID, &j.Kind, &j.JobKey, &j.Parameters, &state, &j.Retries,
		&waitUntil, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.State = state.String
	if waitUntil.Valid {
		t := waitUntil.Time.UTC()
		j.WaitUntil = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// scanPendingUpdate scans a PendingUpdateRow from a rows cursor.
func scanPendingUpdate(rs rowScanner) (PendingUpdateRow, error) {
	var u PendingUpdateRow
	if err := rs.Scan(&u.ID, &u.Kind, &u.Parameters, &u.CreatedAt); err != nil {
		return u, fmt.Errorf("scan pending update failed: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
