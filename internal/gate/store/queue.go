package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalState is returned when a queue entry transition is attempted from
// a state that does not permit it (e.g. approving a non-pending entry).
var ErrIllegalState = errors.New("store: illegal state transition")

// QueueEntry is the persistent record of a batch of write requests awaiting
// a human decision. RequestsJSON and ResultsJSON are opaque JSON blobs owned
// by the queue package; the store only moves them.
type QueueEntry struct {
	ID              string
	Service         string
	AccountName     string
	RequestsJSON    string
	Comment         string
	SubmittedBy     string
	SubmittedAt     time.Time
	Status          string
	ReviewedAt      *time.Time
	RejectionReason *string
	CompletedAt     *time.Time
	ResultsJSON     *string
	AutoApproved    bool
}

// QueueWarning is a peer warning attached to a pending queue entry.
type QueueWarning struct {
	ID        int64
	QueueID   string
	WarnedBy  string
	Message   string
	CreatedAt time.Time
}

// generateQueueID returns a short, cryptographically random hex ID
// (6 bytes = 12 hex chars).
func generateQueueID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate queue ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// maxIDRetries is the number of times InsertQueueEntry will retry on an ID
// collision.
const maxIDRetries = 3

// InsertQueueEntry persists a new pending entry and fills in its ID and
// SubmittedAt. On the unlikely event of an ID collision it retries with a
// fresh ID before failing.
func (s *Store) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	e.Status = "pending"
	e.SubmittedAt = time.Now().UTC().Truncate(time.Second)

	var lastErr error
	for attempt := 0; attempt < maxIDRetries; attempt++ {
		id, err := generateQueueID()
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO queue_entries (id, service, account_name, requests_json, comment,
			                           submitted_by, submitted_at, status, auto_approved)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		`, id, e.Service, e.AccountName, e.RequestsJSON, e.Comment,
			e.SubmittedBy, fmtTime(e.SubmittedAt), e.AutoApproved)
		if err != nil {
			lastErr = err
			continue // likely ID collision; retry with a new ID
		}
		e.ID = id
		return nil
	}
	return fmt.Errorf("insert queue entry after %d attempts: %w", maxIDRetries, lastErr)
}

const queueColumns = `id, service, account_name, requests_json, comment, submitted_by,
	       submitted_at, status, reviewed_at, rejection_reason, completed_at,
	       results_json, auto_approved`

func scanQueueEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	e := &QueueEntry{}
	var submittedAt string
	var reviewedAt, completedAt, rejection, results sql.NullString
	if err := row.Scan(
		&e.ID, &e.Service, &e.AccountName, &e.RequestsJSON, &e.Comment,
		&e.SubmittedBy, &submittedAt, &e.Status, &reviewedAt, &rejection,
		&completedAt, &results, &e.AutoApproved,
	); err != nil {
		return nil, err
	}

	var err error
	if e.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, err
	}
	if e.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if rejection.Valid {
		e.RejectionReason = &rejection.String
	}
	if results.Valid {
		e.ResultsJSON = &results.String
	}
	return e, nil
}

// GetQueueEntry retrieves an entry by ID.
func (s *Store) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE id = ?
	`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %q: %w", id, err)
	}
	return e, nil
}

// ListQueueEntries returns entries newest first. When submittedBy is
// non-empty only that agent's entries are returned; service and account
// filter further when non-empty.
func (s *Store) ListQueueEntries(ctx context.Context, submittedBy, service, account string) ([]*QueueEntry, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_entries WHERE 1=1`
	var args []any
	if submittedBy != "" {
		q += ` AND LOWER(submitted_by) = LOWER(?)`
		args = append(args, submittedBy)
	}
	if service != "" {
		q += ` AND service = ?`
		args = append(args, service)
	}
	if account != "" {
		q += ` AND account_name = ?`
		args = append(args, account)
	}
	q += ` ORDER BY submitted_at DESC, id DESC LIMIT 200`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// ListQueueEntriesByStatus returns all entries currently in the given status.
// Used by the boot-time recovery pass.
func (s *Store) ListQueueEntriesByStatus(ctx context.Context, status string) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE status = ?
		ORDER BY submitted_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list queue entries by status: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// transitionQueueEntry performs a compare-and-set status update: the row must
// currently be in fromStatus or the call fails with ErrIllegalState (or
// ErrNotFound when the ID does not exist). This single-statement update is
// what makes concurrent approve/withdraw races resolve to exactly one winner.
func (s *Store) transitionQueueEntry(ctx context.Context, id, fromStatus, toStatus, set string, args ...any) error {
	q := `UPDATE queue_entries SET status = ?`
	if set != "" {
		q += ", " + set
	}
	q += ` WHERE id = ? AND status = ?`

	all := append([]any{toStatus}, args...)
	all = append(all, id, fromStatus)

	res, err := s.db.ExecContext(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("transition queue entry %q to %s: %w", id, toStatus, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, lookupErr := s.GetQueueEntry(ctx, id); lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("queue entry %q is not %s: %w", id, fromStatus, ErrIllegalState)
	}
	return nil
}

// MarkQueueApproved transitions pending → approved.
func (s *Store) MarkQueueApproved(ctx context.Context, id string) error {
	return s.transitionQueueEntry(ctx, id, "pending", "approved",
		"reviewed_at = ?", fmtTime(time.Now()))
}

// MarkQueueRejected transitions pending → rejected with a reason.
func (s *Store) MarkQueueRejected(ctx context.Context, id, reason string) error {
	return s.transitionQueueEntry(ctx, id, "pending", "rejected",
		"reviewed_at = ?, rejection_reason = ?", fmtTime(time.Now()), reason)
}

// MarkQueueWithdrawn transitions pending → withdrawn with an optional reason.
func (s *Store) MarkQueueWithdrawn(ctx context.Context, id, reason string) error {
	var r any
	if reason != "" {
		r = reason
	}
	return s.transitionQueueEntry(ctx, id, "pending", "withdrawn",
		"reviewed_at = ?, rejection_reason = ?", fmtTime(time.Now()), r)
}

// MarkQueueExecuting transitions approved → executing.
func (s *Store) MarkQueueExecuting(ctx context.Context, id string) error {
	return s.transitionQueueEntry(ctx, id, "approved", "executing", "")
}

// MarkQueueCompleted transitions executing → completed with the aligned
// results array.
func (s *Store) MarkQueueCompleted(ctx context.Context, id, resultsJSON string) error {
	return s.transitionQueueEntry(ctx, id, "executing", "completed",
		"completed_at = ?, results_json = ?", fmtTime(time.Now()), resultsJSON)
}

// MarkQueueFailed transitions executing → failed with the truncated results
// array.
func (s *Store) MarkQueueFailed(ctx context.Context, id, resultsJSON string) error {
	return s.transitionQueueEntry(ctx, id, "executing", "failed",
		"completed_at = ?, results_json = ?", fmtTime(time.Now()), resultsJSON)
}

// InsertQueueWarning attaches a warning to a queue entry. The insert is
// conditional on the entry still being pending, so a concurrent review
// cannot leave a warning on a settled entry; ErrIllegalState reports a lost
// race. The caller is responsible for the warner-not-submitter check.
func (s *Store) InsertQueueWarning(ctx context.Context, queueID, warnedBy, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_warnings (queue_id, warned_by, message, created_at)
		SELECT id, ?, ?, ?
		FROM queue_entries
		WHERE id = ? AND status = 'pending'
	`, warnedBy, message, fmtTime(time.Now()), queueID)
	if err != nil {
		return 0, fmt.Errorf("insert queue warning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert queue warning: rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("warn %s: %w: entry is not pending", queueID, ErrIllegalState)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert queue warning: last insert id: %w", err)
	}
	return id, nil
}

// ListQueueWarnings returns the warnings for a queue entry, oldest first.
func (s *Store) ListQueueWarnings(ctx context.Context, queueID string) ([]*QueueWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_id, warned_by, message, created_at
		FROM queue_warnings
		WHERE queue_id = ?
		ORDER BY id ASC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("list queue warnings: %w", err)
	}
	defer rows.Close()

	var warnings []*QueueWarning
	for rows.Next() {
		w := &QueueWarning{}
		var createdAt string
		if err := rows.Scan(&w.ID, &w.QueueID, &w.WarnedBy, &w.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue warning: %w", err)
		}
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		warnings = append(warnings, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue warnings: %w", err)
	}
	return warnings, nil
}
