package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kind is the lifecycle change a row records.
type Kind string

const (
	KindBind      Kind = "bind"
	KindSupersede Kind = "supersede"
	KindRelease   Kind = "release"
	KindEvict     Kind = "evict"
)

// Valid reports whether k is one of the recorded kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBind, KindSupersede, KindRelease, KindEvict:
		return true
	}
	return false
}

// Event is one row of session history.
type Event struct {
	ID         int64
	SessionID  string
	Kind       Kind
	AnchorPID  int
	AnchorName string
	PeerPID    int
	Reason     string
	CreatedAt  time.Time
}

// Store manages session history backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// DefaultListLimit applies when List is called with a non-positive limit.
	DefaultListLimit = 50
)

// Open initializes or connects to the ledger database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path is the database file backing s.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends evt. A zero CreatedAt is stamped with the current time.
func (s *Store) Record(ctx context.Context, evt Event) (int64, error) {
	if strings.TrimSpace(evt.SessionID) == "" {
		return 0, errors.New("record session event: session id is empty")
	}
	if !evt.Kind.Valid() {
		return 0, fmt.Errorf("record session event: unknown kind %q", evt.Kind)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO session_events (
            session_id, kind, anchor_pid, anchor_name, peer_pid, reason, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID,
		string(evt.Kind),
		evt.AnchorPID,
		nullableString(evt.AnchorName),
		evt.PeerPID,
		nullableString(evt.Reason),
		evt.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert session event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// List returns up to limit events, newest first. A non-empty sessionID
// restricts the result to that session.
func (s *Store) List(ctx context.Context, limit int, sessionID string) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + eventColumns + ` FROM session_events`
	args := make([]any, 0, 2)
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune deletes events recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM session_events WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM session_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count session events: %w", err)
	}
	return n, nil
}

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const eventColumns = "id, session_id, kind, anchor_pid, anchor_name, peer_pid, reason, created_at"

func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var (
		evt        Event
		kind       string
		anchorName sql.NullString
		reason     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(
		&evt.ID,
		&evt.SessionID,
		&kind,
		&evt.AnchorPID,
		&anchorName,
		&evt.PeerPID,
		&reason,
		&createdRaw,
	); err != nil {
		return Event{}, fmt.Errorf("scan session event: %w", err)
	}
	evt.Kind = Kind(kind)
	evt.AnchorName = anchorName.String
	evt.Reason = reason.String
	if created, err := time.Parse(timeLayout, createdRaw); err == nil {
		evt.CreatedAt = created
	}
	return evt, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
