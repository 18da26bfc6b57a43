package mailbox

import (
	"database/sql"
	"fmt"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists Mail and Handoff records to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new mailbox store over an already-open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the mail and handoffs tables.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mail (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			read_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_mail_to ON mail(to_handle, created_at);

		CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			reason TEXT,
			context TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// SendMail persists a new mail record.
func (s *Store) SendMail(m *Mail) error {
	_, err := s.db.Exec(`
		INSERT INTO mail (id, from_handle, to_handle, subject, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, m.ID, m.From, m.To, nullable(m.Subject), m.Body, m.CreatedAt)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetMail returns all mail addressed to handle, newest first.
func (s *Store) GetMail(handle string) ([]*Mail, error) {
	return s.queryMail(`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		FROM mail WHERE to_handle = ? ORDER BY created_at DESC`, handle)
}

// GetUnread returns unread mail addressed to handle, newest first.
func (s *Store) GetUnread(handle string) ([]*Mail, error) {
	return s.queryMail(`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		FROM mail WHERE to_handle = ? AND read_at IS NULL ORDER BY created_at DESC`, handle)
}

func (s *Store) queryMail(query, handle string) ([]*Mail, error) {
	rows, err := s.db.Query(query, handle)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Mail
	for rows.Next() {
		var m Mail
		var subject sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.From, &m.To, &subject, &m.Body, &m.CreatedAt, &readAt); err != nil {
			return nil, fleeterr.Storage(err)
		}
		m.Subject = subject.String
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		out = append(out, &m)
	}
	return out, nil
}

// MarkRead sets a mail's readAt to now. Idempotent: marking an already-read
// or nonexistent mail is a silent no-op, matching the blackboard's markRead
// semantics.
func (s *Store) MarkRead(mailID string) error {
	_, err := s.db.Exec(`UPDATE mail SET read_at = CURRENT_TIMESTAMP WHERE id = ? AND read_at IS NULL`, mailID)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// CreateHandoff persists a new pending handoff.
func (s *Store) CreateHandoff(h *Handoff) error {
	_, err := s.db.Exec(`
		INSERT INTO handoffs (id, from_handle, to_handle, reason, context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.FromHandle, h.ToHandle, nullable(h.Reason), nullable(h.Context), string(h.Status), h.CreatedAt)
	if err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// GetHandoff retrieves a handoff by ID.
func (s *Store) GetHandoff(id string) (*Handoff, error) {
	row := s.db.QueryRow(`SELECT id, from_handle, to_handle, reason, context, status, created_at FROM handoffs WHERE id = ?`, id)
	var h Handoff
	var reason, context sql.NullString
	var status string
	if err := row.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &reason, &context, &status, &h.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fleeterr.NotFound("HandoffNotFound", fmt.Sprintf("handoff %s not found", id))
		}
		return nil, fleeterr.Storage(err)
	}
	h.Reason = reason.String
	h.Context = context.String
	h.Status = HandoffStatus(status)
	return &h, nil
}

// ListHandoffsFor returns all handoffs addressed to handle, newest first.
func (s *Store) ListHandoffsFor(handle string) ([]*Handoff, error) {
	rows, err := s.db.Query(`
		SELECT id, from_handle, to_handle, reason, context, status, created_at
		FROM handoffs WHERE to_handle = ? ORDER BY created_at DESC
	`, handle)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Handoff
	for rows.Next() {
		var h Handoff
		var reason, context sql.NullString
		var status string
		if err := rows.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &reason, &context, &status, &h.CreatedAt); err != nil {
			return nil, fleeterr.Storage(err)
		}
		h.Reason = reason.String
		h.Context = context.String
		h.Status = HandoffStatus(status)
		out = append(out, &h)
	}
	return out, nil
}

// DecideHandoff transitions a pending handoff to accepted or rejected.
// Deciding an already-decided handoff returns Conflict.
func (s *Store) DecideHandoff(id string, accept bool) (*Handoff, error) {
	h, err := s.GetHandoff(id)
	if err != nil {
		return nil, err
	}
	if h.Status != HandoffPending {
		return nil, fleeterr.Conflict("HandoffAlreadyDecided", fmt.Sprintf("handoff %s is already %s", id, h.Status))
	}
	newStatus := HandoffRejected
	if accept {
		newStatus = HandoffAccepted
	}
	if _, err := s.db.Exec(`UPDATE handoffs SET status = ? WHERE id = ?`, string(newStatus), id); err != nil {
		return nil, fleeterr.Storage(err)
	}
	h.Status = newStatus
	return h, nil
}
