package blackboard

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// Store persists blackboard messages to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new blackboard store over an already-open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the blackboard_messages table and its indexes.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blackboard_messages (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			sender_handle TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			target_handle TEXT,
			payload TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			read_by TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_bb_swarm_order ON blackboard_messages(swarm_id, created_at_ms, id);
	`)
	return err
}

// Post appends msg to the swarm's log, assigning CreatedAtMs, and returns
// the new ID.
func (s *Store) Post(msg *Message) (string, error) {
	msg.CreatedAtMs = time.Now().UnixMilli()
	readBy, _ := json.Marshal(readerList(msg.ReadBy))

	_, err := s.db.Exec(`
		INSERT INTO blackboard_messages (id, swarm_id, sender_handle, message_type, priority, target_handle, payload, created_at_ms, read_by, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.SwarmID, msg.SenderHandle, string(msg.MessageType), string(msg.Priority),
		nullable(msg.TargetHandle), msg.Payload, msg.CreatedAtMs, string(readBy))
	if err != nil {
		return "", fleeterr.Storage(err)
	}
	return msg.ID, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func readerList(readBy map[string]struct{}) []string {
	out := make([]string, 0, len(readBy))
	for r := range readBy {
		out = append(out, r)
	}
	return out
}

// Read returns messages matching filter, ordered by (createdAt, id).
// Archived messages are always excluded, whatever the filter: archival
// is terminal and hides a message from every read.
func (s *Store) Read(swarmID string, filter ReadFilter) ([]*Message, error) {
	if filter.UnreadOnly && filter.ReaderHandle == "" {
		return nil, fleeterr.Validation("readerHandle", "unreadOnly requires readerHandle")
	}

	query := `SELECT id, swarm_id, sender_handle, message_type, priority, target_handle, payload, created_at_ms, read_by, archived
		FROM blackboard_messages WHERE swarm_id = ? AND archived = 0`
	args := []interface{}{swarmID}

	if filter.MessageType != "" {
		query += ` AND message_type = ?`
		args = append(args, string(filter.MessageType))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}

	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY created_at_ms %s, id %s`, order, order)

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fleeterr.Storage(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fleeterr.Storage(err)
		}
		if filter.UnreadOnly && msg.IsReadBy(filter.ReaderHandle) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var msgType, priority, readByJSON string
	var target sql.NullString
	var archived int
	if err := rows.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &msgType, &priority, &target, &m.Payload, &m.CreatedAtMs, &readByJSON, &archived); err != nil {
		return nil, err
	}
	m.MessageType = MessageType(msgType)
	m.Priority = Priority(priority)
	m.TargetHandle = target.String
	m.Archived = archived != 0

	m.ReadBy = make(map[string]struct{})
	var readers []string
	if err := json.Unmarshal([]byte(readByJSON), &readers); err == nil {
		for _, r := range readers {
			m.ReadBy[r] = struct{}{}
		}
	}
	return &m, nil
}

// MarkRead adds reader to each message's ReadBy set. Idempotent: re-adding
// an existing reader is a no-op, and IDs that are not present are silently
// skipped rather than erroring.
func (s *Store) MarkRead(messageIDs []string, reader string) error {
	for _, id := range messageIDs {
		row := s.db.QueryRow(`SELECT read_by FROM blackboard_messages WHERE id = ?`, id)
		var readByJSON string
		if err := row.Scan(&readByJSON); err != nil {
			if err == sql.ErrNoRows {
				continue // silently skipped
			}
			return fleeterr.Storage(err)
		}

		var readers []string
		_ = json.Unmarshal([]byte(readByJSON), &readers)

		already := false
		for _, r := range readers {
			if r == reader {
				already = true
				break
			}
		}
		if already {
			continue
		}
		readers = append(readers, reader)
		updated, _ := json.Marshal(readers)
		if _, err := s.db.Exec(`UPDATE blackboard_messages SET read_by = ? WHERE id = ?`, string(updated), id); err != nil {
			return fleeterr.Storage(err)
		}
	}
	return nil
}

// Archive sets archived=true for the given message IDs. Terminal: once
// archived, a message is hidden from default reads for good.
func (s *Store) Archive(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE blackboard_messages SET archived = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fleeterr.Storage(err)
	}
	return nil
}

// ArchiveOlderThan bulk-archives messages older than maxAgeMs and returns
// the count archived.
func (s *Store) ArchiveOlderThan(swarmID string, maxAgeMs int64) (int, error) {
	cutoff := time.Now().UnixMilli() - maxAgeMs
	res, err := s.db.Exec(`UPDATE blackboard_messages SET archived = 1 WHERE swarm_id = ? AND archived = 0 AND created_at_ms < ?`, swarmID, cutoff)
	if err != nil {
		return 0, fleeterr.Storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fleeterr.Storage(err)
	}
	return int(n), nil
}

// GetUnreadCount returns the number of non-archived messages in swarmID
// that reader has not yet read.
func (s *Store) GetUnreadCount(swarmID, reader string) (int, error) {
	rows, err := s.db.Query(`SELECT read_by FROM blackboard_messages WHERE swarm_id = ? AND archived = 0`, swarmID)
	if err != nil {
		return 0, fleeterr.Storage(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var readByJSON string
		if err := rows.Scan(&readByJSON); err != nil {
			return 0, fleeterr.Storage(err)
		}
		var readers []string
		_ = json.Unmarshal([]byte(readByJSON), &readers)
		read := false
		for _, r := range readers {
			if r == reader {
				read = true
				break
			}
		}
		if !read {
			count++
		}
	}
	return count, nil
}
