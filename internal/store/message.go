package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrDuplicateMessage is returned when an insert collides with an existing
// client_msg_id.
var ErrDuplicateMessage = errors.New("store: duplicate client message id")

// ErrNotFound is returned by lookups that require the message to exist.
var ErrNotFound = errors.New("store: message not found")

const messageColumns = `id, client_msg_id, server_id, chat_id, sender_id, content, kind, status,
	multimedia, txn, reply_to, reactions, is_pinned, created_at, updated_at`

func nowMilli() int64 { return time.Now().UnixMilli() }

// InsertMessage inserts a new message row. CreatedAt is assigned here when
// unset; it is client-assigned and never changes afterwards. Returns
// ErrDuplicateMessage when the client_msg_id already exists.
func (db *DB) InsertMessage(m *Message) error {
	if m.ClientMsgID == "" {
		return fmt.Errorf("store: insert message: empty client_msg_id")
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMilli()
	}
	m.UpdatedAt = nowMilli()

	multimedia, txn, replyTo, reactions, err := marshalPayloads(m)
	if err != nil {
		return err
	}

	res, err := db.Exec(`
		INSERT INTO messages (client_msg_id, server_id, chat_id, sender_id, content, kind, status,
			multimedia, txn, reply_to, reactions, is_pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ClientMsgID, nullStr(m.ServerID), m.ChatID, m.SenderID, m.Content, string(m.Kind), string(m.Status),
		multimedia, txn, replyTo, reactions, m.IsPinned, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) &&
			(sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	db.notify(OpInsert, m.ChatID, m.ClientMsgID)
	return nil
}

// UpsertMessage inserts the message, or updates the existing row with the
// same client_msg_id. Used by reconciliation so replayed stream events and
// backfill pages converge on one row per logical message.
func (db *DB) UpsertMessage(m *Message) error {
	if m.ClientMsgID == "" {
		return fmt.Errorf("store: upsert message: empty client_msg_id")
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMilli()
	}
	m.UpdatedAt = nowMilli()

	multimedia, txn, replyTo, reactions, err := marshalPayloads(m)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO messages (client_msg_id, server_id, chat_id, sender_id, content, kind, status,
			multimedia, txn, reply_to, reactions, is_pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			server_id = COALESCE(excluded.server_id, messages.server_id),
			content = excluded.content,
			kind = excluded.kind,
			status = excluded.status,
			multimedia = excluded.multimedia,
			txn = excluded.txn,
			reply_to = excluded.reply_to,
			updated_at = excluded.updated_at`,
		m.ClientMsgID, nullStr(m.ServerID), m.ChatID, m.SenderID, m.Content, string(m.Kind), string(m.Status),
		multimedia, txn, replyTo, reactions, m.IsPinned, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	db.notify(OpUpdate, m.ChatID, m.ClientMsgID)
	return nil
}

// UpdateStatus sets the delivery status of a message.
func (db *DB) UpdateStatus(clientMsgID string, status Status) error {
	return db.updateOne(clientMsgID, "update status",
		`UPDATE messages SET status = ?, updated_at = ? WHERE client_msg_id = ?`,
		string(status), nowMilli(), clientMsgID)
}

// SetServerID records the remote identity assigned to a message.
func (db *DB) SetServerID(clientMsgID, serverID string) error {
	return db.updateOne(clientMsgID, "set server id",
		`UPDATE messages SET server_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverID, nowMilli(), clientMsgID)
}

// UpdateKind rewrites the kind of a message, used when late classification
// reveals a text message is actually a blink.
func (db *DB) UpdateKind(clientMsgID string, kind Kind) error {
	return db.updateOne(clientMsgID, "update kind",
		`UPDATE messages SET kind = ?, updated_at = ? WHERE client_msg_id = ?`,
		string(kind), nowMilli(), clientMsgID)
}

// Fields is a partial update: only non-nil members are written.
type Fields struct {
	Content    *string
	Status     *Status
	Kind       *Kind
	ServerID   *string
	Multimedia *[]Attachment
	IsPinned   *bool
}

// UpdateFields applies a partial update to the message. Updating a message
// that does not exist is a no-op, not an error.
func (db *DB) UpdateFields(clientMsgID string, f Fields) error {
	set := "updated_at = ?"
	args := []any{nowMilli()}
	if f.Content != nil {
		set += ", content = ?"
		args = append(args, *f.Content)
	}
	if f.Status != nil {
		set += ", status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Kind != nil {
		set += ", kind = ?"
		args = append(args, string(*f.Kind))
	}
	if f.ServerID != nil {
		set += ", server_id = ?"
		args = append(args, *f.ServerID)
	}
	if f.Multimedia != nil {
		raw, err := json.Marshal(*f.Multimedia)
		if err != nil {
			return fmt.Errorf("marshal multimedia: %w", err)
		}
		set += ", multimedia = ?"
		args = append(args, string(raw))
	}
	if f.IsPinned != nil {
		set += ", is_pinned = ?"
		args = append(args, *f.IsPinned)
	}
	args = append(args, clientMsgID)

	res, err := db.Exec(`UPDATE messages SET `+set+` WHERE client_msg_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notifyByClientID(clientMsgID)
	}
	return nil
}

// GetByClientID returns the message with the given client id, or nil when
// no such message exists.
func (db *DB) GetByClientID(clientMsgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE client_msg_id = ?`, clientMsgID)
	return scanOptional(row)
}

// GetByServerID returns the message with the given server id, or nil.
func (db *DB) GetByServerID(serverID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE server_id = ?`, serverID)
	return scanOptional(row)
}

// FindByStatus returns the most recent message in the chat with the given
// status, or nil when there is none.
func (db *DB) FindByStatus(chatID string, status Status) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		chatID, string(status))
	return scanOptional(row)
}

// Earliest returns the oldest message in the chat, or nil for an empty chat.
func (db *DB) Earliest(chatID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`, chatID)
	return scanOptional(row)
}

// Latest returns the newest message in the chat, or nil for an empty chat.
func (db *DB) Latest(chatID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, chatID)
	return scanOptional(row)
}

// ListMessages returns up to limit messages in the chat strictly older than
// beforeMs, newest first. beforeMs <= 0 means no upper bound.
func (db *DB) ListMessages(chatID string, beforeMs int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeMs > 0 {
		q += ` AND created_at < ?`
		args = append(args, beforeMs)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddReaction appends a reaction to the message with the given server id.
// Unknown server ids and exact duplicates are no-ops, so replayed reaction
// events converge.
func (db *DB) AddReaction(serverID string, r Reaction) error {
	m, err := db.GetByServerID(serverID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	for _, have := range m.Reactions {
		if have.ReactorID == r.ReactorID && have.Emoji == r.Emoji {
			return nil
		}
	}
	m.Reactions = append(m.Reactions, r)
	raw, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}
	res, err := db.Exec(`UPDATE messages SET reactions = ?, updated_at = ? WHERE server_id = ?`,
		string(raw), nowMilli(), serverID)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify(OpUpdate, m.ChatID, m.ClientMsgID)
	}
	return nil
}

// SetPinned marks the message with the given server id pinned or unpinned.
// Unknown server ids are a no-op.
func (db *DB) SetPinned(serverID string, pinned bool) error {
	m, err := db.GetByServerID(serverID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	res, err := db.Exec(`UPDATE messages SET is_pinned = ?, updated_at = ? WHERE server_id = ?`,
		pinned, nowMilli(), serverID)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify(OpUpdate, m.ChatID, m.ClientMsgID)
	}
	return nil
}

// RefreshSignedURL replaces the read URL and expiry of the attachment with
// the given server file path. Only SignedURL and ExpirationTime change; the
// upload state is untouched.
func (db *DB) RefreshSignedURL(clientMsgID, filePath, signedURL string, expirationMs int64) error {
	m, err := db.GetByClientID(clientMsgID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	changed := false
	for i := range m.Multimedia {
		if m.Multimedia[i].FilePath == filePath {
			m.Multimedia[i].SignedURL = signedURL
			m.Multimedia[i].ExpirationTime = expirationMs
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return db.UpdateFields(clientMsgID, Fields{Multimedia: &m.Multimedia})
}

// DeleteAll removes every message. Used when wiping a session.
func (db *DB) DeleteAll() error {
	if _, err := db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("delete all messages: %w", err)
	}
	db.notify(OpDelete, "", "")
	return nil
}

func (db *DB) updateOne(clientMsgID, what, query string, args ...any) error {
	res, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notifyByClientID(clientMsgID)
	}
	return nil
}

func (db *DB) notifyByClientID(clientMsgID string) {
	var chatID string
	_ = db.QueryRow(`SELECT chat_id FROM messages WHERE client_msg_id = ?`, clientMsgID).Scan(&chatID)
	db.notify(OpUpdate, chatID, clientMsgID)
}

func marshalPayloads(m *Message) (multimedia, txn, replyTo, reactions sql.NullString, err error) {
	if len(m.Multimedia) > 0 {
		raw, e := json.Marshal(m.Multimedia)
		if e != nil {
			err = fmt.Errorf("marshal multimedia: %w", e)
			return
		}
		multimedia = sql.NullString{String: string(raw), Valid: true}
	}
	if m.Transaction != nil {
		raw, e := json.Marshal(m.Transaction)
		if e != nil {
			err = fmt.Errorf("marshal transaction: %w", e)
			return
		}
		txn = sql.NullString{String: string(raw), Valid: true}
	}
	if m.ReplyTo != nil {
		raw, e := json.Marshal(m.ReplyTo)
		if e != nil {
			err = fmt.Errorf("marshal reply ref: %w", e)
			return
		}
		replyTo = sql.NullString{String: string(raw), Valid: true}
	}
	if len(m.Reactions) > 0 {
		raw, e := json.Marshal(m.Reactions)
		if e != nil {
			err = fmt.Errorf("marshal reactions: %w", e)
			return
		}
		reactions = sql.NullString{String: string(raw), Valid: true}
	}
	return
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var serverID, multimedia, txn, replyTo, reactions sql.NullString
	var kind, status string
	err := row.Scan(&m.ID, &m.ClientMsgID, &serverID, &m.ChatID, &m.SenderID, &m.Content,
		&kind, &status, &multimedia, &txn, &replyTo, &reactions, &m.IsPinned,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	m.Kind = Kind(kind)
	m.Status = Status(status)
	if multimedia.Valid {
		if err := json.Unmarshal([]byte(multimedia.String), &m.Multimedia); err != nil {
			return nil, fmt.Errorf("unmarshal multimedia: %w", err)
		}
	}
	if txn.Valid {
		m.Transaction = &Transaction{}
		if err := json.Unmarshal([]byte(txn.String), m.Transaction); err != nil {
			return nil, fmt.Errorf("unmarshal transaction: %w", err)
		}
	}
	if replyTo.Valid {
		m.ReplyTo = &ReplyRef{}
		if err := json.Unmarshal([]byte(replyTo.String), m.ReplyTo); err != nil {
			return nil, fmt.Errorf("unmarshal reply ref: %w", err)
		}
	}
	if reactions.Valid {
		if err := json.Unmarshal([]byte(reactions.String), &m.Reactions); err != nil {
			return nil, fmt.Errorf("unmarshal reactions: %w", err)
		}
	}
	return &m, nil
}

func scanOptional(row *sql.Row) (*Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}
