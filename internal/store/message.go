package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message by id. Repeated upserts with
// the same id are safe; the synced flag is monotonic and never goes back
// from true to false.
func (db *DB) UpsertMessage(m *Message) error {
	replyTo, err := marshalNullable(m.ReplyTo)
	if err != nil {
		return fmt.Errorf("encode reply_to: %w", err)
	}
	attachments, err := marshalNullable(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	mentions, err := marshalNullable(m.Mentions)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, conversation_id, conversation_type, sender_id, sender_name, body, kind, timestamp, synced, reply_to, attachments, mentions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			synced = MAX(messages.synced, excluded.synced)`,
		m.ID, m.ConversationID, string(m.ConversationType), m.SenderID, m.SenderName,
		m.Body, string(m.Kind), m.Timestamp, m.Synced, replyTo, attachments, mentions, now)
	return err
}

// MessagesByConversation returns all messages for a conversation in
// persisted order. Callers sort by timestamp before display.
func (db *DB) MessagesByConversation(conversationID string) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, conversation_type, sender_id, sender_name, body, kind, timestamp, synced, reply_to, attachments, mentions
		FROM messages
		WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// UnsyncedMessages returns every message with synced=false across all
// conversations, oldest first. Used by transport reconnect replay.
func (db *DB) UnsyncedMessages() ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, conversation_type, sender_id, sender_name, body, kind, timestamp, synced, reply_to, attachments, mentions
		FROM messages
		WHERE synced = 0
		ORDER BY timestamp ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MarkSynced flips a message's synced flag to true.
func (db *DB) MarkSynced(id string) error {
	_, err := db.Exec(`UPDATE messages SET synced = 1 WHERE id = ?`, id)
	return err
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ClearMessages removes all messages. Used by tests and full resets.
func (db *DB) ClearMessages() error {
	_, err := db.Exec(`DELETE FROM messages`)
	return err
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		var (
			m                             Message
			replyTo, attachments, mentions sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, (*string)(&m.ConversationType), &m.SenderID, &m.SenderName,
			&m.Body, (*string)(&m.Kind), &m.Timestamp, &m.Synced, &replyTo, &attachments, &mentions); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(replyTo, &m.ReplyTo); err != nil {
			return nil, fmt.Errorf("decode reply_to for %s: %w", m.ID, err)
		}
		if err := unmarshalNullable(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for %s: %w", m.ID, err)
		}
		if err := unmarshalNullable(mentions, &m.Mentions); err != nil {
			return nil, fmt.Errorf("decode mentions for %s: %w", m.ID, err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *ReplyRef:
		if val == nil {
			return nil, nil
		}
	case []Attachment:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
