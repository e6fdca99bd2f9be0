package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := marshalNullable(c.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encode participant_ids: %w", err)
	}
	var lastMessage any
	if c.LastMessage != nil {
		data, err := json.Marshal(c.LastMessage)
		if err != nil {
			return fmt.Errorf("encode last_message: %w", err)
		}
		lastMessage = string(data)
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, type, name, participant_ids, last_message, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			participant_ids = excluded.participant_ids,
			last_message = excluded.last_message,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), c.Name, participants, lastMessage, c.UnreadCount, now)
	return err
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, type, name, participant_ids, last_message, unread_count
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (db *DB) ListConversations() ([]*Conversation, error) {
	rows, err := db.Query(`
		SELECT id, type, name, participant_ids, last_message, unread_count
		FROM conversations
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes the conversation record. Its messages are
// intentionally left in place; see the orphaning test in store_test.go.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// UpdateConversationLastMessage refreshes the cached last-message pointer.
// A no-op if the conversation does not exist.
func (db *DB) UpdateConversationLastMessage(conversationID string, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode last_message: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE conversations SET last_message = ?, updated_at = ? WHERE id = ?`,
		string(data), now, conversationID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                          Conversation
		participants, lastMessage sql.NullString
	)
	if err := row.Scan(&c.ID, (*string)(&c.Type), &c.Name, &participants, &lastMessage, &c.UnreadCount); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(participants, &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participant_ids for %s: %w", c.ID, err)
	}
	if err := unmarshalNullable(lastMessage, &c.LastMessage); err != nil {
		return nil, fmt.Errorf("decode last_message for %s: %w", c.ID, err)
	}
	return &c, nil
}
