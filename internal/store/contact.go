package store

import (
	"database/sql"
	"time"
)

// UpsertContact inserts or updates a contact.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (id, name, avatar, presence, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			avatar = excluded.avatar,
			presence = excluded.presence,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Avatar, string(c.Presence), nullableInt64(c.LastSeen), now)
	return err
}

// GetContact returns a contact by id, or nil if absent.
func (db *DB) GetContact(id string) (*Contact, error) {
	var (
		c        Contact
		lastSeen sql.NullInt64
	)
	err := db.QueryRow(`SELECT id, name, avatar, presence, last_seen FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Avatar, (*string)(&c.Presence), &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastSeen = lastSeen.Int64
	return &c, nil
}

// ListContacts returns all contacts sorted by name.
func (db *DB) ListContacts() ([]*Contact, error) {
	rows, err := db.Query(`SELECT id, name, avatar, presence, last_seen FROM contacts ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []*Contact
	for rows.Next() {
		var (
			c        Contact
			lastSeen sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Avatar, (*string)(&c.Presence), &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = lastSeen.Int64
		contacts = append(contacts, &c)
	}
	return contacts, rows.Err()
}

// DeleteContact removes a contact by id.
func (db *DB) DeleteContact(id string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE id = ?`, id)
	return err
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
