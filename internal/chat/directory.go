package chat

import (
	"fmt"

	"github.com/mcastro/chatd/internal/store"
)

// Contact and conversation records are mutated only through these explicit
// operations; the engine never changes them on its own (a conversation's
// cached last message being the one exception, handled by the coordinator).

// AddContact stores a new contact.
func (c *Coordinator) AddContact(contact *store.Contact) error {
	if contact.ID == "" {
		return fmt.Errorf("contact id required")
	}
	return c.db.UpsertContact(contact)
}

// UpdateContact overwrites an existing contact.
func (c *Coordinator) UpdateContact(contact *store.Contact) error {
	return c.db.UpsertContact(contact)
}

// RemoveContact deletes a contact by id.
func (c *Coordinator) RemoveContact(id string) error {
	return c.db.DeleteContact(id)
}

// Contacts returns all stored contacts.
func (c *Coordinator) Contacts() ([]*store.Contact, error) {
	return c.db.ListContacts()
}

// CreateConversation stores a new conversation record.
func (c *Coordinator) CreateConversation(conv *store.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id required")
	}
	return c.db.UpsertConversation(conv)
}

// UpdateConversation overwrites an existing conversation record.
func (c *Coordinator) UpdateConversation(conv *store.Conversation) error {
	return c.db.UpsertConversation(conv)
}

// RemoveConversation deletes the conversation record. Messages are not
// cascade-deleted; they stay queryable by conversation id.
func (c *Coordinator) RemoveConversation(id string) error {
	c.mu.Lock()
	isCurrent := c.currentID == id
	c.mu.Unlock()
	if isCurrent {
		c.LeaveConversation()
	}
	return c.db.DeleteConversation(id)
}

// Conversations returns all stored conversations.
func (c *Coordinator) Conversations() ([]*store.Conversation, error) {
	return c.db.ListConversations()
}
