// Package chat contains the sync coordinator: it owns the current
// conversation, merges inbound messages from both transports, and
// dispatches outgoing messages to both.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/store"
	"go.uber.org/zap"
)

// RoomTransport is the coordinator's view of the broker transport.
type RoomTransport interface {
	SubscribeRoom(conversationID string)
	UnsubscribeRoom(conversationID string)
	Publish(m *store.Message)
}

// DirectTransport is the coordinator's view of the point-to-point transport.
type DirectTransport interface {
	Send(m *store.Message)
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	ReplyTo     *store.ReplyRef
	Attachments []store.Attachment
	Mentions    []string
}

// Coordinator merges the two transports into one conversation view. Only
// one conversation is current at a time; its messages form the active
// list, kept sorted by timestamp, deduplicated by message id.
type Coordinator struct {
	db     *store.DB
	broker RoomTransport
	direct DirectTransport
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu          sync.Mutex
	currentID   string
	currentType store.ConversationType
	active      []*store.Message
}

// NewCoordinator creates a coordinator over the given transports.
func NewCoordinator(db *store.DB, broker RoomTransport, direct DirectTransport, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		broker: broker,
		direct: direct,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound transport messages on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe(bus.KindTransportMessage, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				msg, ok := evt.Payload.(*store.Message)
				if !ok {
					continue
				}
				c.handleInbound(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// JoinConversation makes the given conversation current, subscribing to
// its broker topic if it is a room and loading its persisted history.
// Joining replaces any previously active conversation.
func (c *Coordinator) JoinConversation(id string, typ store.ConversationType) error {
	if typ == store.ConversationRoom {
		c.broker.SubscribeRoom(id)
	}

	msgs, err := c.db.MessagesByConversation(id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}
	sortByTimestamp(msgs)

	c.mu.Lock()
	c.currentID = id
	c.currentType = typ
	c.active = msgs
	c.mu.Unlock()
	return nil
}

// LeaveConversation clears the current conversation, unsubscribing from
// its broker topic if it was a room.
func (c *Coordinator) LeaveConversation() {
	c.mu.Lock()
	id, typ := c.currentID, c.currentType
	c.currentID = ""
	c.currentType = ""
	c.active = nil
	c.mu.Unlock()

	if id != "" && typ == store.ConversationRoom {
		c.broker.UnsubscribeRoom(id)
	}
}

// Current returns the current conversation id and type; the id is empty
// when no conversation is joined.
func (c *Coordinator) Current() (string, store.ConversationType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID, c.currentType
}

// ActiveMessages returns a copy of the active list, sorted by timestamp.
func (c *Coordinator) ActiveMessages() []*store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*store.Message(nil), c.active...)
}

// SendMessage builds a message for the current conversation, appends it
// optimistically, persists it unsynced, and dispatches it to both
// transports. Persistence and each dispatch are independent: any of them
// can fail without blocking the others.
func (c *Coordinator) SendMessage(body, senderID, senderName string, opts *SendOptions) (*store.Message, error) {
	c.mu.Lock()
	if c.currentID == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("no conversation selected")
	}

	m := &store.Message{
		ID:               NewMessageID(),
		ConversationID:   c.currentID,
		ConversationType: c.currentType,
		SenderID:         senderID,
		SenderName:       senderName,
		Body:             body,
		Kind:             store.KindText,
		Timestamp:        time.Now().UnixMilli(),
		Synced:           false,
	}
	if opts != nil {
		m.ReplyTo = opts.ReplyTo
		m.Attachments = opts.Attachments
		m.Mentions = opts.Mentions
		if len(opts.Attachments) > 0 {
			m.Kind = opts.Attachments[0].Kind
		}
	}

	// Optimistic append so the message shows up before any I/O completes.
	c.active = append(c.active, m)
	sortByTimestamp(c.active)
	isRoom := c.currentType == store.ConversationRoom
	c.mu.Unlock()

	if err := c.db.UpsertMessage(m); err != nil {
		c.logger.Error("persist outgoing message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	if err := c.db.UpdateConversationLastMessage(m.ConversationID, m); err != nil {
		c.logger.Error("update last message", zap.String("conversation_id", m.ConversationID), zap.Error(err))
	}

	if isRoom {
		c.broker.Publish(m)
	}
	c.direct.Send(m)

	c.bus.Publish(bus.Event{Kind: bus.KindChatMessage, Timestamp: time.Now(), Payload: m})
	return m, nil
}

// handleInbound merges a message delivered by either transport. The single
// dedup safeguard lives here: a message whose id is already in the active
// list is rejected, which makes double delivery across the two transports
// harmless. Messages for other conversations are ignored; the transports
// already persisted them.
func (c *Coordinator) handleInbound(m *store.Message) {
	c.mu.Lock()
	if m.ConversationID != c.currentID || c.currentID == "" {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.active {
		if existing.ID == m.ID {
			c.mu.Unlock()
			return
		}
	}
	c.active = append(c.active, m)
	sortByTimestamp(c.active)
	c.mu.Unlock()

	if err := c.db.UpdateConversationLastMessage(m.ConversationID, m); err != nil {
		c.logger.Error("update last message", zap.String("conversation_id", m.ConversationID), zap.Error(err))
	}

	c.bus.Publish(bus.Event{Kind: bus.KindChatMessage, Timestamp: time.Now(), Payload: m})
}

// NewMessageID generates a client-unique message id: the send time in
// epoch millis plus a random suffix.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// sortByTimestamp sorts ascending; insertion order is preserved for equal
// timestamps.
func sortByTimestamp(msgs []*store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
