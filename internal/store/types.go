package store

// ConversationType distinguishes multi-party rooms from direct chats.
type ConversationType string

const (
	ConversationRoom   ConversationType = "room"
	ConversationDirect ConversationType = "direct"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// Presence is a contact's availability status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// Attachment describes a file carried by a message.
type Attachment struct {
	Kind     MessageKind `json:"kind"`
	URL      string      `json:"url"`
	Name     string      `json:"name"`
	Size     int64       `json:"size"`
	MimeType string      `json:"mimeType"`
}

// ReplyRef points at the message being replied to, with a snippet of its body.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
}

// Message is a chat message. The JSON tags double as the wire format on
// both transports. A message is immutable once created except for Synced,
// which only ever flips false to true.
type Message struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	ConversationType ConversationType `json:"conversationType"`
	SenderID         string           `json:"senderId"`
	SenderName       string           `json:"senderName"`
	Body             string           `json:"body"`
	Kind             MessageKind      `json:"kind"`
	Timestamp        int64            `json:"timestamp"` // epoch millis, client send time
	Synced           bool             `json:"synced"`
	ReplyTo          *ReplyRef        `json:"replyTo,omitempty"`
	Attachments      []Attachment     `json:"attachments,omitempty"`
	Mentions         []string         `json:"mentions,omitempty"`
}

// Conversation is a chat thread, explicit or implicitly created on first
// message. LastMessage caches the most recently accepted message.
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name"`
	ParticipantIDs []string         `json:"participantIds,omitempty"`
	LastMessage    *Message         `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
}

// Contact is a known peer. Mutated only through explicit user action.
type Contact struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Avatar   string   `json:"avatar,omitempty"`
	Presence Presence `json:"presence"`
	LastSeen int64    `json:"lastSeen,omitempty"`
}
