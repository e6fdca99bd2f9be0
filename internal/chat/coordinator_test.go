package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/store"
	"go.uber.org/zap"
)

// fakeBroker records room transport calls.
type fakeBroker struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	published    []*store.Message
}

func (f *fakeBroker) SubscribeRoom(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, id)
}

func (f *fakeBroker) UnsubscribeRoom(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *fakeBroker) Publish(m *store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
}

// fakeDirect records direct transport calls.
type fakeDirect struct {
	mu   sync.Mutex
	sent []*store.Message
}

func (f *fakeDirect) Send(m *store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCoordinator(t *testing.T, db *store.DB, b *bus.Bus) (*Coordinator, *fakeBroker, *fakeDirect) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	fb := &fakeBroker{}
	fd := &fakeDirect{}
	return NewCoordinator(db, fb, fd, b, logger), fb, fd
}

func TestJoinAndLeaveRoomManagesSubscription(t *testing.T) {
	c, fb, _ := testCoordinator(t, testDB(t), bus.New())

	if err := c.JoinConversation("room-7", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}
	if len(fb.subscribed) != 1 || fb.subscribed[0] != "room-7" {
		t.Fatalf("subscribed = %v, want [room-7]", fb.subscribed)
	}

	c.LeaveConversation()
	if len(fb.unsubscribed) != 1 || fb.unsubscribed[0] != "room-7" {
		t.Fatalf("unsubscribed = %v, want [room-7]", fb.unsubscribed)
	}
	if id, _ := c.Current(); id != "" {
		t.Errorf("current = %q after leave, want empty", id)
	}
	if msgs := c.ActiveMessages(); len(msgs) != 0 {
		t.Errorf("active list not cleared: %v", msgs)
	}
}

func TestJoinDirectConversationSkipsBroker(t *testing.T) {
	c, fb, _ := testCoordinator(t, testDB(t), bus.New())

	if err := c.JoinConversation("dm-1", store.ConversationDirect); err != nil {
		t.Fatal(err)
	}
	if len(fb.subscribed) != 0 {
		t.Errorf("subscribed = %v, want none for direct conversation", fb.subscribed)
	}
}

func TestJoinLoadsPersistedHistorySorted(t *testing.T) {
	db := testDB(t)
	c, _, _ := testCoordinator(t, db, bus.New())

	// Persisted order is arbitrary; insert out of timestamp order.
	for _, m := range []*store.Message{
		{ID: "m2", ConversationID: "room-1", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 2000},
		{ID: "m1", ConversationID: "room-1", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 1000},
		{ID: "x1", ConversationID: "other", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 500},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}
	msgs := c.ActiveMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = [%s, %s], want [m1, m2]", msgs[0].ID, msgs[1].ID)
	}
}

func TestSendMessagePersistsUnsyncedAndDispatchesToBoth(t *testing.T) {
	db := testDB(t)
	c, fb, fd := testCoordinator(t, db, bus.New())

	if err := db.UpsertConversation(&store.Conversation{ID: "room-1", Type: store.ConversationRoom}); err != nil {
		t.Fatal(err)
	}
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	m, err := c.SendMessage("hello", "u1", "Alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Synced {
		t.Error("freshly authored message flagged synced")
	}

	// Appears immediately in the active list.
	msgs := c.ActiveMessages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("active = %v, want [%s]", msgs, m.ID)
	}

	// Persisted with synced=false.
	unsynced, err := db.UnsyncedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsynced) != 1 || unsynced[0].ID != m.ID {
		t.Fatalf("unsynced = %v, want [%s]", unsynced, m.ID)
	}

	// Dispatched to the broker (room) and to the direct transport.
	if len(fb.published) != 1 || fb.published[0].ID != m.ID {
		t.Errorf("broker published = %v, want [%s]", fb.published, m.ID)
	}
	if len(fd.sent) != 1 || fd.sent[0].ID != m.ID {
		t.Errorf("direct sent = %v, want [%s]", fd.sent, m.ID)
	}

	// Last-message cache updated.
	conv, err := db.GetConversation("room-1")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.LastMessage == nil || conv.LastMessage.ID != m.ID {
		t.Errorf("last message = %+v, want %s", conv, m.ID)
	}
}

func TestSendMessageDirectConversationSkipsBroker(t *testing.T) {
	c, fb, fd := testCoordinator(t, testDB(t), bus.New())

	if err := c.JoinConversation("dm-1", store.ConversationDirect); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendMessage("psst", "u1", "Alice", nil); err != nil {
		t.Fatal(err)
	}
	if len(fb.published) != 0 {
		t.Errorf("broker published = %v, want none for direct conversation", fb.published)
	}
	if len(fd.sent) != 1 {
		t.Errorf("direct sent %d messages, want 1", len(fd.sent))
	}
}

func TestSendMessageWithoutConversationFails(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if _, err := c.SendMessage("hello", "u1", "Alice", nil); err == nil {
		t.Error("SendMessage without a joined conversation should fail")
	}
}

func TestSendMessageAttachmentSetsKind(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}
	m, err := c.SendMessage("look", "u1", "Alice", &SendOptions{
		Attachments: []store.Attachment{{Kind: store.KindImage, URL: "https://x/p.png", Name: "p.png"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != store.KindImage {
		t.Errorf("kind = %s, want image", m.Kind)
	}
}

// TestDualDeliveryDedup verifies the core idempotent-merge property: the
// same message id arriving once per transport grows the active list by
// exactly one.
func TestDualDeliveryDedup(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	msg := &store.Message{ID: "m1", ConversationID: "room-1", ConversationType: store.ConversationRoom, Body: "once", Kind: store.KindText, Timestamp: 1000, Synced: true}
	echo := *msg

	c.handleInbound(msg)   // e.g. via the broker
	c.handleInbound(&echo) // same id via the direct echo

	msgs := c.ActiveMessages()
	if len(msgs) != 1 {
		t.Fatalf("active list length = %d, want 1 after dual delivery", len(msgs))
	}
}

// TestSelfEchoDeduplicated covers the sender's own message coming back
// over the wire: it is already in the active list from the optimistic
// append and must not be duplicated.
func TestSelfEchoDeduplicated(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	m, err := c.SendMessage("hello", "u1", "Alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	echo := *m
	echo.Synced = true
	c.handleInbound(&echo)

	if msgs := c.ActiveMessages(); len(msgs) != 1 {
		t.Fatalf("active list length = %d, want 1 after self echo", len(msgs))
	}
}

func TestInboundInterleavesByTimestamp(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-7", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	c.handleInbound(&store.Message{ID: "m1", ConversationID: "room-7", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 1000})
	c.handleInbound(&store.Message{ID: "m2", ConversationID: "room-7", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 3000})
	c.handleInbound(&store.Message{ID: "mid", ConversationID: "room-7", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 2000})

	msgs := c.ActiveMessages()
	want := []string{"m1", "mid", "m2"}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestEqualTimestampsKeepInsertionOrder(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	c.handleInbound(&store.Message{ID: "a", ConversationID: "room-1", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 1000})
	c.handleInbound(&store.Message{ID: "b", ConversationID: "room-1", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 1000})

	msgs := c.ActiveMessages()
	if msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Errorf("order = [%s, %s], want insertion order [a, b]", msgs[0].ID, msgs[1].ID)
	}
}

func TestInboundForOtherConversationIgnored(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	c.handleInbound(&store.Message{ID: "m1", ConversationID: "room-2", ConversationType: store.ConversationRoom, Kind: store.KindText, Timestamp: 1000})
	if msgs := c.ActiveMessages(); len(msgs) != 0 {
		t.Errorf("active = %v, want empty for foreign conversation", msgs)
	}
}

func TestStartConsumesTransportEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	c, _, _ := testCoordinator(t, db, b)
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}

	c.Start(context.Background())
	defer c.Stop()

	accepted, unsub := b.Subscribe(bus.KindChatMessage, 10)
	defer unsub()

	b.Publish(bus.Event{
		Kind:      bus.KindTransportMessage,
		Timestamp: time.Now(),
		Payload:   &store.Message{ID: "m1", ConversationID: "room-1", ConversationType: store.ConversationRoom, Body: "via bus", Kind: store.KindText, Timestamp: 1000, Synced: true},
	})

	select {
	case evt := <-accepted:
		got, ok := evt.Payload.(*store.Message)
		if !ok || got.ID != "m1" {
			t.Errorf("payload = %+v, want m1", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for accepted message event")
	}

	if msgs := c.ActiveMessages(); len(msgs) != 1 {
		t.Errorf("active list length = %d, want 1", len(msgs))
	}
}

func TestDirectoryCRUD(t *testing.T) {
	c, _, _ := testCoordinator(t, testDB(t), bus.New())

	if err := c.AddContact(&store.Contact{ID: "u1", Name: "Alice", Presence: store.PresenceOnline}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddContact(&store.Contact{}); err == nil {
		t.Error("AddContact without id should fail")
	}
	if err := c.UpdateContact(&store.Contact{ID: "u1", Name: "Alice", Presence: store.PresenceAway}); err != nil {
		t.Fatal(err)
	}
	contacts, err := c.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].Presence != store.PresenceAway {
		t.Errorf("contacts = %v, want single away contact", contacts)
	}
	if err := c.RemoveContact("u1"); err != nil {
		t.Fatal(err)
	}

	if err := c.CreateConversation(&store.Conversation{ID: "room-1", Type: store.ConversationRoom, Name: "General"}); err != nil {
		t.Fatal(err)
	}
	convs, err := c.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Name != "General" {
		t.Errorf("conversations = %v, want [General]", convs)
	}
	if err := c.RemoveConversation("room-1"); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveCurrentConversationLeavesIt(t *testing.T) {
	c, fb, _ := testCoordinator(t, testDB(t), bus.New())
	if err := c.CreateConversation(&store.Conversation{ID: "room-1", Type: store.ConversationRoom}); err != nil {
		t.Fatal(err)
	}
	if err := c.JoinConversation("room-1", store.ConversationRoom); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveConversation("room-1"); err != nil {
		t.Fatal(err)
	}
	if id, _ := c.Current(); id != "" {
		t.Errorf("current = %q after removal, want empty", id)
	}
	if len(fb.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v, want [room-1]", fb.unsubscribed)
	}
}
